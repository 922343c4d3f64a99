/*Package awg controls an S5k 8-channel arbitrary waveform module.

The module carries two 4-channel waveform chips which share a sample
SRAM window, a clock distribution chip with per-channel division, and
the backplane trigger line.  Waveform samples are 12-bit signed codes
uploaded over the register pass-through path, so host software reads
and writes chip registers directly rather than talking to an onboard
micro.

Channels with different clock divisions see the chip's fixed trigger
pipeline at different wall-clock lengths.  CompensateTriggerDelays
programs per-channel start delays so all channels begin their pattern
at the same instant regardless of division.
*/
package awg

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.jpl.nasa.gov/bdube/gorack/rack"
)

// NumChannels is the waveform channel count of an S5k
const NumChannels = 8

const (
	// chipChannels is the channel count per waveform chip
	chipChannels = 4

	// ramBase is the first SRAM word address in a waveform chip's
	// register space; ramWords sample words follow contiguously
	ramBase  = 0x6000
	ramWords = 4096

	// clockChip is the clock distribution chip, programmed with
	// [output, division] byte pairs
	clockChip = 2

	// clockSourceChip selects the module clock, 0 internal 1 external
	clockSourceChip = 7

	// statusChip is the pin register with the clock status flags
	statusChip = 6

	statExternalSelected = 0x02
	statExternalPresent  = 0x04

	// sampleBits is the DAC resolution; codes are left-aligned in the
	// 16-bit SRAM words
	sampleBits = 12
	sampleMax  = 1<<(sampleBits-1) - 1
	sampleMin  = -(1 << (sampleBits - 1))

	// pipelineCycles is the trigger-to-first-sample latency of a
	// waveform chip, in cycles of its own divided clock
	pipelineCycles = 46

	// uploadWords caps one pass-through transfer below the frame
	// payload limit
	uploadWords = 120

	// gainLSB scales the digital gain register, 1.0 = 1024
	gainLSB = 1024
	gainMax = 2.0
)

// per-channel chip registers, indexed by the channel's position on its
// chip
const (
	regRAMStart      = 0x10
	regRAMStop       = 0x20
	regPatternLength = 0x30
	regGain          = 0x40
	regTrigDelay     = 0x50
	regTrigPeriod    = 0x60
)

// ClockSource selects the module timing reference
type ClockSource int

// Clock sources.  External expects the shared 10 MHz backplane clock.
const (
	ClockInternal ClockSource = 0
	ClockExternal ClockSource = 1
)

// S5k is a driver for one arbitrary waveform module
type S5k struct {
	m   *rack.Module
	log *zap.Logger

	// clockDiv mirrors the division programmed per channel, needed to
	// compute trigger delay compensation without a readback path on
	// the clock chip
	clockDiv [NumChannels]int
}

// New returns a driver for the S5k in the given backplane slot.  All
// channels are set to undivided clock.  A nil logger is replaced with
// a nop.
func New(s *rack.Session, addr int, log *zap.Logger) (*S5k, error) {
	if log == nil {
		log = zap.NewNop()
	}
	m, err := rack.NewModule(s, addr)
	if err != nil {
		return nil, err
	}
	a := &S5k{m: m, log: log}
	for ch := 0; ch < NumChannels; ch++ {
		if err := a.SetClockDivision(ch, 1); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *S5k) checkChannel(op string, ch int) error {
	if ch < 0 || ch >= NumChannels {
		return fmt.Errorf("%w: [%s] channel %d does not exist on module %d", rack.ErrOutOfRange, op, ch, a.m.Address())
	}
	return nil
}

// chipOf splits a module channel into its chip index and the channel's
// position on that chip
func chipOf(ch int) (chip byte, sub uint16) {
	return byte(ch / chipChannels), uint16(ch % chipChannels)
}

// writeReg writes one 16-bit register on a waveform chip
func (a *S5k) writeReg(chip byte, reg, v uint16) error {
	return a.m.PassthroughWrite(chip, reg, []byte{byte(v >> 8), byte(v)})
}

// readReg reads one 16-bit register on a waveform chip
func (a *S5k) readReg(chip byte, reg uint16) (uint16, error) {
	out, err := a.m.PassthroughRead(chip, reg, 2)
	if err != nil {
		return 0, err
	}
	return uint16(out[0])<<8 | uint16(out[1]), nil
}

// UploadWaveform writes samples into a chip's SRAM starting at the
// given word offset and points the channel's pattern window at them.
// Samples are 12-bit signed codes, -2048..2047.  The SRAM is shared by
// the four channels of a chip; pointing several channels at one upload
// through SetRAMAddress is supported, and overlapping windows are
// legal.  With setPatternLength, the channel's playback length register
// is set to len(samples) as well.
func (a *S5k) UploadWaveform(ch int, samples []int16, offset int, setPatternLength bool) error {
	if err := a.checkChannel("UploadWaveform", ch); err != nil {
		return err
	}
	if len(samples) == 0 {
		return fmt.Errorf("%w: empty waveform for channel %d", rack.ErrOutOfRange, ch)
	}
	if offset < 0 || offset+len(samples) > ramWords {
		return fmt.Errorf("%w: waveform of %d words at offset %d exceeds the %d-word SRAM", rack.ErrOutOfRange, len(samples), offset, ramWords)
	}
	for i, s := range samples {
		if s < sampleMin || s > sampleMax {
			return fmt.Errorf("%w: sample %d is %d, must be %d..%d", rack.ErrOutOfRange, i, s, sampleMin, sampleMax)
		}
	}
	chip, _ := chipOf(ch)
	for i := 0; i < len(samples); i += uploadWords {
		end := i + uploadWords
		if end > len(samples) {
			end = len(samples)
		}
		buf := make([]byte, 0, 2*(end-i))
		for _, s := range samples[i:end] {
			w := uint16(s) << (16 - sampleBits)
			buf = append(buf, byte(w>>8), byte(w))
		}
		err := a.m.PassthroughWrite(chip, uint16(ramBase+offset+i), buf)
		if err != nil {
			return err
		}
	}
	if err := a.SetRAMAddress(ch, offset, offset+len(samples)-1); err != nil {
		return err
	}
	if !setPatternLength {
		return nil
	}
	return a.SetPatternLength(ch, len(samples))
}

// RAM reads n sample words back from a chip's SRAM, decoded to the
// signed codes UploadWaveform accepts
func (a *S5k) RAM(ch, offset, n int) ([]int16, error) {
	if err := a.checkChannel("RAM", ch); err != nil {
		return nil, err
	}
	if offset < 0 || n < 1 || offset+n > ramWords {
		return nil, fmt.Errorf("%w: %d words at offset %d exceeds the %d-word SRAM", rack.ErrOutOfRange, n, offset, ramWords)
	}
	chip, _ := chipOf(ch)
	out := make([]int16, 0, n)
	for i := 0; i < n; i += uploadWords {
		end := i + uploadWords
		if end > n {
			end = n
		}
		raw, err := a.m.PassthroughRead(chip, uint16(ramBase+offset+i), 2*(end-i))
		if err != nil {
			return nil, err
		}
		for j := 0; j < len(raw); j += 2 {
			w := uint16(raw[j])<<8 | uint16(raw[j+1])
			out = append(out, int16(w)>>(16-sampleBits))
		}
	}
	return out, nil
}

// SetRAMAddress points a channel's pattern window at SRAM words
// start..stop inclusive
func (a *S5k) SetRAMAddress(ch, start, stop int) error {
	if err := a.checkChannel("SetRAMAddress", ch); err != nil {
		return err
	}
	if start < 0 || stop < start || stop >= ramWords {
		return fmt.Errorf("%w: RAM window %d..%d", rack.ErrOutOfRange, start, stop)
	}
	chip, sub := chipOf(ch)
	if err := a.writeReg(chip, regRAMStart+sub, uint16(start)); err != nil {
		return err
	}
	return a.writeReg(chip, regRAMStop+sub, uint16(stop))
}

// SetPatternLength sets the number of SRAM words a channel plays per
// trigger
func (a *S5k) SetPatternLength(ch, n int) error {
	if err := a.checkChannel("SetPatternLength", ch); err != nil {
		return err
	}
	if n < 1 || n > ramWords {
		return fmt.Errorf("%w: pattern length %d, must be 1..%d", rack.ErrOutOfRange, n, ramWords)
	}
	chip, sub := chipOf(ch)
	return a.writeReg(chip, regPatternLength+sub, uint16(n))
}

// SetTriggerPeriod sets the repeat interval of a channel's pattern, in
// cycles of its divided clock.  Zero means play once per trigger.
func (a *S5k) SetTriggerPeriod(ch, cycles int) error {
	if err := a.checkChannel("SetTriggerPeriod", ch); err != nil {
		return err
	}
	if cycles < 0 || cycles > 0xFFFF {
		return fmt.Errorf("%w: trigger period %d, must be 0..65535", rack.ErrOutOfRange, cycles)
	}
	chip, sub := chipOf(ch)
	return a.writeReg(chip, regTrigPeriod+sub, uint16(cycles))
}

// SetDigitalGain scales a channel's output digitally.  Gain resolution
// is 1/1024; the usable range is -2..2 exclusive of +2.
func (a *S5k) SetDigitalGain(ch int, gain float64) error {
	if err := a.checkChannel("SetDigitalGain", ch); err != nil {
		return err
	}
	code := int(math.Round(gain * gainLSB))
	if code < -gainMax*gainLSB || code >= gainMax*gainLSB {
		return fmt.Errorf("%w: digital gain %f, must be in [-2, 2)", rack.ErrOutOfRange, gain)
	}
	chip, sub := chipOf(ch)
	return a.writeReg(chip, regGain+sub, uint16(int16(code)))
}

// DigitalGain reads back a channel's digital gain
func (a *S5k) DigitalGain(ch int) (float64, error) {
	if err := a.checkChannel("DigitalGain", ch); err != nil {
		return 0, err
	}
	chip, sub := chipOf(ch)
	v, err := a.readReg(chip, regGain+sub)
	if err != nil {
		return 0, err
	}
	return float64(int16(v)) / gainLSB, nil
}

// SetClockDivision divides the module clock by div on one channel.
// Valid divisions are powers of two, 1..128.
func (a *S5k) SetClockDivision(ch, div int) error {
	if err := a.checkChannel("SetClockDivision", ch); err != nil {
		return err
	}
	if div < 1 || div > 128 || div&(div-1) != 0 {
		return fmt.Errorf("%w: clock division %d, must be a power of two in 1..128", rack.ErrOutOfRange, div)
	}
	err := a.m.Write(clockChip, []byte{byte(ch), byte(div)})
	if err != nil {
		return err
	}
	a.clockDiv[ch] = div
	return nil
}

// ClockDivision returns the division programmed on a channel
func (a *S5k) ClockDivision(ch int) (int, error) {
	if err := a.checkChannel("ClockDivision", ch); err != nil {
		return 0, err
	}
	return a.clockDiv[ch], nil
}

// ExternalClockPresent reports whether a clock is detected on the
// backplane input
func (a *S5k) ExternalClockPresent() (bool, error) {
	out, err := a.m.Read(statusChip, []byte{0})
	if err != nil {
		return false, err
	}
	return out[0]&statExternalPresent != 0, nil
}

// SetClockSource selects the module timing reference.  If the external
// clock is requested but no backplane clock is detected, the module
// stays on its internal clock; the mismatch is logged as a warning and
// is not an error.
func (a *S5k) SetClockSource(src ClockSource) error {
	if src != ClockInternal && src != ClockExternal {
		return fmt.Errorf("%w: clock source %d, must be internal (0) or external (1)", rack.ErrOutOfRange, src)
	}
	if err := a.m.Write(clockSourceChip, []byte{byte(src)}); err != nil {
		return err
	}
	got, err := a.ClockSource()
	if err != nil {
		return err
	}
	if got != src {
		a.log.Warn("clock source did not take, module continues on internal clock",
			zap.Int("module", a.m.Address()),
			zap.Int("requested", int(src)))
	}
	return nil
}

// ClockSource reads back the selected timing reference
func (a *S5k) ClockSource() (ClockSource, error) {
	out, err := a.m.Read(statusChip, []byte{0})
	if err != nil {
		return 0, err
	}
	if out[0]&statExternalSelected != 0 {
		return ClockExternal, nil
	}
	return ClockInternal, nil
}

// TriggerDelay returns the compensation a channel needs, in cycles of
// its own divided clock, so that all channels leave the trigger
// pipeline at the same wall-clock instant.  maxDiv is the largest
// division in use on the module.
func TriggerDelay(div, maxDiv int) int {
	return int(math.Round(float64(pipelineCycles) * float64(maxDiv-div) / float64(div)))
}

// CompensateTriggerDelays programs every channel's start delay so the
// chips' fixed trigger pipeline, which runs at each channel's divided
// clock, stops skewing pattern starts between channels with different
// divisions
func (a *S5k) CompensateTriggerDelays() error {
	maxDiv := 1
	for _, d := range a.clockDiv {
		if d > maxDiv {
			maxDiv = d
		}
	}
	for ch := 0; ch < NumChannels; ch++ {
		chip, sub := chipOf(ch)
		delay := TriggerDelay(a.clockDiv[ch], maxDiv)
		if err := a.writeReg(chip, regTrigDelay+sub, uint16(delay)); err != nil {
			return err
		}
	}
	return nil
}
