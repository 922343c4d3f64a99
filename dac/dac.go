/*Package dac controls a D5a 16-channel precision source module.

The D5a is a direct-output module: eight dual-channel 18-bit DAC chips
behind the backplane with no microcontroller, so every operation is a
register access through the rack controller.  The analog span of each
channel is set in software; voltages are quantized to the DAC step and
clamped to the span, with clamps reported to the logger rather than
returned as errors.

Constructing a driver with resetVoltages true ramps any channel left
nonzero by a previous session down to zero in 10 mV steps before
handing control to the host, to spare sensitive loads the transient.
The ramp is paced only by the link's round-trip latency.
*/
package dac

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.jpl.nasa.gov/bdube/gorack/rack"
)

// NumChannels is the channel count of a D5a
const NumChannels = 16

// dacBits is the resolution of the DAC chips
const dacBits = 18

// maxCode is the full-scale DAC code
const maxCode = 1<<dacBits - 1

// Span is a software-selectable output range
type Span int

// The spans of the DAC chips, values as in the datasheet
const (
	Span4VUni Span = 0
	Span8VUni Span = 1
	Span4VBi  Span = 2
	Span8VBi  Span = 3
	Span2VBi  Span = 4
)

// command nibbles of the DAC chips
const (
	cmdWriteSpan       = 0x2
	cmdWriteCode       = 0x3
	cmdUpdate          = 0x4
	cmdWriteSpanUpdate = 0x6
	cmdWriteCodeUpdate = 0x7
	cmdReadSpan        = 0xC
	cmdReadCode        = 0xD
)

// rampStep is the voltage increment used when ramping a channel to zero
const rampStep = 10e-3

// limits returns the low and high rails of a span
func (s Span) limits() (float64, float64) {
	switch s {
	case Span4VUni:
		return 0, 4
	case Span8VUni:
		return 0, 8
	case Span4VBi:
		return -4, 4
	case Span8VBi:
		return -8, 8
	case Span2VBi:
		return -2, 2
	}
	return 0, 0
}

// Stepsize returns the smallest voltage step of the span.  Steps smaller
// than this do not change the DAC code; step channels in integer
// multiples of it for exact behavior.
func (s Span) Stepsize() (float64, error) {
	lo, hi := s.limits()
	if lo == 0 && hi == 0 {
		return 0, fmt.Errorf("%w: span %d is not a valid span", rack.ErrOutOfRange, s)
	}
	return (hi - lo) / (1 << dacBits), nil
}

// D5a is a driver for one source module
type D5a struct {
	m   *rack.Module
	log *zap.Logger

	// advisory mirrors of device state; stale until Settings refreshes them
	spans    [NumChannels]Span
	voltages [NumChannels]float64
}

// New returns a driver for the D5a in the given backplane slot.  The
// current output of every channel is read back first; with
// resetVoltages true, channels are then ramped to zero and set to the
// +/-4 V span.  A nil logger is replaced with a nop.
func New(s *rack.Session, addr int, resetVoltages bool, log *zap.Logger) (*D5a, error) {
	if log == nil {
		log = zap.NewNop()
	}
	m, err := rack.NewModule(s, addr)
	if err != nil {
		return nil, err
	}
	d := &D5a{m: m, log: log}
	for ch := 0; ch < NumChannels; ch++ {
		if _, _, err := d.Settings(ch); err != nil {
			return nil, err
		}
	}
	if !resetVoltages {
		return d, nil
	}
	for ch := 0; ch < NumChannels; ch++ {
		v := d.voltages[ch]
		if math.Abs(v) > 1e-3 {
			d.log.Info("ramping channel to zero",
				zap.Int("module", m.Address()),
				zap.Int("channel", ch),
				zap.Float64("from", v))
			if err := d.ramp(ch, v); err != nil {
				return nil, err
			}
		}
		if err := d.ChangeSpan(ch, Span4VBi); err != nil {
			return nil, err
		}
		if err := d.SetVoltage(ch, 0); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// ramp walks a channel from v to zero in rampStep increments
func (d *D5a) ramp(ch int, v float64) error {
	sign := 1.0
	if v < 0 {
		sign = -1.0
	}
	for n := int(math.Abs(v) / rampStep); n >= 0; n-- {
		if err := d.SetVoltage(ch, sign*rampStep*float64(n)); err != nil {
			return err
		}
	}
	return nil
}

// chipSelect maps a channel to its DAC chip and the in-chip address nibble
func chipSelect(ch int) (byte, byte) {
	return byte(ch / 2), byte(ch%2) << 1
}

func (d *D5a) checkChannel(op string, ch int) error {
	if ch < 0 || ch >= NumChannels {
		return fmt.Errorf("%w: [%s] channel %d does not exist on module %d", rack.ErrOutOfRange, op, ch, d.m.Address())
	}
	return nil
}

// write sends one 32-bit command word to the chip owning ch
func (d *D5a) write(ch int, cmd byte, b2, b3, b4 byte) error {
	chip, addr := chipSelect(ch)
	return d.m.Write(chip, []byte{cmd<<4 | addr, b2, b3, b4})
}

// ChangeSpan stages a new span for the channel without updating the
// output; the change takes effect on the next Update or value write.
// Span changes on a live channel move the output; prefer changing span
// at zero volts.
func (d *D5a) ChangeSpan(ch int, span Span) error {
	if err := d.checkChannel("ChangeSpan", ch); err != nil {
		return err
	}
	if _, err := span.Stepsize(); err != nil {
		return err
	}
	if err := d.write(ch, cmdWriteSpan, 0, byte(span), 0); err != nil {
		return err
	}
	d.spans[ch] = span
	return nil
}

// ChangeSpanUpdate changes the span of the channel and immediately
// updates the output
func (d *D5a) ChangeSpanUpdate(ch int, span Span) error {
	if err := d.checkChannel("ChangeSpanUpdate", ch); err != nil {
		return err
	}
	if _, err := span.Stepsize(); err != nil {
		return err
	}
	if err := d.write(ch, cmdWriteSpanUpdate, 0, byte(span), 0); err != nil {
		return err
	}
	d.spans[ch] = span
	return nil
}

// ChangeValue stages a new DAC code for the channel without updating
// the output
func (d *D5a) ChangeValue(ch int, code uint32) error {
	if err := d.checkChannel("ChangeValue", ch); err != nil {
		return err
	}
	if code > maxCode {
		return fmt.Errorf("%w: [ChangeValue] code %d exceeds %d-bit resolution", rack.ErrOutOfRange, code, dacBits)
	}
	return d.write(ch, cmdWriteCode, byte(code>>10), byte(code>>2), byte(code&0x3)<<6)
}

// ChangeValueUpdate writes a new DAC code and immediately updates the
// output
func (d *D5a) ChangeValueUpdate(ch int, code uint32) error {
	if err := d.checkChannel("ChangeValueUpdate", ch); err != nil {
		return err
	}
	if code > maxCode {
		return fmt.Errorf("%w: [ChangeValueUpdate] code %d exceeds %d-bit resolution", rack.ErrOutOfRange, code, dacBits)
	}
	return d.write(ch, cmdWriteCodeUpdate, byte(code>>10), byte(code>>2), byte(code&0x3)<<6)
}

// Update moves the channel output to its staged code and span
func (d *D5a) Update(ch int) error {
	if err := d.checkChannel("Update", ch); err != nil {
		return err
	}
	return d.write(ch, cmdUpdate, 0, 0, 0)
}

// SetVoltage computes the DAC code for the voltage in the channel's
// span and updates the output.  The voltage is quantized to the span's
// step size and clamped to the rails; clamps log a warning.
func (d *D5a) SetVoltage(ch int, voltage float64) error {
	if err := d.checkChannel("SetVoltage", ch); err != nil {
		return err
	}
	span := d.spans[ch]
	step, err := span.Stepsize()
	if err != nil {
		return err
	}
	lo, hi := span.limits()
	code := int(math.Round((voltage - lo) / step))
	// rounding lands one count past full scale for in-span voltages
	// within half a step of the top rail
	if code > maxCode {
		code = maxCode
	}
	if code < 0 {
		code = 0
	}
	quantized := lo + float64(code)*step
	switch {
	case voltage >= hi:
		code = maxCode
		quantized = hi
		if voltage > hi {
			d.log.Warn("voltage too high for span, channel clamped to max",
				zap.Int("module", d.m.Address()),
				zap.Int("channel", ch),
				zap.Float64("requested", voltage),
				zap.Float64("max", hi))
		}
	case voltage <= lo:
		code = 0
		quantized = lo
		if voltage < lo {
			d.log.Warn("voltage too low for span, channel clamped to min",
				zap.Int("module", d.m.Address()),
				zap.Int("channel", ch),
				zap.Float64("requested", voltage),
				zap.Float64("min", lo))
		}
	}
	if err := d.ChangeValueUpdate(ch, uint32(code)); err != nil {
		return err
	}
	d.voltages[ch] = quantized
	return nil
}

// Stepsize returns the smallest voltage step of the channel at its
// current span
func (d *D5a) Stepsize(ch int) (float64, error) {
	if err := d.checkChannel("Stepsize", ch); err != nil {
		return 0, err
	}
	return d.spans[ch].Stepsize()
}

// Voltage returns the last voltage written to the channel.  The value
// is advisory; Settings refreshes it from the hardware.
func (d *D5a) Voltage(ch int) (float64, error) {
	if err := d.checkChannel("Voltage", ch); err != nil {
		return 0, err
	}
	return d.voltages[ch], nil
}

// Span returns the channel's span as last written or read back
func (d *D5a) Span(ch int) (Span, error) {
	if err := d.checkChannel("Span", ch); err != nil {
		return 0, err
	}
	return d.spans[ch], nil
}

// Settings reads the channel's code and span registers back from the
// hardware and returns the output voltage they imply, refreshing the
// driver's mirrors
func (d *D5a) Settings(ch int) (float64, Span, error) {
	if err := d.checkChannel("Settings", ch); err != nil {
		return 0, 0, err
	}
	chip, addr := chipSelect(ch)
	codeData, err := d.m.Read(chip, []byte{cmdReadCode<<4 | addr, 0, 0, 0})
	if err != nil {
		return 0, 0, err
	}
	code := uint32(codeData[1])<<10 | uint32(codeData[2])<<2 | uint32(codeData[3])>>6
	spanData, err := d.m.Read(chip, []byte{cmdReadSpan<<4 | addr, 0, 0, 0})
	if err != nil {
		return 0, 0, err
	}
	span := Span(spanData[2])
	step, err := span.Stepsize()
	if err != nil {
		return 0, 0, err
	}
	lo, _ := span.limits()
	voltage := lo + float64(code)*step
	d.voltages[ch] = voltage
	d.spans[ch] = span
	return voltage, span, nil
}
