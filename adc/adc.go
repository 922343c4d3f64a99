/*Package adc controls a B2b two-channel 24-bit acquisition module.

Unlike the direct-output modules, a microcontroller in the B2b owns all
ADC state, which is what makes exactly timed acquisitions possible: runs
start on triggers (software, or the controller's backplane pulse), each
gated by a programmable hold-off, and samples land in module-local RAM.

The protocol has no interrupt path back to the host, so a run is an
asynchronous cycle: configure, trigger, poll IsRunning at whatever
cadence suits the host, then fetch.  Fetching before the module returns
to idle yields ErrNotReady, which means keep polling, not give up.
A link timeout during a run never implies the hardware stopped
acquiring.
*/
package adc

import (
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.jpl.nasa.gov/bdube/gorack/rack"
	"github.jpl.nasa.gov/bdube/gorack/util"
)

// ErrNotReady is generated when data is fetched while the module is
// still acquiring.  Poll IsRunning until false and fetch again.
var ErrNotReady = errors.New("acquisition still running, data not ready")

// NumChannels is the ADC channel count of a B2b
const NumChannels = 2

// microcontroller command codes
const (
	cmdClockSource  = 0
	cmdTriggerInput = 1
	cmdTrigHoldoff  = 2
	cmdTrigAmount   = 3
	cmdFwVersion    = 4
	cmdSoftTrigger  = 6
	cmdFilterRate   = 7
	cmdFilterType   = 8
	cmdEnable       = 9
	cmdSampleAmount = 10
	cmdCalibrate    = 11
	cmdStatus       = 14
	cmdCancel       = 15
	cmdGetData      = 16
	cmdReadLoc      = 17
	cmdDataLoc      = 18
)

const (
	// microChip selects the microcontroller on the module SPI bus
	microChip = 0

	// statusChip selects the status pin register carrying the run flag
	statusChip = 6

	// holdoffTick is the resolution of the trigger hold-off timer
	holdoffTick = 100 * time.Nanosecond

	// readChunk is the largest SRAM block the micro serves per read
	readChunk = 120

	// ch1Base is the byte offset of channel 1 data in module SRAM
	ch1Base = 62500

	// fullScale is the ADC input range in volts
	fullScale = 8.192
)

// ClockSource selects the timing reference of the module micro
type ClockSource int

// Clock sources.  External expects a 10 MHz sine or square wave on the
// backplane, shared between modules.
const (
	ClockInternal ClockSource = 0
	ClockExternal ClockSource = 1
)

// TriggerSource selects what starts an acquisition
type TriggerSource int

// Trigger sources.  Software means only SoftwareTrigger starts a run;
// Controller is the rack controller's backplane pulse (the one
// Session.TriggerArm embeds in a frame); Module is the pulse driven by
// another module, e.g. a waveform module marking its pattern starts.
const (
	TriggerSoftware   TriggerSource = 0
	TriggerController TriggerSource = 1
	TriggerModule     TriggerSource = 2
)

// FilterType selects the decimation filter of the ADC
type FilterType int

// Filter types, values as in the ADC datasheet
const (
	FilterSinc5 FilterType = 0
	FilterSinc3 FilterType = 3
)

// Status is the module state machine word
type Status int

// Module states
const (
	StRunning Status = iota
	StIdle
	StWaiting
	StBooted
	StReadout
	StCancelled
	StDone
)

func (s Status) String() string {
	switch s {
	case StRunning:
		return "running"
	case StIdle:
		return "idle"
	case StWaiting:
		return "waiting"
	case StBooted:
		return "booted"
	case StReadout:
		return "readout"
	case StCancelled:
		return "cancelled"
	case StDone:
		return "done"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// sample periods in seconds, keyed by filter rate 0..20.  The
// conversion-rate table of the ADC is non-linear, so these are lookups
// reproduced from the datasheet, not a formula.
var (
	sinc3SampleTime = []float64{
		12e-6, 24e-6, 48e-6, 60e-6, 96e-6, 120e-6, 192e-6, 300e-6,
		600e-6, 1.2e-3, 3e-3, 6e-3, 7.5e-3, 15e-3, 30e-3, 50.02e-3,
		60e-3, 150e-3, 180e-3, 300e-3, 600e-3,
	}
	sinc5SampleTime = []float64{
		20e-6, 24e-6, 32e-6, 36e-6, 48e-6, 56e-6, 80e-6, 100e-6,
		200e-6, 400e-6, 1e-3, 2e-3, 2.516e-3, 5e-3, 10e-3, 16.67e-3,
		20.016e-3, 50e-3, 60.02e-3, 100e-3, 200e-3,
	}
)

// MaxFilterRate is the highest valid filter rate setting
const MaxFilterRate = 20

// B2b is a driver for one acquisition module
type B2b struct {
	m   *rack.Module
	log *zap.Logger
}

// New returns a driver for the B2b in the given backplane slot.  A nil
// logger is replaced with a nop.
func New(s *rack.Session, addr int, log *zap.Logger) (*B2b, error) {
	if log == nil {
		log = zap.NewNop()
	}
	m, err := rack.NewModule(s, addr)
	if err != nil {
		return nil, err
	}
	return &B2b{m: m, log: log}, nil
}

// writeCmd sends a write command to the module micro
func (b *B2b) writeCmd(cmd byte, payload ...byte) error {
	data := append([]byte{0x80 | cmd, byte(len(payload))}, payload...)
	return b.m.Write(microChip, data)
}

// readCmd issues a read command and returns the last n bytes clocked
// out, which carry the value
func (b *B2b) readCmd(cmd byte, n int, args ...byte) ([]byte, error) {
	data := append([]byte{cmd, byte(n)}, args...)
	// pad so the micro has clocks to shift the value out on
	for len(data) < 2+len(args)+n+1 {
		data = append(data, 0xFF)
	}
	out, err := b.m.Read(microChip, data)
	if err != nil {
		return nil, err
	}
	return out[len(out)-n:], nil
}

func (b *B2b) checkChannel(op string, ch int) error {
	if ch < 0 || ch >= NumChannels {
		return fmt.Errorf("%w: [%s] ADC %d does not exist on module %d", rack.ErrOutOfRange, op, ch, b.m.Address())
	}
	return nil
}

// SetClockSource selects the micro's timing reference.  If the external
// clock is requested but absent, the module stays on its internal
// clock; the mismatch is logged as a warning and is not an error.
func (b *B2b) SetClockSource(src ClockSource) error {
	if src != ClockInternal && src != ClockExternal {
		return fmt.Errorf("%w: clock source %d, must be internal (0) or external (1)", rack.ErrOutOfRange, src)
	}
	if err := b.writeCmd(cmdClockSource, byte(src)); err != nil {
		return err
	}
	got, err := b.ClockSource()
	if err != nil {
		return err
	}
	if got != src {
		b.log.Warn("clock source did not take, module continues on internal clock",
			zap.Int("module", b.m.Address()),
			zap.Int("requested", int(src)))
	}
	return nil
}

// ClockSource reads back the micro's timing reference
func (b *B2b) ClockSource() (ClockSource, error) {
	out, err := b.readCmd(cmdClockSource, 1)
	if err != nil {
		return 0, err
	}
	return ClockSource(out[0]), nil
}

// SetTriggerSource selects what starts an acquisition
func (b *B2b) SetTriggerSource(src TriggerSource) error {
	if src < TriggerSoftware || src > TriggerModule {
		return fmt.Errorf("%w: trigger source %d, must be 0..2", rack.ErrOutOfRange, src)
	}
	return b.writeCmd(cmdTriggerInput, byte(src))
}

// TriggerSource reads back the trigger source
func (b *B2b) TriggerSource() (TriggerSource, error) {
	out, err := b.readCmd(cmdTriggerInput, 1)
	if err != nil {
		return 0, err
	}
	return TriggerSource(out[0]), nil
}

// SetTriggerAmount sets the number of trigger events one run spans
func (b *B2b) SetTriggerAmount(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: trigger amount %d, must be at least 1", rack.ErrOutOfRange, n)
	}
	pl := make([]byte, 4)
	util.PutUint32(pl, uint32(n))
	return b.writeCmd(cmdTrigAmount, pl...)
}

// TriggerAmount reads back the configured trigger count
func (b *B2b) TriggerAmount() (int, error) {
	out, err := b.readCmd(cmdTrigAmount, 4)
	if err != nil {
		return 0, err
	}
	return int(util.Uint32(out)), nil
}

// SetHoldoff sets the dead time between a trigger and the first sample.
// Resolution is 100 ns.
func (b *B2b) SetHoldoff(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%w: hold-off %v is negative", rack.ErrOutOfRange, d)
	}
	ticks := uint32(d / holdoffTick)
	pl := make([]byte, 4)
	util.PutUint32(pl, ticks)
	return b.writeCmd(cmdTrigHoldoff, pl...)
}

// Holdoff reads back the trigger hold-off time
func (b *B2b) Holdoff() (time.Duration, error) {
	out, err := b.readCmd(cmdTrigHoldoff, 4)
	if err != nil {
		return 0, err
	}
	return time.Duration(util.Uint32(out)) * holdoffTick, nil
}

// SetEnabled enables or disables a channel for the next run
func (b *B2b) SetEnabled(ch int, on bool) error {
	if err := b.checkChannel("SetEnabled", ch); err != nil {
		return err
	}
	v := byte(0)
	if on {
		v = 1
	}
	return b.writeCmd(cmdEnable, byte(ch), v)
}

// Enabled reads back whether a channel participates in runs
func (b *B2b) Enabled(ch int) (bool, error) {
	if err := b.checkChannel("Enabled", ch); err != nil {
		return false, err
	}
	out, err := b.readCmd(cmdEnable, 1, byte(ch))
	if err != nil {
		return false, err
	}
	return out[0] == 1, nil
}

// SetSampleAmount sets the samples a channel takes per trigger
func (b *B2b) SetSampleAmount(ch, n int) error {
	if err := b.checkChannel("SetSampleAmount", ch); err != nil {
		return err
	}
	if n < 1 {
		return fmt.Errorf("%w: sample amount %d, must be at least 1", rack.ErrOutOfRange, n)
	}
	pl := make([]byte, 5)
	pl[0] = byte(ch)
	util.PutUint32(pl[1:], uint32(n))
	return b.writeCmd(cmdSampleAmount, pl...)
}

// SampleAmount reads back the samples per trigger of a channel
func (b *B2b) SampleAmount(ch int) (int, error) {
	if err := b.checkChannel("SampleAmount", ch); err != nil {
		return 0, err
	}
	out, err := b.readCmd(cmdSampleAmount, 4, byte(ch))
	if err != nil {
		return 0, err
	}
	return int(util.Uint32(out)), nil
}

// SetFilterRate sets the decimation rate of a channel's filter.  The
// rate and type jointly select the sample period; see SamplePeriod.
func (b *B2b) SetFilterRate(ch, rate int) error {
	if err := b.checkChannel("SetFilterRate", ch); err != nil {
		return err
	}
	if rate < 0 || rate > MaxFilterRate {
		return fmt.Errorf("%w: filter rate %d, must be 0..%d", rack.ErrOutOfRange, rate, MaxFilterRate)
	}
	return b.writeCmd(cmdFilterRate, byte(ch), byte(rate))
}

// FilterRate reads back a channel's filter rate
func (b *B2b) FilterRate(ch int) (int, error) {
	if err := b.checkChannel("FilterRate", ch); err != nil {
		return 0, err
	}
	out, err := b.readCmd(cmdFilterRate, 1, byte(ch))
	if err != nil {
		return 0, err
	}
	return int(out[0]), nil
}

// SetFilterType sets a channel's filter type
func (b *B2b) SetFilterType(ch int, ft FilterType) error {
	if err := b.checkChannel("SetFilterType", ch); err != nil {
		return err
	}
	if ft != FilterSinc3 && ft != FilterSinc5 {
		return fmt.Errorf("%w: filter type %d, must be sinc5 (0) or sinc3 (3)", rack.ErrOutOfRange, ft)
	}
	return b.writeCmd(cmdFilterType, byte(ch), byte(ft))
}

// FilterType reads back a channel's filter type
func (b *B2b) FilterType(ch int) (FilterType, error) {
	if err := b.checkChannel("FilterType", ch); err != nil {
		return 0, err
	}
	out, err := b.readCmd(cmdFilterType, 1, byte(ch))
	if err != nil {
		return 0, err
	}
	return FilterType(out[0]), nil
}

// SamplePeriod returns the effective sample period of a channel at its
// current filter settings
func (b *B2b) SamplePeriod(ch int) (time.Duration, error) {
	rate, err := b.FilterRate(ch)
	if err != nil {
		return 0, err
	}
	ft, err := b.FilterType(ch)
	if err != nil {
		return 0, err
	}
	table := sinc5SampleTime
	if ft == FilterSinc3 {
		table = sinc3SampleTime
	}
	if rate >= len(table) {
		return 0, fmt.Errorf("%w: filter rate %d read back from module %d", rack.ErrOutOfRange, rate, b.m.Address())
	}
	return time.Duration(math.Round(table[rate] * float64(time.Second))), nil
}

// Calibrate runs the module's gain and offset calibration routine
func (b *B2b) Calibrate() error {
	return b.writeCmd(cmdCalibrate, 0)
}

// FirmwareVersion returns the module micro's firmware version
func (b *B2b) FirmwareVersion() (int, error) {
	out, err := b.readCmd(cmdFwVersion, 1)
	if err != nil {
		return 0, err
	}
	return int(out[0]), nil
}

// SoftwareTrigger starts a run from software, independent of the
// backplane trigger lines
func (b *B2b) SoftwareTrigger() error {
	return b.writeCmd(cmdSoftTrigger, 0)
}

// Cancel stops a run in progress.  There is no finer-grained abort;
// the module is re-armed by the next trigger.
func (b *B2b) Cancel() error {
	b.log.Info("cancelling acquisition", zap.Int("module", b.m.Address()))
	return b.writeCmd(cmdCancel, 0)
}

// IsRunning reports whether the module is mid-acquisition.  Poll it at
// the host's own cadence; there is no push notification.
func (b *B2b) IsRunning() (bool, error) {
	out, err := b.m.Read(statusChip, []byte{0})
	if err != nil {
		return false, err
	}
	return out[0]&0x01 == 0x01, nil
}

// Status returns the module state machine word.  Do not use it in place
// of IsRunning to detect completion.
func (b *B2b) Status() (Status, error) {
	out, err := b.readCmd(cmdStatus, 1)
	if err != nil {
		return 0, err
	}
	return Status(out[0]), nil
}

// dataLoc returns the byte offset one past a channel's last sample
func (b *B2b) dataLoc(ch int) (int, error) {
	out, err := b.readCmd(cmdDataLoc, 4, byte(ch))
	if err != nil {
		return 0, err
	}
	return int(util.Uint32(out)), nil
}

// Data fetches the completed run from both channels, in volts.
// Channels that were not enabled return nil.  While the module is
// still running, Data returns ErrNotReady and the caller should
// continue polling.
func (b *B2b) Data() ([]float64, []float64, error) {
	running, err := b.IsRunning()
	if err != nil {
		return nil, nil, err
	}
	if running {
		return nil, nil, ErrNotReady
	}
	var out [2][]float64
	for ch := 0; ch < NumChannels; ch++ {
		on, err := b.Enabled(ch)
		if err != nil {
			return nil, nil, err
		}
		if !on {
			continue
		}
		base := 0
		if ch == 1 {
			base = ch1Base
		}
		end, err := b.dataLoc(ch)
		if err != nil {
			return nil, nil, err
		}
		raw, err := b.readSRAM(base, end)
		if err != nil {
			return nil, nil, err
		}
		samples := make([]float64, len(raw)/3)
		for i := range samples {
			code := util.Uint24(raw[3*i:])
			samples[i] = float64(code)*fullScale/(1<<23) - fullScale
		}
		out[ch] = samples
	}
	return out[0], out[1], nil
}

// readSRAM reads module SRAM [start, end) in readChunk-sized blocks
func (b *B2b) readSRAM(start, end int) ([]byte, error) {
	buf := make([]byte, 0, end-start)
	for loc := start; loc < end; loc += readChunk {
		amount := end - loc
		if amount > readChunk {
			amount = readChunk
		}
		err := b.writeCmd(cmdReadLoc, byte(loc>>16), byte(loc>>8), byte(loc), byte(amount))
		if err != nil {
			return nil, err
		}
		data := append([]byte{cmdGetData, byte(amount), 0, 0xFF}, make([]byte, amount)...)
		out, err := b.m.Read(microChip, data)
		if err != nil {
			return nil, err
		}
		buf = append(buf, out[4:4+amount]...)
	}
	return buf, nil
}
