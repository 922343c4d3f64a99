package awg

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.jpl.nasa.gov/bdube/gorack/rack"
	"github.jpl.nasa.gov/bdube/gorack/sim"
)

// newSim returns an unlocked session to a chassis with an S5k in slot 4
func newSim(t *testing.T, log *zap.Logger) (*sim.S5k, *S5k) {
	t.Helper()
	c := sim.New()
	mod := sim.NewS5k()
	c.Attach(4, mod)
	s := rack.NewSession(c, nil)
	if err := s.Unlock(); err != nil {
		t.Fatal(err)
	}
	a, err := New(s, 4, log)
	if err != nil {
		t.Fatal(err)
	}
	return mod, a
}

func TestUploadWaveformRoundTrip(t *testing.T) {
	mod, a := newSim(t, nil)

	// a ramp spanning the full code range, longer than one transfer
	samples := make([]int16, 300)
	for i := range samples {
		samples[i] = int16(sampleMin + i*(sampleMax-sampleMin)/(len(samples)-1))
	}
	const offset = 512
	if err := a.UploadWaveform(1, samples, offset, true); err != nil {
		t.Fatal(err)
	}

	check := func() {
		t.Helper()
		got, err := a.RAM(1, offset, len(samples))
		if err != nil {
			t.Fatal(err)
		}
		for i := range samples {
			if got[i] != samples[i] {
				t.Fatalf("word %d read back as %d, want %d", i, got[i], samples[i])
			}
		}
	}
	check()

	// uploading the same table again changes nothing
	if err := a.UploadWaveform(1, samples, offset, true); err != nil {
		t.Fatal(err)
	}
	check()

	// codes are left-aligned in the raw SRAM words
	if raw := mod.RAMWord(0, offset); raw != uint16(samples[0])<<4 {
		t.Errorf("raw SRAM word %#04x, want %#04x", raw, uint16(samples[0])<<4)
	}

	// the pattern window follows the upload
	if start := mod.Reg(0, regRAMStart+1); start != offset {
		t.Errorf("RAM start register %d, want %d", start, offset)
	}
	if stop := mod.Reg(0, regRAMStop+1); stop != offset+uint16(len(samples))-1 {
		t.Errorf("RAM stop register %d, want %d", stop, offset+uint16(len(samples))-1)
	}
	if n := mod.Reg(0, regPatternLength+1); n != uint16(len(samples)) {
		t.Errorf("pattern length register %d, want %d", n, len(samples))
	}
}

func TestUploadWaveformRejects(t *testing.T) {
	_, a := newSim(t, nil)
	if err := a.UploadWaveform(0, []int16{sampleMax + 1}, 0, true); !errors.Is(err, rack.ErrOutOfRange) {
		t.Errorf("over-range sample: got %v, want ErrOutOfRange", err)
	}
	if err := a.UploadWaveform(0, []int16{0}, ramWords, true); !errors.Is(err, rack.ErrOutOfRange) {
		t.Errorf("offset past SRAM: got %v, want ErrOutOfRange", err)
	}
	if err := a.UploadWaveform(0, make([]int16, ramWords+1), 0, true); !errors.Is(err, rack.ErrOutOfRange) {
		t.Errorf("oversize waveform: got %v, want ErrOutOfRange", err)
	}
	if err := a.UploadWaveform(8, []int16{0}, 0, true); !errors.Is(err, rack.ErrOutOfRange) {
		t.Errorf("channel 8: got %v, want ErrOutOfRange", err)
	}
}

func TestChannelsMapToChips(t *testing.T) {
	mod, a := newSim(t, nil)
	// channel 5 is the second channel of the second chip
	if err := a.SetPatternLength(5, 100); err != nil {
		t.Fatal(err)
	}
	if n := mod.Reg(1, regPatternLength+1); n != 100 {
		t.Errorf("pattern length landed on register %d=%d, want 100", regPatternLength+1, n)
	}
	if err := a.SetTriggerPeriod(5, 4000); err != nil {
		t.Fatal(err)
	}
	if n := mod.Reg(1, regTrigPeriod+1); n != 4000 {
		t.Errorf("trigger period register %d, want 4000", n)
	}
}

func TestDigitalGain(t *testing.T) {
	_, a := newSim(t, nil)
	if err := a.SetDigitalGain(2, -0.5); err != nil {
		t.Fatal(err)
	}
	g, err := a.DigitalGain(2)
	if err != nil {
		t.Fatal(err)
	}
	if g != -0.5 {
		t.Errorf("gain read back as %f, want -0.5", g)
	}
	if err := a.SetDigitalGain(2, -2.0); err != nil {
		t.Errorf("gain -2.0 rejected: %v", err)
	}
	if err := a.SetDigitalGain(2, 2.0); !errors.Is(err, rack.ErrOutOfRange) {
		t.Errorf("gain 2.0: got %v, want ErrOutOfRange", err)
	}
	if err := a.SetDigitalGain(2, 3.5); !errors.Is(err, rack.ErrOutOfRange) {
		t.Errorf("gain 3.5: got %v, want ErrOutOfRange", err)
	}
}

func TestClockDivision(t *testing.T) {
	mod, a := newSim(t, nil)
	if err := a.SetClockDivision(3, 8); err != nil {
		t.Fatal(err)
	}
	if d := mod.ClockDiv(3); d != 8 {
		t.Errorf("division %d programmed on the clock chip, want 8", d)
	}
	d, err := a.ClockDivision(3)
	if err != nil {
		t.Fatal(err)
	}
	if d != 8 {
		t.Errorf("division mirror %d, want 8", d)
	}
	for _, bad := range []int{0, 3, 256} {
		if err := a.SetClockDivision(0, bad); !errors.Is(err, rack.ErrOutOfRange) {
			t.Errorf("division %d: got %v, want ErrOutOfRange", bad, err)
		}
	}
}

func TestTriggerDelayCompensation(t *testing.T) {
	cases := []struct {
		div, maxDiv, want int
	}{
		{4, 4, 0},
		{2, 4, pipelineCycles},
		{1, 4, 3 * pipelineCycles},
		{1, 1, 0},
	}
	for _, c := range cases {
		if got := TriggerDelay(c.div, c.maxDiv); got != c.want {
			t.Errorf("TriggerDelay(%d, %d) = %d, want %d", c.div, c.maxDiv, got, c.want)
		}
	}

	mod, a := newSim(t, nil)
	if err := a.SetClockDivision(0, 4); err != nil {
		t.Fatal(err)
	}
	if err := a.CompensateTriggerDelays(); err != nil {
		t.Fatal(err)
	}
	// channel 0 is the slowest, so it starts immediately
	if d := mod.Reg(0, regTrigDelay+0); d != 0 {
		t.Errorf("channel 0 delay %d, want 0", d)
	}
	// the undivided channels wait out channel 0's pipeline
	if d := mod.Reg(0, regTrigDelay+1); d != 3*pipelineCycles {
		t.Errorf("channel 1 delay %d, want %d", d, 3*pipelineCycles)
	}
	if d := mod.Reg(1, regTrigDelay+0); d != 3*pipelineCycles {
		t.Errorf("channel 4 delay %d, want %d", d, 3*pipelineCycles)
	}
}

func TestExternalClockFallbackWarns(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	mod, a := newSim(t, zap.New(core))

	mod.SetExternalClockPresent(false)
	present, err := a.ExternalClockPresent()
	if err != nil {
		t.Fatal(err)
	}
	if present {
		t.Error("external clock reported present")
	}
	if err := a.SetClockSource(ClockExternal); err != nil {
		t.Fatal(err)
	}
	src, err := a.ClockSource()
	if err != nil {
		t.Fatal(err)
	}
	if src != ClockInternal {
		t.Errorf("clock source %d with no backplane clock, want internal", src)
	}
	if logs.Len() != 1 {
		t.Errorf("logged %d warnings, want 1", logs.Len())
	}

	mod.SetExternalClockPresent(true)
	if err := a.SetClockSource(ClockExternal); err != nil {
		t.Fatal(err)
	}
	src, err = a.ClockSource()
	if err != nil {
		t.Fatal(err)
	}
	if src != ClockExternal {
		t.Errorf("clock source %d with backplane clock present, want external", src)
	}
	if logs.Len() != 1 {
		t.Errorf("logged %d warnings after successful switch, want 1", logs.Len())
	}
}
