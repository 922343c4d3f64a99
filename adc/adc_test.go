package adc

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.jpl.nasa.gov/bdube/gorack/rack"
	"github.jpl.nasa.gov/bdube/gorack/sim"
)

// newSim returns an unlocked session to a chassis with a B2b in slot 3
func newSim(t *testing.T) (*sim.B2b, *B2b) {
	t.Helper()
	c := sim.New()
	mod := sim.NewB2b()
	c.Attach(3, mod)
	s := rack.NewSession(c, nil)
	if err := s.Unlock(); err != nil {
		t.Fatal(err)
	}
	b, err := New(s, 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	return mod, b
}

// waitDone polls the run flag the way a host application would
func waitDone(t *testing.T, b *B2b) {
	t.Helper()
	for i := 0; i < 100; i++ {
		running, err := b.IsRunning()
		if err != nil {
			t.Fatal(err)
		}
		if !running {
			return
		}
	}
	t.Fatal("acquisition never finished")
}

func TestSoftwareTriggeredAcquisition(t *testing.T) {
	_, b := newSim(t)
	const samples = 10000
	if err := b.SetTriggerSource(TriggerSoftware); err != nil {
		t.Fatal(err)
	}
	if err := b.SetTriggerAmount(1); err != nil {
		t.Fatal(err)
	}
	if err := b.SetHoldoff(0); err != nil {
		t.Fatal(err)
	}
	if err := b.SetEnabled(0, true); err != nil {
		t.Fatal(err)
	}
	if err := b.SetSampleAmount(0, samples); err != nil {
		t.Fatal(err)
	}
	if err := b.SoftwareTrigger(); err != nil {
		t.Fatal(err)
	}

	// fetching mid-run is the caller's cue to keep polling
	if _, _, err := b.Data(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("fetch while running: got %v, want ErrNotReady", err)
	}

	waitDone(t, b)
	ch0, ch1, err := b.Data()
	if err != nil {
		t.Fatal(err)
	}
	if len(ch0) != samples {
		t.Fatalf("channel 0 returned %d samples, want %d", len(ch0), samples)
	}
	if ch1 != nil {
		t.Errorf("disabled channel 1 returned %d samples", len(ch1))
	}
	for i, v := range ch0[:256] {
		want := 2.0 * math.Sin(2*math.Pi*float64(i)/128.0)
		if math.Abs(v-want) > 1e-5 {
			t.Fatalf("sample %d: got %f, want %f", i, v, want)
		}
	}

	st, err := b.Status()
	if err != nil {
		t.Fatal(err)
	}
	if st != StDone {
		t.Errorf("status after run: %v, want done", st)
	}
}

func TestRunLargerThanModuleMemoryTruncates(t *testing.T) {
	_, b := newSim(t)
	if err := b.SetEnabled(0, true); err != nil {
		t.Fatal(err)
	}
	// more samples than channel 0's SRAM region holds; the module
	// stops at its buffer end instead of faulting
	if err := b.SetSampleAmount(0, 50000); err != nil {
		t.Fatal(err)
	}
	if err := b.SoftwareTrigger(); err != nil {
		t.Fatal(err)
	}
	waitDone(t, b)
	ch0, _, err := b.Data()
	if err != nil {
		t.Fatal(err)
	}
	const want = 62500 / 3
	if len(ch0) != want {
		t.Fatalf("channel 0 returned %d samples, want %d", len(ch0), want)
	}
}

func TestControllerTriggeredAcquisition(t *testing.T) {
	_, b := newSim(t)
	if err := b.SetTriggerSource(TriggerController); err != nil {
		t.Fatal(err)
	}
	if err := b.SetEnabled(1, true); err != nil {
		t.Fatal(err)
	}
	if err := b.SetSampleAmount(1, 64); err != nil {
		t.Fatal(err)
	}

	// the armed token rides the next frame from any driver; a harmless
	// status read is enough to carry it
	b.m.Session().TriggerArm()
	if _, err := b.Status(); err != nil {
		t.Fatal(err)
	}

	waitDone(t, b)
	ch0, ch1, err := b.Data()
	if err != nil {
		t.Fatal(err)
	}
	if ch0 != nil {
		t.Errorf("disabled channel 0 returned %d samples", len(ch0))
	}
	if len(ch1) != 64 {
		t.Errorf("channel 1 returned %d samples, want 64", len(ch1))
	}
}

func TestCancel(t *testing.T) {
	_, b := newSim(t)
	if err := b.SetEnabled(0, true); err != nil {
		t.Fatal(err)
	}
	if err := b.SetSampleAmount(0, 100); err != nil {
		t.Fatal(err)
	}
	if err := b.SoftwareTrigger(); err != nil {
		t.Fatal(err)
	}
	if err := b.Cancel(); err != nil {
		t.Fatal(err)
	}
	st, err := b.Status()
	if err != nil {
		t.Fatal(err)
	}
	if st != StCancelled {
		t.Errorf("status after cancel: %v, want cancelled", st)
	}
	running, err := b.IsRunning()
	if err != nil {
		t.Fatal(err)
	}
	if running {
		t.Error("still running after cancel")
	}
}

func TestConfigurationReadback(t *testing.T) {
	_, b := newSim(t)

	if err := b.SetHoldoff(1 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	d, err := b.Holdoff()
	if err != nil {
		t.Fatal(err)
	}
	if d != 1*time.Millisecond {
		t.Errorf("hold-off read back as %v, want 1ms", d)
	}

	if err := b.SetTriggerAmount(250); err != nil {
		t.Fatal(err)
	}
	n, err := b.TriggerAmount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 250 {
		t.Errorf("trigger amount read back as %d, want 250", n)
	}

	if err := b.SetFilterRate(0, 15); err != nil {
		t.Fatal(err)
	}
	if err := b.SetFilterType(0, FilterSinc3); err != nil {
		t.Fatal(err)
	}
	ft, err := b.FilterType(0)
	if err != nil {
		t.Fatal(err)
	}
	if ft != FilterSinc3 {
		t.Errorf("filter type read back as %d, want sinc3", ft)
	}

	fw, err := b.FirmwareVersion()
	if err != nil {
		t.Fatal(err)
	}
	if fw != 2 {
		t.Errorf("firmware version %d, want 2", fw)
	}
}

func TestSamplePeriodTable(t *testing.T) {
	_, b := newSim(t)
	cases := []struct {
		ft   FilterType
		rate int
		want time.Duration
	}{
		{FilterSinc3, 0, 12 * time.Microsecond},
		{FilterSinc3, 10, 3 * time.Millisecond},
		{FilterSinc3, 20, 600 * time.Millisecond},
		{FilterSinc5, 0, 20 * time.Microsecond},
		{FilterSinc5, 12, 2516 * time.Microsecond},
		{FilterSinc5, 20, 200 * time.Millisecond},
	}
	for _, c := range cases {
		if err := b.SetFilterType(0, c.ft); err != nil {
			t.Fatal(err)
		}
		if err := b.SetFilterRate(0, c.rate); err != nil {
			t.Fatal(err)
		}
		got, err := b.SamplePeriod(0)
		if err != nil {
			t.Fatal(err)
		}
		if got != c.want {
			t.Errorf("type %d rate %d: period %v, want %v", c.ft, c.rate, got, c.want)
		}
	}
}

func TestRangeChecks(t *testing.T) {
	_, b := newSim(t)
	if err := b.SetEnabled(2, true); !errors.Is(err, rack.ErrOutOfRange) {
		t.Errorf("channel 2: got %v, want ErrOutOfRange", err)
	}
	if err := b.SetFilterRate(0, MaxFilterRate+1); !errors.Is(err, rack.ErrOutOfRange) {
		t.Errorf("rate 21: got %v, want ErrOutOfRange", err)
	}
	if err := b.SetFilterType(0, FilterType(1)); !errors.Is(err, rack.ErrOutOfRange) {
		t.Errorf("filter type 1: got %v, want ErrOutOfRange", err)
	}
	if err := b.SetTriggerAmount(0); !errors.Is(err, rack.ErrOutOfRange) {
		t.Errorf("trigger amount 0: got %v, want ErrOutOfRange", err)
	}
	if err := b.SetHoldoff(-time.Second); !errors.Is(err, rack.ErrOutOfRange) {
		t.Errorf("negative hold-off: got %v, want ErrOutOfRange", err)
	}
	if err := b.SetSampleAmount(0, 0); !errors.Is(err, rack.ErrOutOfRange) {
		t.Errorf("sample amount 0: got %v, want ErrOutOfRange", err)
	}
}

func TestExternalClockFallback(t *testing.T) {
	mod, b := newSim(t)
	mod.SetExternalClockPresent(false)
	if err := b.SetClockSource(ClockExternal); err != nil {
		t.Fatal(err)
	}
	src, err := b.ClockSource()
	if err != nil {
		t.Fatal(err)
	}
	if src != ClockInternal {
		t.Errorf("clock source %d with no backplane clock, want internal", src)
	}

	mod.SetExternalClockPresent(true)
	if err := b.SetClockSource(ClockExternal); err != nil {
		t.Fatal(err)
	}
	src, err = b.ClockSource()
	if err != nil {
		t.Fatal(err)
	}
	if src != ClockExternal {
		t.Errorf("clock source %d with backplane clock present, want external", src)
	}
}
