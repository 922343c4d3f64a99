package dac

import (
	"errors"
	"math"
	"testing"

	"github.jpl.nasa.gov/bdube/gorack/rack"
	"github.jpl.nasa.gov/bdube/gorack/sim"
)

// newSim returns an unlocked session to a chassis with a D5a in slot 2
func newSim(t *testing.T) (*sim.Chassis, *sim.D5a, *rack.Session) {
	t.Helper()
	c := sim.New()
	mod := sim.NewD5a()
	c.Attach(2, mod)
	s := rack.NewSession(c, nil)
	if err := s.Unlock(); err != nil {
		t.Fatal(err)
	}
	return c, mod, s
}

func TestStepsizeIsExact(t *testing.T) {
	_, mod, s := newSim(t)
	d, err := New(s, 2, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.SetVoltage(0, 2.1); err != nil {
		t.Fatal(err)
	}
	before := mod.Code(0)
	step, err := d.Stepsize(0)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.SetVoltage(0, 2.1+step); err != nil {
		t.Fatal(err)
	}
	if got := mod.Code(0); got != before+1 {
		t.Errorf("one step moved the code from %d to %d, want %d", before, got, before+1)
	}
}

func TestSubStepVoltageQuantizes(t *testing.T) {
	_, mod, s := newSim(t)
	d, err := New(s, 2, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.SetVoltage(0, 1.0); err != nil {
		t.Fatal(err)
	}
	before := mod.Code(0)
	step, _ := d.Stepsize(0)
	if err := d.SetVoltage(0, 1.0+step/4); err != nil {
		t.Fatal(err)
	}
	if got := mod.Code(0); got != before {
		t.Errorf("a quarter step changed the code from %d to %d", before, got)
	}
}

func TestSetVoltageClamps(t *testing.T) {
	_, mod, s := newSim(t)
	d, err := New(s, 2, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.SetVoltage(3, 100); err != nil {
		t.Fatal(err)
	}
	if got := mod.Code(3); got != maxCode {
		t.Errorf("over-range voltage set code %d, want full scale %d", got, maxCode)
	}
	v, _ := d.Voltage(3)
	if v != 4 {
		t.Errorf("mirror reports %f after clamp, want 4", v)
	}
	if err := d.SetVoltage(3, -100); err != nil {
		t.Fatal(err)
	}
	if got := mod.Code(3); got != 0 {
		t.Errorf("under-range voltage set code %d, want 0", got)
	}
}

// a voltage within half a step of the top rail rounds to one count past
// full scale; it must clamp, not reject
func TestNearRailVoltageClamps(t *testing.T) {
	_, mod, s := newSim(t)
	d, err := New(s, 2, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	step, err := d.Stepsize(0)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.SetVoltage(0, 4.0-step/4); err != nil {
		t.Fatalf("in-span voltage near the rail rejected: %v", err)
	}
	if got := mod.Code(0); got != maxCode {
		t.Errorf("code %d, want full scale %d", got, maxCode)
	}
	v, _ := d.Voltage(0)
	if v > 4 {
		t.Errorf("mirror reports %f, above the rail", v)
	}
}

func TestSpanLimits(t *testing.T) {
	_, mod, s := newSim(t)
	d, err := New(s, 2, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.ChangeSpanUpdate(5, Span8VBi); err != nil {
		t.Fatal(err)
	}
	if err := d.SetVoltage(5, 6); err != nil {
		t.Fatal(err)
	}
	want := uint32(math.Round((6.0 + 8.0) / 16.0 * (1 << dacBits)))
	if got := mod.Code(5); got != want {
		t.Errorf("6 V in +/-8 V span set code %d, want %d", got, want)
	}
}

func TestChannelRange(t *testing.T) {
	_, _, s := newSim(t)
	d, err := New(s, 2, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, ch := range []int{-1, NumChannels} {
		if err := d.SetVoltage(ch, 0); !errors.Is(err, rack.ErrOutOfRange) {
			t.Errorf("channel %d: got %v, want ErrOutOfRange", ch, err)
		}
		if _, _, err := d.Settings(ch); !errors.Is(err, rack.ErrOutOfRange) {
			t.Errorf("Settings(%d): got %v, want ErrOutOfRange", ch, err)
		}
	}
}

// a module carrying state from a previous host session reads back
// without the constructor disturbing the outputs
func TestSettingsSurviveReconnect(t *testing.T) {
	_, mod, s := newSim(t)
	// 1 V in the +/-2 V span
	code := uint32(math.Round((1.0 + 2.0) / 4.0 * (1 << dacBits)))
	mod.Preset(7, code, uint32(Span2VBi))

	d, err := New(s, 2, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := mod.Code(7); got != code {
		t.Fatalf("constructor moved the output, code %d want %d", got, code)
	}
	v, span, err := d.Settings(7)
	if err != nil {
		t.Fatal(err)
	}
	if span != Span2VBi {
		t.Errorf("span read back as %d, want %d", span, Span2VBi)
	}
	if math.Abs(v-1.0) > 1e-4 {
		t.Errorf("voltage read back as %f, want 1.0", v)
	}
}

func TestResetRampsToZero(t *testing.T) {
	_, mod, s := newSim(t)
	code := uint32(math.Round((3.0 + 4.0) / 8.0 * (1 << dacBits)))
	mod.Preset(0, code, uint32(Span4VBi))

	d, err := New(s, 2, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	mid := uint32(1 << (dacBits - 1))
	if got := mod.Code(0); got != mid {
		t.Errorf("code %d after reset, want midscale %d", got, mid)
	}
	v, _ := d.Voltage(0)
	if v != 0 {
		t.Errorf("voltage mirror %f after reset, want 0", v)
	}
}

func TestStepsizeTable(t *testing.T) {
	cases := []struct {
		span Span
		want float64
	}{
		{Span4VUni, 4.0 / (1 << 18)},
		{Span8VUni, 8.0 / (1 << 18)},
		{Span4VBi, 8.0 / (1 << 18)},
		{Span8VBi, 16.0 / (1 << 18)},
		{Span2VBi, 4.0 / (1 << 18)},
	}
	for _, c := range cases {
		got, err := c.span.Stepsize()
		if err != nil {
			t.Fatalf("span %d: %v", c.span, err)
		}
		if got != c.want {
			t.Errorf("span %d: stepsize %g, want %g", c.span, got, c.want)
		}
	}
	if _, err := Span(9).Stepsize(); !errors.Is(err, rack.ErrOutOfRange) {
		t.Errorf("invalid span: got %v, want ErrOutOfRange", err)
	}
}
