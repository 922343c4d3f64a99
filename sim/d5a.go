package sim

import "github.jpl.nasa.gov/bdube/gorack/rack"

// ltc2758 command nibbles, from the datasheet
const (
	ltcWriteSpan       = 0x2
	ltcWriteCode       = 0x3
	ltcUpdate          = 0x4
	ltcWriteSpanUpdate = 0x6
	ltcWriteCodeUpdate = 0x7
	ltcReadSpan        = 0xC
	ltcReadCode        = 0xD
)

// dacChip is one dual 18-bit DAC on a D5a
type dacChip struct {
	code, span     [2]uint32 // staged registers, read back by the host
	codeOut, spans [2]uint32 // active (output) registers
}

// D5a is a simulated 16-channel source module.  It is the direct-output
// mock: a front of eight dual-channel DAC chips with no microcontroller.
type D5a struct {
	chips [8]dacChip
}

// NewD5a returns a D5a with every channel at midscale in the +/-4 V span
func NewD5a() *D5a {
	d := &D5a{}
	for i := range d.chips {
		for j := 0; j < 2; j++ {
			d.chips[i].code[j] = 1 << 17
			d.chips[i].codeOut[j] = 1 << 17
			d.chips[i].span[j] = 2 // 4V bipolar
			d.chips[i].spans[j] = 2
		}
	}
	return d
}

// Preset overrides a channel's registers, for tests that need a module
// carrying state from a previous host session.
func (d *D5a) Preset(channel int, code uint32, span uint32) {
	chip := &d.chips[channel/2]
	chip.code[channel%2] = code
	chip.codeOut[channel%2] = code
	chip.span[channel%2] = span
	chip.spans[channel%2] = span
}

// Code returns the active output register of a channel
func (d *D5a) Code(channel int) uint32 {
	return d.chips[channel/2].codeOut[channel%2]
}

// Write implements Device
func (d *D5a) Write(chip byte, data []byte) byte {
	if int(chip) >= len(d.chips) || len(data) != 4 {
		return rack.StatusBadCommand
	}
	c := &d.chips[chip]
	cmd := data[0] >> 4
	dac := (data[0] >> 1) & 1
	code := uint32(data[1])<<10 | uint32(data[2])<<2 | uint32(data[3])>>6
	switch cmd {
	case ltcWriteSpan:
		c.span[dac] = uint32(data[2])
	case ltcWriteSpanUpdate:
		c.span[dac] = uint32(data[2])
		c.spans[dac] = c.span[dac]
	case ltcWriteCode:
		c.code[dac] = code
	case ltcWriteCodeUpdate:
		c.code[dac] = code
		c.codeOut[dac] = code
		c.spans[dac] = c.span[dac]
	case ltcUpdate:
		c.codeOut[dac] = c.code[dac]
		c.spans[dac] = c.span[dac]
	default:
		return rack.StatusBadCommand
	}
	return rack.StatusOK
}

// Read implements Device
func (d *D5a) Read(chip byte, data []byte) ([]byte, byte) {
	if int(chip) >= len(d.chips) || len(data) != 4 {
		return nil, rack.StatusBadCommand
	}
	c := &d.chips[chip]
	cmd := data[0] >> 4
	dac := (data[0] >> 1) & 1
	out := make([]byte, 4)
	switch cmd {
	case ltcReadCode:
		code := c.code[dac]
		out[1] = byte(code >> 10)
		out[2] = byte(code >> 2)
		out[3] = byte(code&0x3) << 6
	case ltcReadSpan:
		out[2] = byte(c.span[dac])
	default:
		return nil, rack.StatusBadCommand
	}
	return out, rack.StatusOK
}

// PassWrite implements Device; the D5a has no onboard peripherals
func (d *D5a) PassWrite(chip byte, reg uint16, data []byte) byte {
	return rack.StatusBadCommand
}

// PassRead implements Device
func (d *D5a) PassRead(chip byte, reg uint16, n int) ([]byte, byte) {
	return nil, rack.StatusBadCommand
}

// Trigger implements Device; the D5a has no trigger input
func (d *D5a) Trigger() {}
