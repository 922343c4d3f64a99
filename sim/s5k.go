package sim

import "github.jpl.nasa.gov/bdube/gorack/rack"

// s5kRAMBase is the first SRAM word address in the waveform chip's
// register space; the 4096 sample words follow contiguously
const s5kRAMBase = 0x6000

// s5kRAMWords is the SRAM depth per chip
const s5kRAMWords = 4096

// awgChip is one 4-channel waveform-generator chip: a flat register
// space with the sample SRAM mapped into it
type awgChip struct {
	regs map[uint16]uint16
	sram [s5kRAMWords]uint16
}

func newAWGChip() *awgChip {
	return &awgChip{regs: make(map[uint16]uint16)}
}

func (a *awgChip) write(reg uint16, v uint16) {
	if reg >= s5kRAMBase && reg < s5kRAMBase+s5kRAMWords {
		a.sram[reg-s5kRAMBase] = v
		return
	}
	a.regs[reg] = v
}

func (a *awgChip) read(reg uint16) uint16 {
	if reg >= s5kRAMBase && reg < s5kRAMBase+s5kRAMWords {
		return a.sram[reg-s5kRAMBase]
	}
	return a.regs[reg]
}

// S5k is a simulated 8-channel arbitrary waveform module: two 4-channel
// waveform chips sharing the backplane trigger, fed by a clock
// distribution chip with per-output division.
type S5k struct {
	chips      [2]*awgChip
	clockDiv   [8]uint16
	clockExt   bool
	extPresent bool
	triggers   int
}

// NewS5k returns an S5k with no external backplane clock wired in
func NewS5k() *S5k {
	return &S5k{
		chips: [2]*awgChip{newAWGChip(), newAWGChip()},
	}
}

// SetExternalClockPresent controls whether a backplane clock is wired in
func (s *S5k) SetExternalClockPresent(ok bool) {
	s.extPresent = ok
}

// RAMWord returns a sample word from a chip's SRAM
func (s *S5k) RAMWord(chip, index int) uint16 {
	return s.chips[chip].sram[index]
}

// Reg returns a chip register value
func (s *S5k) Reg(chip int, reg uint16) uint16 {
	return s.chips[chip].read(reg)
}

// ClockDiv returns the division programmed on a clock output
func (s *S5k) ClockDiv(output int) uint16 {
	return s.clockDiv[output]
}

// Triggers returns the number of backplane pulses seen
func (s *S5k) Triggers() int {
	return s.triggers
}

// Trigger implements Device
func (s *S5k) Trigger() {
	s.triggers++
}

// Write implements Device.  Chip 2 is the clock distribution chip,
// programmed with [output, division] pairs; chip 7 selects the module
// clock source ([0]=internal, [1]=external).
func (s *S5k) Write(chip byte, data []byte) byte {
	switch chip {
	case 2:
		if len(data)%2 != 0 {
			return rack.StatusBadCommand
		}
		for i := 0; i < len(data); i += 2 {
			out := data[i]
			if int(out) >= len(s.clockDiv) {
				return rack.StatusBadCommand
			}
			s.clockDiv[out] = uint16(data[i+1])
		}
		return rack.StatusOK
	case 7:
		if len(data) != 1 {
			return rack.StatusBadCommand
		}
		if data[0] == 1 && !s.extPresent {
			// no clock on the backplane input; stay internal
			s.clockExt = false
			return rack.StatusOK
		}
		s.clockExt = data[0] == 1
		return rack.StatusOK
	}
	return rack.StatusBadCommand
}

// Read implements Device.  Chip 6 is the status pin register: bit 1 is
// the selected-external-clock flag, bit 2 the external-clock-present
// detector.
func (s *S5k) Read(chip byte, data []byte) ([]byte, byte) {
	if chip != 6 {
		return nil, rack.StatusBadCommand
	}
	out := make([]byte, len(data))
	if s.clockExt {
		out[0] |= 0x02
	}
	if s.extPresent {
		out[0] |= 0x04
	}
	return out, rack.StatusOK
}

// PassWrite implements Device: register writes to a waveform chip,
// one 16-bit word per register with address auto-increment
func (s *S5k) PassWrite(chip byte, reg uint16, data []byte) byte {
	if int(chip) >= len(s.chips) || len(data) == 0 || len(data)%2 != 0 {
		return rack.StatusBadCommand
	}
	c := s.chips[chip]
	for i := 0; i < len(data); i += 2 {
		c.write(reg+uint16(i/2), uint16(data[i])<<8|uint16(data[i+1]))
	}
	return rack.StatusOK
}

// PassRead implements Device
func (s *S5k) PassRead(chip byte, reg uint16, n int) ([]byte, byte) {
	if int(chip) >= len(s.chips) || n%2 != 0 {
		return nil, rack.StatusBadCommand
	}
	c := s.chips[chip]
	out := make([]byte, n)
	for i := 0; i < n; i += 2 {
		v := c.read(reg + uint16(i/2))
		out[i] = byte(v >> 8)
		out[i+1] = byte(v)
	}
	return out, rack.StatusOK
}
