package rack

import "fmt"

// Module is a proxy for one plug-in module in the chassis.  It pairs a
// backplane address with the shared session and translates driver
// operations into frames.  Drivers hold a Module rather than extending
// it; the session outlives every Module.
type Module struct {
	addr byte
	s    *Session
}

// NewModule returns a proxy for the module in the given backplane slot.
// Address 0 is the controller and is not a valid module address.
func NewModule(s *Session, addr int) (*Module, error) {
	if addr <= ControllerAddr || addr > MaxAddr {
		return nil, fmt.Errorf("%w: module address %d, must be 1..%d", ErrOutOfRange, addr, MaxAddr)
	}
	return &Module{addr: byte(addr), s: s}, nil
}

// Address returns the module's backplane address
func (m *Module) Address() int {
	return int(m.addr)
}

// Session exposes the shared link session, for chassis-level calls such
// as TriggerArm that drivers make around their own traffic.
func (m *Module) Session() *Session {
	return m.s
}

// Write clocks data into the selected chip on the module
func (m *Module) Write(chip byte, data []byte) error {
	_, err := m.s.Send(m.addr, OpModuleWrite, append([]byte{chip}, data...))
	return err
}

// Read clocks data into the selected chip while capturing the bytes it
// clocks out; the returned slice has the same length as data.
func (m *Module) Read(chip byte, data []byte) ([]byte, error) {
	resp, err := m.s.Send(m.addr, OpModuleRead, append([]byte{chip}, data...))
	if err != nil {
		return nil, err
	}
	if len(resp.Payload) != len(data) {
		return nil, fmt.Errorf("%w: read %d bytes from module %d chip %d, expected %d",
			ErrMalformedFrame, len(resp.Payload), m.addr, chip, len(data))
	}
	return resp.Payload, nil
}

// PassthroughWrite forwards data to a register on one of the module's
// onboard peripheral chips.  The module does not interpret the payload.
func (m *Module) PassthroughWrite(chip byte, reg uint16, data []byte) error {
	pl := append([]byte{chip, byte(reg >> 8), byte(reg)}, data...)
	_, err := m.s.Send(m.addr, OpPassthroughWrite, pl)
	return err
}

// PassthroughRead reads n bytes from a register on one of the module's
// onboard peripheral chips
func (m *Module) PassthroughRead(chip byte, reg uint16, n int) ([]byte, error) {
	if n < 0 || n > MaxPayload {
		return nil, fmt.Errorf("%w: pass-through read of %d bytes, must be 0..%d", ErrOutOfRange, n, MaxPayload)
	}
	resp, err := m.s.Send(m.addr, OpPassthroughRead, []byte{chip, byte(reg >> 8), byte(reg), byte(n)})
	if err != nil {
		return nil, err
	}
	if len(resp.Payload) != n {
		return nil, fmt.Errorf("%w: pass-through read returned %d bytes from module %d chip %d, expected %d",
			ErrMalformedFrame, len(resp.Payload), m.addr, chip, n)
	}
	return resp.Payload, nil
}
