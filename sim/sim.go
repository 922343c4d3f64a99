/*Package sim provides an in-memory rack chassis that speaks the wire
protocol behind a comm.Transport.

It exists so module drivers can be exercised without hardware: tests run
against it, and racksrv -sim serves a fully simulated chassis.  The
simulated controller implements locking, chassis telemetry and backplane
trigger distribution; module mocks (D5a, B2b, S5k) plug into backplane
slots and implement their chip-level protocols.
*/
package sim

import (
	"math"
	"sync"

	"github.jpl.nasa.gov/bdube/gorack/rack"
)

// Device is one plug-in module in a simulated chassis
type Device interface {
	// Write clocks data into a chip, returning a frame status code
	Write(chip byte, data []byte) byte

	// Read clocks data into a chip capturing the bytes clocked out;
	// the returned slice must be the same length as data
	Read(chip byte, data []byte) ([]byte, byte)

	// PassWrite forwards data to a register on an onboard peripheral
	PassWrite(chip byte, reg uint16, data []byte) byte

	// PassRead reads n bytes from a register on an onboard peripheral
	PassRead(chip byte, reg uint16, n int) ([]byte, byte)

	// Trigger delivers a backplane trigger pulse
	Trigger()
}

// Chassis is a simulated rack.  It implements comm.Transport; bytes
// written to it are parsed as command frames and responses appear on
// subsequent reads, exactly one response per command.
type Chassis struct {
	mu sync.Mutex

	inbuf  []byte
	outbuf []byte

	locked  bool
	closed  bool
	fw      string
	tempC   float64
	battery [2]uint16 // raw divider counts, negative rail then positive

	modules map[byte]Device
}

// New returns a chassis in the controller's power-up state: locked,
// no modules installed.
func New() *Chassis {
	c := &Chassis{
		locked:  true,
		fw:      "C2b_v1.6",
		modules: make(map[byte]Device),
	}
	c.SetTemperature(25.5)
	c.SetBattery(6.4, -6.4)
	return c
}

// Attach installs a module in the given backplane slot
func (c *Chassis) Attach(addr int, d Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modules[byte(addr)] = d
}

// SetTemperature sets the controller board temperature reported to hosts
func (c *Chassis) SetTemperature(t float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tempC = t
}

// SetBattery sets the rail voltages reported to hosts
func (c *Chassis) SetBattery(vplus, vmin float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.battery[0] = uint16(math.Round(-vmin * 4096.0 / (2.148 * 3.3)))
	c.battery[1] = uint16(math.Round(vplus * 4096.0 / (2.171 * 3.3)))
}

// Locked reports the controller's write-protection state
func (c *Chassis) Locked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locked
}

// Write feeds bytes to the chassis.  Complete command frames are
// executed immediately and their responses buffered for Read.
func (c *Chassis) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, rack.ErrLinkClosed
	}
	c.inbuf = append(c.inbuf, p...)
	for {
		frame := c.nextFrame()
		if frame == nil {
			return len(p), nil
		}
		cmd, err := rack.DecodeTelegram(frame)
		if err != nil {
			// a real controller stays silent on garbage; the host
			// observes a timeout
			continue
		}
		c.outbuf = append(c.outbuf, rack.MakeResponse(c.execute(cmd))...)
	}
}

// nextFrame pops one complete command frame off the input buffer.
// callers hold mu.
func (c *Chassis) nextFrame() []byte {
	// [SOT][flags|addr][op][len] is enough to know the total size
	if len(c.inbuf) < 4 {
		return nil
	}
	total := 4 + int(c.inbuf[3]) + 3
	if len(c.inbuf) < total {
		return nil
	}
	frame := c.inbuf[:total]
	c.inbuf = c.inbuf[total:]
	return frame
}

// Read drains buffered response bytes.  An empty buffer reads zero
// bytes, matching serial timeout semantics.
func (c *Chassis) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, rack.ErrLinkClosed
	}
	n := copy(p, c.outbuf)
	c.outbuf = c.outbuf[n:]
	return n, nil
}

// Close shuts the chassis down
func (c *Chassis) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// execute runs one decoded command against the chassis.  callers hold mu.
func (c *Chassis) execute(cmd rack.Command) rack.Response {
	resp := c.dispatch(cmd)
	if cmd.Trigger {
		// the pulse is visible to every slot, synchronous with the
		// frame's execution
		for _, d := range c.modules {
			d.Trigger()
		}
	}
	return resp
}

func (c *Chassis) dispatch(cmd rack.Command) rack.Response {
	if cmd.Addr == rack.ControllerAddr {
		return c.controller(cmd)
	}
	if c.locked {
		return rack.Response{Status: rack.StatusBadCommand}
	}
	d, ok := c.modules[cmd.Addr]
	if !ok {
		// an empty slot never answers
		return rack.Response{Status: rack.StatusBadCommand}
	}
	switch cmd.Op {
	case rack.OpModuleWrite:
		if len(cmd.Payload) < 1 {
			return rack.Response{Status: rack.StatusBadCommand}
		}
		return rack.Response{Status: d.Write(cmd.Payload[0], cmd.Payload[1:])}
	case rack.OpModuleRead:
		if len(cmd.Payload) < 1 {
			return rack.Response{Status: rack.StatusBadCommand}
		}
		out, st := d.Read(cmd.Payload[0], cmd.Payload[1:])
		return rack.Response{Status: st, Payload: out}
	case rack.OpPassthroughWrite:
		if len(cmd.Payload) < 3 {
			return rack.Response{Status: rack.StatusBadCommand}
		}
		reg := uint16(cmd.Payload[1])<<8 | uint16(cmd.Payload[2])
		return rack.Response{Status: d.PassWrite(cmd.Payload[0], reg, cmd.Payload[3:])}
	case rack.OpPassthroughRead:
		if len(cmd.Payload) != 4 {
			return rack.Response{Status: rack.StatusBadCommand}
		}
		reg := uint16(cmd.Payload[1])<<8 | uint16(cmd.Payload[2])
		out, st := d.PassRead(cmd.Payload[0], reg, int(cmd.Payload[3]))
		return rack.Response{Status: st, Payload: out}
	}
	return rack.Response{Status: rack.StatusBadCommand}
}

func (c *Chassis) controller(cmd rack.Command) rack.Response {
	switch cmd.Op {
	case rack.OpUnlock:
		if len(cmd.Payload) == 1 && cmd.Payload[0] == 1 {
			c.locked = true
		} else {
			c.locked = false
		}
		return rack.Response{Status: rack.StatusOK}
	case rack.OpFirmwareVersion:
		return rack.Response{Status: rack.StatusOK, Payload: []byte(c.fw)}
	case rack.OpTemperature:
		raw := int(math.Round(c.tempC * 32))
		if raw < 0 {
			raw += 16384
		}
		return rack.Response{Status: rack.StatusOK, Payload: []byte{byte(raw >> 8), byte(raw)}}
	case rack.OpBattery:
		return rack.Response{Status: rack.StatusOK, Payload: []byte{
			byte(c.battery[0] >> 8), byte(c.battery[0]),
			byte(c.battery[1] >> 8), byte(c.battery[1]),
		}}
	case rack.OpTriggerArm:
		// standalone pulse; the embedded flag path is the normal one
		for _, d := range c.modules {
			d.Trigger()
		}
		return rack.Response{Status: rack.StatusOK}
	}
	return rack.Response{Status: rack.StatusBadCommand}
}
