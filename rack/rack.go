/*Package rack speaks the addressed command/response protocol of a modular
instrumentation chassis over a single serial link.

One Session owns the transport to the controller module.  All module
drivers funnel through it: the link is half duplex request/response, so
the session serializes traffic to one outstanding frame and the hardware
executes frames in the order Send calls complete.

After controller power-up the link is write protected so module state
(DAC outputs in particular) survives host restarts.  Unlock must be
called once before any module traffic; module frames sent while locked
fail fast without touching the transport.

The controller also distributes a hardware trigger.  TriggerArm sets a
one-shot token consumed by the next frame sent from any driver; the
controller pulses the shared backplane trigger line synchronously with
that frame's execution.  This is how a DAC step and an ADC acquisition
start become atomic from the hardware's point of view even though they
are two separate host calls.
*/
package rack

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.jpl.nasa.gov/bdube/gorack/comm"
)

// Session is the exclusive owner of the link to one rack controller.
// Sessions must be created with NewSession or Open and are safe for
// concurrent use by multiple module drivers.
type Session struct {
	mu sync.Mutex

	t comm.Transport

	// locked mirrors the controller's write-protection state.  True from
	// power-up until Unlock.
	locked bool

	closed bool

	// armed is the trigger-arm token.  At most one arm is pending;
	// arming again before consumption overwrites rather than queues.
	armed bool

	// fw caches the firmware version; it cannot change mid-session
	fw string

	log *zap.Logger
}

// NewSession wraps an open transport in a session.  The link is assumed
// write protected (the controller's power-up state) until Unlock is
// called.  A nil logger is replaced with a nop.
func NewSession(t comm.Transport, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{t: t, locked: true, log: log}
}

// Open opens the named serial port and wraps it in a session
func Open(port string, baud int, timeout time.Duration, log *zap.Logger) (*Session, error) {
	t, err := comm.OpenSerial(port, baud, timeout)
	if err != nil {
		return nil, err
	}
	return NewSession(t, log), nil
}

// Unlock releases the controller's write protection, permitting module
// traffic.  It is a no-op if the link is already unlocked.
func (s *Session) Unlock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrLinkClosed
	}
	if !s.locked {
		return nil
	}
	_, err := s.exchange(Command{Addr: ControllerAddr, Op: OpUnlock})
	if err != nil {
		return err
	}
	s.locked = false
	return nil
}

// Lock re-engages the controller's write protection.  Module state is
// preserved and can still be read back after a host restart.
func (s *Session) Lock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrLinkClosed
	}
	if s.locked {
		return nil
	}
	// the lock command rides the unlock opcode with a payload flag;
	// the controller accepts it in either state
	_, err := s.exchange(Command{Addr: ControllerAddr, Op: OpUnlock, Payload: []byte{1}})
	if err != nil {
		return err
	}
	s.locked = true
	return nil
}

// TriggerArm arms the backplane trigger.  No frame is transmitted; the
// next frame sent by any driver carries the trigger flag and the
// controller pulses the backplane line synchronously with that frame's
// execution on the addressed module.
func (s *Session) TriggerArm() {
	s.mu.Lock()
	if s.armed {
		s.log.Warn("trigger armed twice without an intervening frame; earlier arm overwritten")
	}
	s.armed = true
	s.mu.Unlock()
}

// Send transmits one command frame to the addressed module and blocks
// until its response frame arrives or the transport timeout elapses.
// Frames execute on the hardware in the order Send calls complete.
func (s *Session) Send(addr byte, op Opcode, payload []byte) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Response{}, ErrLinkClosed
	}
	if s.locked && addr != ControllerAddr {
		return Response{}, ErrLinkLocked
	}
	return s.exchange(Command{Addr: addr, Op: op, Payload: payload})
}

// exchange performs one request/response round trip.  Callers hold mu.
func (s *Session) exchange(c Command) (Response, error) {
	// the token rides this frame no matter which module it targets, but
	// is only spent once the frame reaches the wire
	c.Trigger = s.armed

	tele, err := MakeTelegram(c)
	if err != nil {
		return Response{}, err
	}
	if _, err := s.t.Write(tele); err != nil {
		return Response{}, fmt.Errorf("writing frame to transport: %w", err)
	}
	s.armed = false

	// accumulate bytes until the length-prefixed response is complete.
	// a zero-byte read means the transport timeout elapsed.
	buf := make([]byte, 0, respOverhead+1+MaxPayload)
	chunk := make([]byte, 64)
	for {
		n, err := s.t.Read(chunk)
		if err != nil {
			return Response{}, fmt.Errorf("reading response from transport: %w", err)
		}
		if n == 0 {
			return Response{}, ErrLinkTimeout
		}
		buf = append(buf, chunk[:n]...)
		if want := responseLength(buf); want >= 0 && len(buf) >= want {
			resp, err := DecodeResponse(buf[:want])
			if err != nil {
				return Response{}, err
			}
			if resp.Status != StatusOK {
				return resp, fmt.Errorf("module %d rejected %d command (status %#02x)", c.Addr, c.Op, resp.Status)
			}
			return resp, nil
		}
	}
}

// FirmwareVersion returns the controller firmware version string.  The
// value is queried once and cached for the life of the session.
func (s *Session) FirmwareVersion() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrLinkClosed
	}
	if s.fw != "" {
		return s.fw, nil
	}
	resp, err := s.exchange(Command{Addr: ControllerAddr, Op: OpFirmwareVersion})
	if err != nil {
		return "", err
	}
	s.fw = string(resp.Payload)
	return s.fw, nil
}

// Temperature reads the controller's onboard sensor in Celsius.
// Accuracy is +/- 0.5 C over the 0-70 C range.
func (s *Session) Temperature() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrLinkClosed
	}
	resp, err := s.exchange(Command{Addr: ControllerAddr, Op: OpTemperature})
	if err != nil {
		return 0, err
	}
	if len(resp.Payload) != 2 {
		return 0, fmt.Errorf("%w: temperature response carried %d bytes, expected 2", ErrMalformedFrame, len(resp.Payload))
	}
	// 14-bit two's complement, 1/32 C per count
	raw := int(resp.Payload[0])<<8 | int(resp.Payload[1])
	if raw&0x2000 != 0 {
		raw -= 16384
	}
	return float64(raw) / 32, nil
}

// Battery reads the two battery rail voltages, positive then negative.
// The rails feed the analog supplies of every module in the chassis.
func (s *Session) Battery() (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, 0, ErrLinkClosed
	}
	resp, err := s.exchange(Command{Addr: ControllerAddr, Op: OpBattery})
	if err != nil {
		return 0, 0, err
	}
	if len(resp.Payload) != 4 {
		return 0, 0, fmt.Errorf("%w: battery response carried %d bytes, expected 4", ErrMalformedFrame, len(resp.Payload))
	}
	// two 12-bit ADC counts behind voltage dividers; scale factors are
	// properties of the controller board
	adc0 := float64(int(resp.Payload[0])<<8 | int(resp.Payload[1]))
	adc1 := float64(int(resp.Payload[2])<<8 | int(resp.Payload[3]))
	vplus := 2.171 * 3.3 * adc1 / 4096.0
	vmin := -2.148 * 3.3 * adc0 / 4096.0
	return vplus, vmin, nil
}

// Close releases the transport.  Any use of the session afterwards
// fails with ErrLinkClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrLinkClosed
	}
	s.closed = true
	return s.t.Close()
}
