/*Package comm provides the byte stream transport under a rack controller link.

The rack controller enumerates as a USB CDC serial device.  The transport
knows nothing of the framing protocol; it is a full-duplex byte stream with
a read timeout.  Read returns fewer bytes than requested (possibly zero)
when the timeout elapses, and never blocks past it.  The baud rate is
accepted for driver compatibility but does not govern throughput on the
virtual link, so callers must not rely on it for timing.
*/
package comm

import (
	"errors"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

// ErrNotConnected is generated when an operation is attempted on a
// transport whose underlying port is gone.
var ErrNotConnected = errors.New("port is nil, not connected to the controller")

// Transport is a full-duplex byte stream with read-timeout semantics.
// Exactly one Session may own a Transport; the OS serial driver enforces
// exclusivity of the underlying port.
type Transport interface {
	io.ReadWriteCloser
}

// Serial is a Transport over a serial port
type Serial struct {
	conn *serial.Port
}

// OpenSerial opens the named serial port at the given baud rate and read
// timeout.  Opening is retried with an exponential backoff; controllers
// re-enumerate slowly after power-up and do not like being connection
// thrashed.  If the port is held by another process, the error is
// surfaced immediately rather than retried.
func OpenSerial(name string, baud int, timeout time.Duration) (*Serial, error) {
	cfg := &serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: timeout,
	}
	var conn *serial.Port
	op := func() error {
		var err error
		conn, err = serial.OpenPort(cfg)
		if err != nil && strings.Contains(strings.ToLower(err.Error()), "busy") {
			// port owned by someone else; retrying will not free it
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err != nil {
		return nil, err
	}
	return &Serial{conn: conn}, nil
}

// Read pulls available bytes from the port.  A return of zero bytes
// means the read timeout elapsed with the port silent.
func (s *Serial) Read(p []byte) (int, error) {
	if s.conn == nil {
		return 0, ErrNotConnected
	}
	return s.conn.Read(p)
}

// Write pushes bytes to the port.  Writes up to the USB packet size are
// atomic on the wire.
func (s *Serial) Write(p []byte) (int, error) {
	if s.conn == nil {
		return 0, ErrNotConnected
	}
	return s.conn.Write(p)
}

// Close releases the port
func (s *Serial) Close() error {
	if s.conn == nil {
		return ErrNotConnected
	}
	err := s.conn.Close()
	if err == nil {
		s.conn = nil
	}
	return err
}
