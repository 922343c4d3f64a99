package rack

import (
	"fmt"

	"github.com/snksoft/crc"
)

// telegrams are encoded as [SOT][MESSAGE][CRC][EOT].
// the command message is formatted as
// [FLAGS|ADDR] [OPCODE] [LENGTH] [0..250 data bytes]
// and the response message as
// [STATUS] [LENGTH] [0..250 data bytes]
// the CRC is CRC-CCITT (XMODEM) over the message, two bytes big endian.
// LENGTH makes parsing unambiguous, so data bytes are never escaped.

const (
	// telStart is the start of telegram byte
	telStart = 0x02

	// telEnd is the end of telegram byte
	telEnd = 0x03

	// flagTrigger marks a command frame that fires the backplane trigger
	// synchronously with its execution on the addressed module
	flagTrigger = 0x80

	// MaxPayload is the largest payload the controller accepts in one
	// frame.  It keeps the full telegram inside the transport's
	// atomic-write guarantee; larger transfers must be chunked.
	MaxPayload = 250

	// ControllerAddr is the backplane address reserved for the
	// controller itself
	ControllerAddr = 0

	// MaxAddr is the highest addressable backplane slot
	MaxAddr = 15

	// frame bytes that are not payload, excluding the end byte
	cmdOverhead  = 6
	respOverhead = 5
)

var crcTable = crc.NewTable(crc.XMODEM)

// Opcode enumerates the controller command set
type Opcode byte

// The controller command set.  Module-addressed opcodes carry a
// chip-select byte as the first payload byte; pass-through opcodes
// forward the remaining payload to a register on a module's onboard
// peripheral chip.
const (
	OpUnlock Opcode = iota + 1
	OpFirmwareVersion
	OpTemperature
	OpBattery
	OpTriggerArm
	OpModuleWrite
	OpModuleRead
	OpPassthroughWrite
	OpPassthroughRead
)

// Response status codes
const (
	// StatusOK indicates the command was executed
	StatusOK = 0x00

	// StatusBadCommand indicates the addressed module rejected the command
	StatusBadCommand = 0x01
)

// Command is the logical content of a command frame before encoding
type Command struct {
	// Addr is the backplane address, 0 (controller) through 15
	Addr byte

	// Op is the command opcode
	Op Opcode

	// Trigger fires the backplane trigger pulse synchronously with this
	// frame's execution
	Trigger bool

	// Payload is the opcode-specific data
	Payload []byte
}

// Response is the decoded content of a response frame
type Response struct {
	Status  byte
	Payload []byte
}

// MakeTelegram encodes a command into its wire format.  Encoding is pure;
// it never touches the transport.
func MakeTelegram(c Command) ([]byte, error) {
	if c.Addr > MaxAddr {
		return nil, fmt.Errorf("%w: address %d exceeds backplane maximum %d", ErrOutOfRange, c.Addr, MaxAddr)
	}
	if len(c.Payload) > MaxPayload {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds the %d byte frame limit", ErrOutOfRange, len(c.Payload), MaxPayload)
	}
	head := c.Addr
	if c.Trigger {
		head |= flagTrigger
	}
	msg := append([]byte{head, byte(c.Op), byte(len(c.Payload))}, c.Payload...)
	ck := crcTable.CalculateCRC(msg)
	out := append([]byte{telStart}, msg...)
	out = append(out, byte(ck>>8), byte(ck))
	out = append(out, telEnd)
	return out, nil
}

// DecodeTelegram renders a raw command frame back into a Command.  It is
// the codec's round-trip complement to MakeTelegram and is what the
// controller firmware implements on its end of the link.
func DecodeTelegram(b []byte) (Command, error) {
	if len(b) < cmdOverhead+1 {
		return Command{}, fmt.Errorf("%w: telegram of %d bytes is shorter than an empty command", ErrMalformedFrame, len(b))
	}
	if b[0] != telStart {
		return Command{}, fmt.Errorf("%w: start byte %#02x, expected %#02x", ErrMalformedFrame, b[0], telStart)
	}
	if b[len(b)-1] != telEnd {
		return Command{}, fmt.Errorf("%w: end byte %#02x, expected %#02x", ErrMalformedFrame, b[len(b)-1], telEnd)
	}
	msg := b[1 : len(b)-3]
	if int(msg[2]) != len(msg)-3 {
		return Command{}, fmt.Errorf("%w: length byte %d does not match %d payload bytes", ErrMalformedFrame, msg[2], len(msg)-3)
	}
	if err := checkCRC(msg, b[len(b)-3:len(b)-1]); err != nil {
		return Command{}, err
	}
	c := Command{
		Addr:    msg[0] &^ flagTrigger,
		Op:      Opcode(msg[1]),
		Trigger: msg[0]&flagTrigger != 0,
	}
	if len(msg) > 3 {
		c.Payload = append([]byte{}, msg[3:]...)
	}
	return c, nil
}

// MakeResponse encodes a response frame.  The host never sends these;
// they exist for loopback hardware mocks and protocol tests.
func MakeResponse(r Response) []byte {
	msg := append([]byte{r.Status, byte(len(r.Payload))}, r.Payload...)
	ck := crcTable.CalculateCRC(msg)
	out := append([]byte{telStart}, msg...)
	out = append(out, byte(ck>>8), byte(ck))
	return append(out, telEnd)
}

// DecodeResponse renders a raw response frame into a Response
func DecodeResponse(b []byte) (Response, error) {
	if len(b) < respOverhead+1 {
		return Response{}, fmt.Errorf("%w: response of %d bytes is shorter than an empty frame", ErrMalformedFrame, len(b))
	}
	if b[0] != telStart {
		return Response{}, fmt.Errorf("%w: start byte %#02x, expected %#02x", ErrMalformedFrame, b[0], telStart)
	}
	if b[len(b)-1] != telEnd {
		return Response{}, fmt.Errorf("%w: end byte %#02x, expected %#02x", ErrMalformedFrame, b[len(b)-1], telEnd)
	}
	msg := b[1 : len(b)-3]
	if int(msg[1]) != len(msg)-2 {
		return Response{}, fmt.Errorf("%w: length byte %d does not match %d payload bytes", ErrMalformedFrame, msg[1], len(msg)-2)
	}
	if err := checkCRC(msg, b[len(b)-3:len(b)-1]); err != nil {
		return Response{}, err
	}
	r := Response{Status: msg[0]}
	if len(msg) > 2 {
		r.Payload = append([]byte{}, msg[2:]...)
	}
	return r, nil
}

// responseLength returns the total frame size implied by a partial
// response buffer, or -1 if the header is not in yet.  The session uses
// it to know when a read loop holds a complete frame.
func responseLength(b []byte) int {
	if len(b) < 3 {
		return -1
	}
	return respOverhead + 1 + int(b[2])
}

func checkCRC(msg, recv []byte) error {
	ck := crcTable.CalculateCRC(msg)
	if recv[0] != byte(ck>>8) || recv[1] != byte(ck) {
		return fmt.Errorf("%w: CRC mismatch, data lost in transmission and link state is unknown", ErrMalformedFrame)
	}
	return nil
}
