package rack

import (
	"bytes"
	"errors"
	"testing"
)

func TestTelegramRoundTrip(t *testing.T) {
	cases := []Command{
		{Addr: ControllerAddr, Op: OpUnlock},
		{Addr: ControllerAddr, Op: OpUnlock, Payload: []byte{1}},
		{Addr: ControllerAddr, Op: OpTemperature},
		{Addr: 1, Op: OpModuleWrite, Payload: []byte{0, 0x72, 0, 0, 0}},
		{Addr: 15, Op: OpModuleRead, Payload: []byte{6, 0}},
		{Addr: 3, Op: OpModuleWrite, Trigger: true, Payload: []byte{0, 0x86, 1, 0}},
		{Addr: 4, Op: OpPassthroughWrite, Payload: append([]byte{0, 0x60, 0x00}, bytes.Repeat([]byte{0xAA, 0x55}, 100)...)},
		{Addr: 4, Op: OpPassthroughRead, Payload: []byte{1, 0x60, 0x10, 2}},
	}
	for _, c := range cases {
		raw, err := MakeTelegram(c)
		if err != nil {
			t.Fatalf("MakeTelegram(%+v): %v", c, err)
		}
		got, err := DecodeTelegram(raw)
		if err != nil {
			t.Fatalf("DecodeTelegram of %+v: %v", c, err)
		}
		if got.Addr != c.Addr || got.Op != c.Op || got.Trigger != c.Trigger {
			t.Errorf("round trip changed header, sent %+v got %+v", c, got)
		}
		if !bytes.Equal(got.Payload, c.Payload) {
			t.Errorf("round trip changed payload, sent % x got % x", c.Payload, got.Payload)
		}
	}
}

// payloads are free to contain the frame delimiter bytes; the length
// prefix keeps decoding unambiguous
func TestTelegramPayloadMayContainDelimiters(t *testing.T) {
	c := Command{Addr: 2, Op: OpModuleWrite, Payload: []byte{telStart, telEnd, telStart, telEnd}}
	raw, err := MakeTelegram(c)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeTelegram(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Payload, c.Payload) {
		t.Errorf("sent % x got % x", c.Payload, got.Payload)
	}
}

func TestMakeTelegramRejects(t *testing.T) {
	_, err := MakeTelegram(Command{Addr: MaxAddr + 1, Op: OpModuleWrite})
	if !errors.Is(err, ErrOutOfRange) {
		t.Errorf("address 16: got %v, want ErrOutOfRange", err)
	}
	_, err = MakeTelegram(Command{Addr: 1, Op: OpModuleWrite, Payload: make([]byte, MaxPayload+1)})
	if !errors.Is(err, ErrOutOfRange) {
		t.Errorf("oversize payload: got %v, want ErrOutOfRange", err)
	}
}

func TestDecodeTelegramMalformed(t *testing.T) {
	good, err := MakeTelegram(Command{Addr: 1, Op: OpModuleWrite, Payload: []byte{0, 1, 2}})
	if err != nil {
		t.Fatal(err)
	}

	noStart := append([]byte{}, good...)
	noStart[0] = 0x55
	noEnd := append([]byte{}, good...)
	noEnd[len(noEnd)-1] = 0x55
	badCRC := append([]byte{}, good...)
	badCRC[len(badCRC)-2] ^= 0xFF
	badLen := append([]byte{}, good...)
	badLen[3]++ // length byte no longer matches the payload

	cases := map[string][]byte{
		"empty":       {},
		"truncated":   good[:4],
		"no start":    noStart,
		"no end":      noEnd,
		"bad CRC":     badCRC,
		"bad length":  badLen,
		"start alone": {telStart},
	}
	for name, raw := range cases {
		if _, err := DecodeTelegram(raw); !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("%s: got %v, want ErrMalformedFrame", name, err)
		}
	}
}

func TestResponseRoundTrip(t *testing.T) {
	cases := []Response{
		{Status: StatusOK},
		{Status: StatusOK, Payload: []byte("C2b_v1.6")},
		{Status: StatusBadCommand},
		{Status: StatusOK, Payload: bytes.Repeat([]byte{0xFF}, MaxPayload)},
	}
	for _, r := range cases {
		got, err := DecodeResponse(MakeResponse(r))
		if err != nil {
			t.Fatalf("DecodeResponse of %+v: %v", r, err)
		}
		if got.Status != r.Status || !bytes.Equal(got.Payload, r.Payload) {
			t.Errorf("round trip changed response, sent %+v got %+v", r, got)
		}
	}
}

func TestDecodeResponseMalformed(t *testing.T) {
	good := MakeResponse(Response{Status: StatusOK, Payload: []byte{1, 2}})
	badCRC := append([]byte{}, good...)
	badCRC[len(badCRC)-2] ^= 0x01
	if _, err := DecodeResponse(badCRC); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("bad CRC: got %v, want ErrMalformedFrame", err)
	}
	if _, err := DecodeResponse(good[:3]); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("truncated: got %v, want ErrMalformedFrame", err)
	}
}

func TestResponseLength(t *testing.T) {
	raw := MakeResponse(Response{Status: StatusOK, Payload: []byte{9, 9, 9}})
	if got := responseLength(raw[:2]); got != -1 {
		t.Errorf("partial header: got %d, want -1", got)
	}
	if got := responseLength(raw[:3]); got != len(raw) {
		t.Errorf("header in: got %d, want %d", got, len(raw))
	}
	if got := responseLength(raw); got != len(raw) {
		t.Errorf("full frame: got %d, want %d", got, len(raw))
	}
}
