package sim

import (
	"math"

	"github.jpl.nasa.gov/bdube/gorack/rack"
)

// microcontroller command codes of the B2b, shared with package adc
const (
	b2bClockSource  = 0
	b2bTriggerInput = 1
	b2bTrigHoldoff  = 2
	b2bTrigAmount   = 3
	b2bFwVersion    = 4
	b2bModuleName   = 5
	b2bSoftTrigger  = 6
	b2bFilterRate   = 7
	b2bFilterType   = 8
	b2bEnable       = 9
	b2bSampleAmount = 10
	b2bCalibrate    = 11
	b2bStatus       = 14
	b2bCancel       = 15
	b2bGetData      = 16
	b2bReadLoc      = 17
	b2bDataLoc      = 18
)

// module status words
const (
	b2bStRunning   = 0
	b2bStIdle      = 1
	b2bStWaiting   = 2
	b2bStBooted    = 3
	b2bStCancelled = 5
	b2bStDone      = 6
)

// b2bCh1Base is the byte offset of channel 1 data in the module SRAM
const b2bCh1Base = 62500

// B2b is a simulated two-channel acquisition module.  Its onboard
// microcontroller owns all ADC state; the host talks to it with
// length-prefixed commands over chip 0 and polls the run flag on the
// status pin chip (chip 6).
//
// Acquisition completes after a fixed number of run-flag polls rather
// than in wall time, which keeps host tests deterministic.
type B2b struct {
	clockSource  byte
	triggerInput byte
	holdoff      uint32
	trigAmount   uint32
	enabled      [2]bool
	sampleAmount [2]uint32
	filterRate   [2]byte
	filterType   [2]byte

	status     byte
	pollsLeft  int
	sram       []byte
	readLoc    uint32
	readAmount byte
	extClockOK bool
	fwVersion  byte
}

// NewB2b returns a freshly booted acquisition module with an external
// clock present on its backplane input
func NewB2b() *B2b {
	return &B2b{
		status:     b2bStBooted,
		sram:       make([]byte, 128*1024),
		extClockOK: true,
		fwVersion:  2,
	}
}

// SetExternalClockPresent controls whether a backplane clock is wired in
func (b *B2b) SetExternalClockPresent(ok bool) {
	b.extClockOK = ok
}

// Trigger implements Device: a backplane pulse starts a run when the
// trigger input is set to the controller line
func (b *B2b) Trigger() {
	if b.triggerInput == 1 {
		b.start()
	}
}

// samplesStored returns how many samples a run leaves in ch's SRAM
// region: the configured count times the trigger count, clamped to the
// region size the way the hardware stops writing at its buffer end
func (b *B2b) samplesStored(ch byte) uint32 {
	reps := b.trigAmount
	if reps == 0 {
		reps = 1
	}
	n := b.sampleAmount[ch] * reps
	limit := uint32(b2bCh1Base / 3)
	if ch == 1 {
		limit = uint32((len(b.sram) - b2bCh1Base) / 3)
	}
	if n > limit {
		n = limit
	}
	return n
}

func (b *B2b) start() {
	if b.status == b2bStRunning {
		return
	}
	b.status = b2bStRunning
	b.pollsLeft = 2
	for ch := byte(0); ch < 2; ch++ {
		if !b.enabled[ch] {
			continue
		}
		base := 0
		if ch == 1 {
			base = b2bCh1Base
		}
		n := int(b.samplesStored(ch))
		for i := 0; i < n; i++ {
			v := 2.0 * math.Sin(2*math.Pi*float64(i)/128.0)
			raw := uint32((v + 8.192) * (1 << 23) / 8.192)
			off := base + 3*i
			b.sram[off] = byte(raw >> 16)
			b.sram[off+1] = byte(raw >> 8)
			b.sram[off+2] = byte(raw)
		}
	}
}

// Write implements Device
func (b *B2b) Write(chip byte, data []byte) byte {
	if chip != 0 || len(data) < 2 || data[0]&0x80 == 0 {
		return rack.StatusBadCommand
	}
	cmd := data[0] &^ 0x80
	pl := data[2:]
	// the micro validates argument length and channel number before
	// dispatch; a well-framed but truncated command must not fault it
	switch cmd {
	case b2bClockSource, b2bTriggerInput:
		if len(pl) < 1 {
			return rack.StatusBadCommand
		}
	case b2bTrigHoldoff, b2bTrigAmount, b2bReadLoc:
		if len(pl) < 4 {
			return rack.StatusBadCommand
		}
	case b2bFilterRate, b2bFilterType, b2bEnable:
		if len(pl) < 2 || pl[0] > 1 {
			return rack.StatusBadCommand
		}
	case b2bSampleAmount:
		if len(pl) < 5 || pl[0] > 1 {
			return rack.StatusBadCommand
		}
	}
	switch cmd {
	case b2bClockSource:
		if pl[0] == 1 && !b.extClockOK {
			// no backplane clock; the micro stays on its internal one
			return rack.StatusOK
		}
		b.clockSource = pl[0]
	case b2bTriggerInput:
		b.triggerInput = pl[0]
	case b2bTrigHoldoff:
		b.holdoff = be32(pl)
	case b2bTrigAmount:
		b.trigAmount = be32(pl)
	case b2bSoftTrigger:
		b.start()
	case b2bFilterRate:
		b.filterRate[pl[0]] = pl[1]
	case b2bFilterType:
		b.filterType[pl[0]] = pl[1]
	case b2bEnable:
		b.enabled[pl[0]] = pl[1] == 1
	case b2bSampleAmount:
		b.sampleAmount[pl[0]] = be32(pl[1:])
	case b2bCalibrate:
		// gain/offset calibration is a no-op in simulation
	case b2bCancel:
		b.status = b2bStCancelled
		b.pollsLeft = 0
	case b2bReadLoc:
		b.readLoc = uint32(pl[0])<<16 | uint32(pl[1])<<8 | uint32(pl[2])
		b.readAmount = pl[3]
	default:
		return rack.StatusBadCommand
	}
	return rack.StatusOK
}

// Read implements Device
func (b *B2b) Read(chip byte, data []byte) ([]byte, byte) {
	if chip == 6 {
		// status pin register: bit 0 is the run flag
		out := make([]byte, len(data))
		if b.status == b2bStRunning {
			b.pollsLeft--
			if b.pollsLeft <= 0 {
				b.status = b2bStDone
			}
			out[0] = 0x01
		}
		return out, rack.StatusOK
	}
	if chip != 0 || len(data) < 2 {
		return nil, rack.StatusBadCommand
	}
	cmd := data[0]
	out := make([]byte, len(data))
	switch cmd {
	case b2bTrigHoldoff, b2bTrigAmount:
		if len(out) < 4 {
			return nil, rack.StatusBadCommand
		}
	case b2bModuleName:
		if len(out) < 3 {
			return nil, rack.StatusBadCommand
		}
	case b2bFilterRate, b2bFilterType, b2bEnable:
		if len(data) < 3 || data[2] > 1 {
			return nil, rack.StatusBadCommand
		}
	case b2bSampleAmount, b2bDataLoc:
		if len(data) < 3 || data[2] > 1 || len(out) < 4 {
			return nil, rack.StatusBadCommand
		}
	}
	switch cmd {
	case b2bClockSource:
		out[len(out)-1] = b.clockSource
	case b2bTriggerInput:
		out[len(out)-1] = b.triggerInput
	case b2bTrigHoldoff:
		putLast32(out, b.holdoff)
	case b2bTrigAmount:
		putLast32(out, b.trigAmount)
	case b2bFwVersion:
		out[len(out)-1] = b.fwVersion
	case b2bModuleName:
		copy(out[len(out)-3:], "B2b")
	case b2bFilterRate:
		out[len(out)-1] = b.filterRate[data[2]]
	case b2bFilterType:
		out[len(out)-1] = b.filterType[data[2]]
	case b2bEnable:
		if b.enabled[data[2]] {
			out[len(out)-1] = 1
		}
	case b2bSampleAmount:
		putLast32(out, b.sampleAmount[data[2]])
	case b2bStatus:
		out[len(out)-1] = b.status
	case b2bDataLoc:
		ch := data[2]
		loc := 3 * b.samplesStored(ch)
		if ch == 1 {
			loc += b2bCh1Base
		}
		putLast32(out, loc)
	case b2bGetData:
		end := int(b.readLoc) + int(b.readAmount)
		if len(out) < 4+int(b.readAmount) || end > len(b.sram) {
			return nil, rack.StatusBadCommand
		}
		copy(out[4:], b.sram[b.readLoc:end])
	default:
		return nil, rack.StatusBadCommand
	}
	return out, rack.StatusOK
}

// PassWrite implements Device; the host never bypasses the B2b micro
func (b *B2b) PassWrite(chip byte, reg uint16, data []byte) byte {
	return rack.StatusBadCommand
}

// PassRead implements Device
func (b *B2b) PassRead(chip byte, reg uint16, n int) ([]byte, byte) {
	return nil, rack.StatusBadCommand
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func putLast32(b []byte, v uint32) {
	n := len(b)
	b[n-4] = byte(v >> 24)
	b[n-3] = byte(v >> 16)
	b[n-2] = byte(v >> 8)
	b[n-1] = byte(v)
}
