// Package sipunch implements the SportIdent punch wire frame: a fixed
// 20-byte record carrying a card number, a control code, a timestamp and a
// punch mode, protected by SportIdent's own (known-buggy) checksum.
package sipunch

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/yaroc-project/yaroc-node/internal/yarocerr"
)

// Len is the size in bytes of a SportIdent punch frame.
const Len = 20

// RawPunch is a full wire frame.
type RawPunch [Len]byte

const (
	header0 = 0xff
	header1 = 0x02
	header2 = 0xd3
	header3 = 0x0d
	trailer = 0x03
)

// earlySeriesComplement undoes SportIdent's irregular encoding of card
// numbers in series 0..4: a card is stored as series*2^16 + (card -
// series*100000) instead of the plain number.
const earlySeriesComplement = 100_000 - (1 << 16)

// billionBy256 converts a 1/256s tick count into nanoseconds.
const billionBy256 = 1_000_000_000 / 256

// Punch is a decoded punch record together with its raw wire bytes.
type Punch struct {
	Card uint32
	Code uint16
	Time time.Time
	Mode uint8
	Raw  RawPunch
}

// New encodes a punch. The weekday and time-of-day are read from t in
// t's own location; the wire frame carries no date, reconstructed from
// "today" on decode.
func New(card uint32, code uint16, t time.Time, mode uint8) Punch {
	return Punch{
		Card: card,
		Code: code,
		Time: t,
		Mode: mode,
		Raw:  punchToBytes(card, code, t, mode),
	}
}

// NewSendLastRecord is identical to New; the "send last record" bit is
// always set by this codec (see punchToBytes), matching real SI hardware
// wire behavior rather than being a caller-controlled option.
func NewSendLastRecord(card uint32, code uint16, t time.Time, mode uint8) Punch {
	return New(card, code, t, mode)
}

// FromRaw decodes a frame. today and offset resolve the day-of-week and
// sub-second fields back into an absolute time; today should be the most
// recent date the frame could plausibly have been produced on.
func FromRaw(raw RawPunch, today time.Time, offset *time.Location) (Punch, error) {
	if raw[0] != header0 || raw[1] != header1 || raw[2] != header2 || raw[3] != header3 {
		return Punch{}, fmt.Errorf("%w: bad punch header", yarocerr.ErrFormat)
	}
	if raw[Len-1] != trailer {
		return Punch{}, fmt.Errorf("%w: bad punch trailer", yarocerr.ErrFormat)
	}
	chk := sportidentChecksum(raw[2:17])
	if chk != binary.BigEndian.Uint16(raw[17:19]) {
		return Punch{}, fmt.Errorf("%w: punch checksum mismatch", yarocerr.ErrFormat)
	}

	data := raw[4:19]
	code := uint16(data[0]&1)<<8 | uint16(data[1])
	card := binary.BigEndian.Uint32(data[2:6])
	card &= 0xffffff
	series := card / (1 << 16)
	if series <= 4 {
		card += series * earlySeriesComplement
	}

	timeData := data[6:]
	t := bytesToDatetime(timeData, today, offset)
	mode := timeData[4] & 0b1111

	return Punch{
		Card: card,
		Code: code,
		Time: t,
		Mode: mode,
		Raw:  raw,
	}, nil
}

func lastDow(dow int, today time.Time) time.Time {
	days := (int(today.Weekday()) + 7 - dow) % 7
	return today.AddDate(0, 0, -days)
}

func bytesToDatetime(data []byte, today time.Time, offset *time.Location) time.Time {
	dow := int((data[0] & 0b1110) >> 1)
	date := lastDow(dow, today)

	seconds := uint32(data[0]&1) * (12 * 60 * 60)
	seconds += uint32(binary.BigEndian.Uint16(data[1:3]))
	nanos := uint32(data[3]) * billionBy256

	y, m, d := date.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, offset).
		Add(time.Duration(seconds)*time.Second + time.Duration(nanos)*time.Nanosecond)
}

// sportidentChecksum reproduces SportIdent's own checksum algorithm bit for
// bit, including its documented bug: a message of "\x01\x80\x05" checksums
// to 0 even though 0x8005 is not a factor of the rest of the message.
func sportidentChecksum(message []byte) uint16 {
	msg := make([]byte, len(message), len(message)+2)
	copy(msg, message)
	msg = append(msg, 0)
	if len(msg)%2 == 1 {
		msg = append(msg, 0)
	}

	chksum := binary.BigEndian.Uint16(msg[:2])
	for i := 2; i < len(message); i += 2 {
		val := binary.BigEndian.Uint16(msg[i : i+2])
		for range 16 {
			highBit := val&0x8000 != 0
			if chksum&0x8000 != 0 {
				chksum <<= 1
				if highBit {
					chksum++
				}
				chksum ^= 0x8005
			} else {
				chksum <<= 1
				if highBit {
					chksum++
				}
			}
			val <<= 1
		}
	}
	return chksum
}

func cardToBytes(card uint32) [4]byte {
	series := card / 100_000
	if series <= 4 {
		card -= series * earlySeriesComplement
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], card)
	return b
}

func timeToBytes(t time.Time) [4]byte {
	var res [4]byte
	res[0] = byte(t.Weekday()) << 1
	secs := uint32(t.Hour()*3600 + t.Minute()*60 + t.Second())
	if t.Hour() >= 12 {
		res[0] |= 1
		secs -= 12 * 60 * 60
	}
	binary.BigEndian.PutUint16(res[1:3], uint16(secs))
	res[3] = byte(uint32(t.Nanosecond()) / billionBy256)
	return res
}

// punchToBytes always sets the reserved "send last record" byte to 1,
// matching the real SI base station protocol's expectation that a node
// requests the last stored punch rather than a specific one.
func punchToBytes(card uint32, code uint16, t time.Time, mode uint8) RawPunch {
	var res RawPunch
	res[0], res[1], res[2], res[3] = header0, header1, header2, header3
	binary.BigEndian.PutUint16(res[4:6], code)
	cb := cardToBytes(card)
	copy(res[6:10], cb[:])
	tb := timeToBytes(t)
	copy(res[10:14], tb[:])
	res[14] = mode
	res[15] = 0
	res[16] = 1
	chk := sportidentChecksum(res[2:17])
	binary.BigEndian.PutUint16(res[17:19], chk)
	res[19] = trailer
	return res
}

// FindPunchData scans payload for the first complete, checksum-valid
// punch frame. It returns the frame and the remaining bytes after it. If
// no valid frame is found it returns ok=false and the original payload
// unchanged, leaving garbage-skipping policy to the caller (see
// internal/siuart, which applies the frame-length advance heuristic).
func FindPunchData(payload []byte) (raw RawPunch, rest []byte, ok bool) {
	for i := 0; i+Len <= len(payload); i++ {
		if payload[i] != header0 || payload[i+1] != header1 || payload[i+2] != header2 || payload[i+3] != header3 {
			continue
		}
		frame := payload[i : i+Len]
		if frame[Len-1] != trailer {
			continue
		}
		chk := sportidentChecksum(frame[2:17])
		if chk != binary.BigEndian.Uint16(frame[17:19]) {
			continue
		}
		copy(raw[:], frame)
		return raw, payload[i+Len:], true
	}
	return RawPunch{}, payload, false
}
