// Package siuart implements the framed SI-UART reader: it accumulates
// idle-terminated UART reads into a fixed buffer, extracts as many valid
// SportIdent punch frames as it can, and resynchronizes past garbage by
// discarding one frame length at a time, the way the teacher's
// cmd/can-server serial RX loop accumulates into a bytes.Buffer and decodes
// what it can on every read.
package siuart

import (
	"fmt"

	"github.com/yaroc-project/yaroc-node/internal/sipunch"
	"github.com/yaroc-project/yaroc-node/internal/yarocerr"
)

// Capacity is the maximum number of punches extracted from a single read.
const Capacity = 12

// BufSize is the fixed internal buffer size: room for Capacity frames.
const BufSize = sipunch.Len * Capacity

// Port is the minimal reader contract the SI-UART reader needs. A single
// Read call is expected to block until either data arrives and the line
// goes idle, or the configured read timeout elapses; this matches the
// "read until idle" semantics tarm/serial's ReadTimeout already provides.
type Port interface {
	Read(p []byte) (int, error)
}

// Reader reads SportIdent punches off a UART, resynchronizing across
// partial reads and garbage bytes.
type Reader struct {
	port Port
	buf  [BufSize]byte
	end  int
}

// New wraps a UART port already configured at the SportIdent baud rate
// (typically 38400 bps).
func New(port Port) *Reader {
	return &Reader{port: port}
}

// Read performs one idle-terminated read and returns up to Capacity
// punches extracted from the accumulated buffer. An empty, non-error
// result means the read produced bytes but no complete frame yet (e.g.
// a frame split across reads). A returned yarocerr.ErrUartRead means the
// buffer held at least two frame lengths of data with no frame found; the
// reader has discarded one frame length to resynchronize and the caller
// should simply call Read again.
func (r *Reader) Read() ([]sipunch.RawPunch, error) {
	n, err := r.port.Read(r.buf[r.end:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", yarocerr.ErrUartRead, err)
	}
	r.end += n
	if n == 0 {
		return nil, yarocerr.ErrUartClosed
	}

	var punches []sipunch.RawPunch
	payload := r.buf[:r.end]
	for len(punches) < Capacity {
		raw, rest, ok := sipunch.FindPunchData(payload)
		if !ok {
			break
		}
		punches = append(punches, raw)
		payload = rest
	}

	if len(punches) == 0 && r.end >= 2*sipunch.Len {
		copy(r.buf[:], r.buf[sipunch.Len:r.end])
		r.end -= sipunch.Len
		return nil, fmt.Errorf("%w: no frame found in %d buffered bytes, advancing", yarocerr.ErrUartRead, r.end+sipunch.Len)
	}

	consumed := r.end - len(payload)
	copy(r.buf[:], r.buf[consumed:r.end])
	r.end -= consumed

	return punches, nil
}
