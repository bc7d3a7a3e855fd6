package siuart

import (
	"errors"
	"testing"
	"time"

	"github.com/yaroc-project/yaroc-node/internal/sipunch"
	"github.com/yaroc-project/yaroc-node/internal/yarocerr"
)

// fakeUart replays a fixed sequence of byte slices, one per Read call.
type fakeUart struct {
	chunks [][]byte
	i      int
}

func (f *fakeUart) Read(p []byte) (int, error) {
	if f.i >= len(f.chunks) {
		return 0, errors.New("no more chunks queued")
	}
	chunk := f.chunks[f.i]
	f.i++
	n := copy(p, chunk)
	return n, nil
}

func punchBytes(card uint32, code uint16) sipunch.RawPunch {
	loc := time.FixedZone("+01:00", 3600)
	tm := time.Date(2023, 11, 23, 10, 0, 3, 793_000_000, loc)
	return sipunch.New(card, code, tm, 2).Raw
}

func TestReaderCorrectPunches(t *testing.T) {
	p1 := punchBytes(1715004, 47)
	p2 := punchBytes(416534, 10)

	// First chunk: one full punch plus the first half of a second.
	first := append(append([]byte{}, p1[:]...), p2[:10]...)
	second := p2[10:]

	u := &fakeUart{chunks: [][]byte{first, second}}
	r := New(u)

	punches, err := r.Read()
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	if len(punches) != 1 || punches[0] != p1 {
		t.Fatalf("first read punches = %v, want [p1]", punches)
	}

	punches, err = r.Read()
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if len(punches) != 1 || punches[0] != p2 {
		t.Fatalf("second read punches = %v, want [p2]", punches)
	}
}

func TestReaderZeroedBytesFirst(t *testing.T) {
	p := punchBytes(1715004, 47)
	zeros := make([]byte, 38)

	u := &fakeUart{chunks: [][]byte{zeros, p[:10], p[10:]}}
	r := New(u)

	punches, err := r.Read()
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	if len(punches) != 0 {
		t.Fatalf("first read punches = %v, want none", punches)
	}

	_, err = r.Read()
	if !errors.Is(err, yarocerr.ErrUartRead) {
		t.Fatalf("second read err = %v, want ErrUartRead (garbage advance)", err)
	}

	punches, err = r.Read()
	if err != nil {
		t.Fatalf("third read: %v", err)
	}
	if len(punches) != 1 || punches[0] != p {
		t.Fatalf("third read punches = %v, want [p]", punches)
	}
}

func TestReaderGarbage(t *testing.T) {
	garbage := make([]byte, BufSize)
	for i := range garbage {
		garbage[i] = 0xff
	}

	u := &fakeUart{chunks: [][]byte{garbage}}
	r := New(u)

	before := r.end
	_ = before
	_, err := r.Read()
	if !errors.Is(err, yarocerr.ErrUartRead) {
		t.Fatalf("err = %v, want ErrUartRead", err)
	}
	if r.end != BufSize-sipunch.Len {
		t.Fatalf("buffer end after garbage advance = %d, want %d", r.end, BufSize-sipunch.Len)
	}
}

func TestReaderUartClosed(t *testing.T) {
	u := &fakeUart{chunks: [][]byte{{}}}
	r := New(u)
	_, err := r.Read()
	if !errors.Is(err, yarocerr.ErrUartClosed) {
		t.Fatalf("err = %v, want ErrUartClosed", err)
	}
}
