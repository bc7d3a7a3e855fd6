package at

import (
	"strings"
)

// UrcHandler is offered every CommandResponse the broker classifies. If it
// returns true the frame was a recognized unsolicited result code and is
// consumed; it is not forwarded to the main channel, and must never block
// (it typically posts to another component's own non-blocking channel).
type UrcHandler func(CommandResponse) bool

// classifyLine turns one trimmed, non-empty UART line into a FromModem
// frame.
func classifyLine(line string) FromModem {
	switch line {
	case "OK", "RDY", "APP RDY", ">":
		return okFrom()
	case "ERROR":
		return errorFrom()
	}
	if cr, ok := newCommandResponse(line); ok {
		return commandResponseFrom(cr)
	}
	return lineFrom(line)
}

// parseChunk classifies every line in one idle-terminated UART read,
// consuming URC matches via urc and appending everything else, in order,
// to out. If the chunk ends without a terminal frame (Ok/Error), it
// appends a synthetic Eof so nothing downstream blocks forever on a
// response that this chunk did not complete.
func parseChunk(text string, urc UrcHandler, out []FromModem) []FromModem {
	open := false
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimRight(raw, "\r")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		frame := classifyLine(line)
		if frame.Kind == KindCommandResponse && urc != nil && urc(frame.Response) {
			continue
		}
		out = append(out, frame)
		open = !frame.Terminal()
	}
	if open {
		out = append(out, eofFrom())
	}
	return out
}

// RawPort is the minimal reader contract the broker needs: one Read call
// blocks until the line goes idle or a read timeout elapses, exactly the
// contract tarm/serial's ReadTimeout already provides.
type RawPort interface {
	Read(p []byte) (int, error)
}

// Broker reads raw UART bytes, decodes them as a single idle-terminated
// response chunk, classifies every line, and hands the caller-visible
// frames to onFrame (typically a bounded channel send). URCs recognized
// by urc never reach onFrame.
type Broker struct {
	port RawPort
	urc  UrcHandler
	buf  [4096]byte
}

// NewBroker wraps port. urc may be nil if there is nothing to demux yet;
// AttachUrcHandler can set it once the owning component is constructed.
func NewBroker(port RawPort, urc UrcHandler) *Broker {
	return &Broker{port: port, urc: urc}
}

// AttachUrcHandler replaces the URC handler, used when the handler needs
// a reference to state not yet available at NewBroker time.
func (b *Broker) AttachUrcHandler(urc UrcHandler) { b.urc = urc }

// ReadChunk performs one idle-terminated read and returns the classified
// frames it contains, after URC demuxing. A read returning zero bytes is
// reported to the caller as an empty, non-error slice; distinguishing a
// truly closed port is the caller's responsibility (mirrors UART read
// semantics elsewhere in this module, where 0 bytes commonly means "no
// data arrived before the timeout" rather than EOF on an AT UART).
func (b *Broker) ReadChunk() ([]FromModem, error) {
	n, err := b.port.Read(b.buf[:])
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return parseChunk(string(b.buf[:n]), b.urc, nil), nil
}
