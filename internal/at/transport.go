package at

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yaroc-project/yaroc-node/internal/yarocerr"
)

// Writer is the minimal writer contract the caller side needs.
type Writer interface {
	Write(p []byte) (int, error)
}

// Port is the full duplex contract NewUart needs: RawPort for the broker's
// read loop, Writer for Exec/WriteRaw.
type Port interface {
	RawPort
	Writer
}

// mainChannelCapacity mirrors the bounded channel the broker feeds and the
// caller drains from; 5 in-flight frames is enough slack for a command's
// response to arrive a line at a time without the broker ever blocking on
// a slow caller.
const mainChannelCapacity = 5

// Uart is the caller-facing AT command transport: one background goroutine
// runs the broker loop, classifying and demuxing every line off the
// modem, while Exec/WriteRaw block the caller until a command's response
// sequence terminates or a deadline passes.
type Uart struct {
	broker    *Broker
	writer    Writer
	frames    chan FromModem
	brokerErr chan error

	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewUart wires a broker over port (used for both reading and writing)
// and starts its background read loop. urc is invoked for every
// CommandResponse the broker classifies and may consume it before it
// reaches Exec/WriteRaw; it must not block.
func NewUart(ctx context.Context, port Port, urc UrcHandler) *Uart {
	ctx, cancel := context.WithCancel(ctx)
	u := &Uart{
		broker:    NewBroker(port, urc),
		writer:    port,
		frames:    make(chan FromModem, mainChannelCapacity),
		brokerErr: make(chan error, 1),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go u.brokerLoop(ctx)
	return u
}

func (u *Uart) brokerLoop(ctx context.Context) {
	defer close(u.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		chunk, err := u.broker.ReadChunk()
		if err != nil {
			select {
			case u.brokerErr <- err:
			default:
			}
			return
		}
		for _, f := range chunk {
			select {
			case u.frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}
}

// AttachUrcHandler replaces the broker's URC handler, for callers that
// need to wire in a handler depending on state built on top of this
// Uart (e.g. a session holding the modem this Uart backs).
func (u *Uart) AttachUrcHandler(urc UrcHandler) { u.broker.AttachUrcHandler(urc) }

// Close stops the broker loop. Safe to call more than once.
func (u *Uart) Close() {
	u.closeOnce.Do(func() {
		u.cancel()
		<-u.done
	})
}

// Exec writes command followed by \r\n and collects frames until a
// terminal (Ok/Error/Eof) frame arrives or timeout elapses.
func (u *Uart) Exec(ctx context.Context, command string, timeout time.Duration) (AtResponse, error) {
	if _, err := u.writer.Write([]byte(command + "\r\n")); err != nil {
		return AtResponse{}, fmt.Errorf("%w: %v", yarocerr.ErrUartWrite, err)
	}
	return u.collect(ctx, command, timeout, false)
}

// ExecWithResponse is Exec's two-phase counterpart, for commands whose
// real result the BG77 only reports in a second, separate burst after an
// immediate OK/ERROR acknowledgment (+QMTOPEN=, +QMTCONN=). It collects
// the ack with ackTimeout same as Exec, and if that ack succeeded,
// collects a second time with responseTimeout for the delayed result
// line. That second phase ends in a synthetic Eof once the modem goes
// idle after the result line, which is the expected, successful end of
// an unsolicited line rather than a failure.
func (u *Uart) ExecWithResponse(ctx context.Context, command string, ackTimeout, responseTimeout time.Duration) (AtResponse, error) {
	if _, err := u.writer.Write([]byte(command + "\r\n")); err != nil {
		return AtResponse{}, fmt.Errorf("%w: %v", yarocerr.ErrUartWrite, err)
	}
	return u.collectTwoPhase(ctx, command, ackTimeout, responseTimeout)
}

// WriteRaw writes payload with no trailing newline, used to fill the
// prompt an AT command like +QMTPUB leaves open, and collects the
// response the same way Exec does. prefix labels the logical command for
// AtResponse.Values lookups (e.g. "+QMTPUB" for a publish's delayed
// status line).
func (u *Uart) WriteRaw(ctx context.Context, payload []byte, prefix string, timeout time.Duration) (AtResponse, error) {
	if _, err := u.writer.Write(payload); err != nil {
		return AtResponse{}, fmt.Errorf("%w: %v", yarocerr.ErrUartWrite, err)
	}
	return u.collect(ctx, prefix, timeout, false)
}

// WriteRawWithResponse is WriteRaw's two-phase counterpart, used for a
// QoS 0 publish whose "+QMTPUB: ..." result arrives as its own idle-
// terminated burst after the payload's immediate ack, the same shape
// ExecWithResponse handles for +QMTOPEN=/+QMTCONN=.
func (u *Uart) WriteRawWithResponse(ctx context.Context, payload []byte, prefix string, ackTimeout, responseTimeout time.Duration) (AtResponse, error) {
	if _, err := u.writer.Write(payload); err != nil {
		return AtResponse{}, fmt.Errorf("%w: %v", yarocerr.ErrUartWrite, err)
	}
	return u.collectTwoPhase(ctx, prefix, ackTimeout, responseTimeout)
}

func (u *Uart) collectTwoPhase(ctx context.Context, command string, ackTimeout, responseTimeout time.Duration) (AtResponse, error) {
	ack, err := u.collect(ctx, command, ackTimeout, false)
	if err != nil {
		return ack, err
	}
	result, err := u.collect(ctx, command, responseTimeout, true)
	merged := newAtResponse(command, append(ack.frames, result.frames...))
	return merged, err
}

// collect reads frames until a terminal one arrives or timeout elapses.
// A trailing Eof is treated as failure unless acceptEof is set, in which
// case it's the expected end of an unsolicited, OK-less response line.
func (u *Uart) collect(ctx context.Context, command string, timeout time.Duration, acceptEof bool) (AtResponse, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var frames []FromModem
	for {
		select {
		case err := <-u.brokerErr:
			return AtResponse{}, fmt.Errorf("%w: %v", yarocerr.ErrUartRead, err)
		case f := <-u.frames:
			frames = append(frames, f)
			if f.Terminal() {
				resp := newAtResponse(command, frames)
				switch {
				case f.Kind == KindError:
					return resp, fmt.Errorf("%w: %s", yarocerr.ErrAtErrorResponse, command)
				case f.Kind == KindEof && !acceptEof:
					return resp, fmt.Errorf("%w: modem went idle mid-response to %s", yarocerr.ErrTimeout, command)
				default:
					return resp, nil
				}
			}
		case <-deadline.C:
			return newAtResponse(command, frames), fmt.Errorf("%w: %s", yarocerr.ErrTimeout, command)
		case <-ctx.Done():
			return newAtResponse(command, frames), ctx.Err()
		}
	}
}
