// Package modem is a thin façade over internal/at: every method here is a
// one-line delegation that fixes in a default minimum timeout, the same
// shape as the teacher's internal/server/handshake.go delegating
// CannelloniHandshake straight through to cnl.Handshake.
package modem

import (
	"context"
	"time"

	"github.com/yaroc-project/yaroc-node/internal/at"
)

// MinTimeout is the floor applied to every call when the caller asks for
// less; the BG77 never answers a command faster than this.
const MinTimeout = 300 * time.Millisecond

// Modem is the single entry point the rest of the node uses to talk to
// the BG77 over AT commands.
type Modem struct {
	uart *at.Uart
}

// New wraps an already-running at.Uart.
func New(uart *at.Uart) *Modem {
	return &Modem{uart: uart}
}

func clamp(timeout time.Duration) time.Duration {
	if timeout < MinTimeout {
		return MinTimeout
	}
	return timeout
}

// Call issues command and waits for its terminal response, the short-
// timeout path used for commands that do not expect a CommandResponse.
func (m *Modem) Call(ctx context.Context, command string, timeout time.Duration) (at.AtResponse, error) {
	return m.uart.Exec(ctx, command, clamp(timeout))
}

// CallWithResponse is Call for commands that answer with at least one
// "+PREFIX: ..." line before OK, e.g. every "?" query command.
func (m *Modem) CallWithResponse(ctx context.Context, command string, timeout time.Duration) (at.AtResponse, error) {
	return m.uart.Exec(ctx, command, clamp(timeout))
}

// LongCall is call_at's two-phase form: command's immediate OK/ERROR is
// acked within the usual minimum timeout, and only once that ack
// succeeds does it wait up to timeout for the delayed result line the
// BG77 reports separately for commands with network-bound latency, such
// as +QMTOPEN= or +QMTCONN=.
func (m *Modem) LongCall(ctx context.Context, command string, timeout time.Duration) (at.AtResponse, error) {
	return m.uart.ExecWithResponse(ctx, command, MinTimeout, clamp(timeout))
}

// WriteRaw forwards to the underlying transport's raw write, used to fill
// a "> " prompt left open by a command like +QMTPUB, with no further
// wait for a delayed result — the QoS 1 publish case, whose real status
// arrives later as a URC instead.
func (m *Modem) WriteRaw(ctx context.Context, payload []byte, prefix string, timeout time.Duration) (at.AtResponse, error) {
	return m.uart.WriteRaw(ctx, payload, prefix, clamp(timeout))
}

// WriteRawWithResponse is WriteRaw's two-phase counterpart: once the
// payload is acked, it waits up to timeout for the delayed "+PREFIX: ..."
// result line, the QoS 0 publish case where the caller needs the actual
// outcome before returning.
func (m *Modem) WriteRawWithResponse(ctx context.Context, payload []byte, prefix string, timeout time.Duration) (at.AtResponse, error) {
	return m.uart.WriteRawWithResponse(ctx, payload, prefix, MinTimeout, clamp(timeout))
}

// Close stops the underlying transport's broker loop.
func (m *Modem) Close() { m.uart.Close() }
