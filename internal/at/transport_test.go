package at

import (
	"context"
	"errors"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/yaroc-project/yaroc-node/internal/yarocerr"
)

// scriptedPort is a fake full-duplex AT UART: Write records the bytes sent
// and Read replays pre-queued response chunks, the way fake_modem.rs
// replays a scripted command/response table.
type scriptedPort struct {
	written   [][]byte
	responses chan []byte
}

func newScriptedPort() *scriptedPort {
	return &scriptedPort{responses: make(chan []byte, 8)}
}

func (p *scriptedPort) Write(b []byte) (int, error) {
	cp := append([]byte{}, b...)
	p.written = append(p.written, cp)
	return len(b), nil
}

func (p *scriptedPort) Read(buf []byte) (int, error) {
	chunk, ok := <-p.responses
	if !ok {
		return 0, io.EOF
	}
	return copy(buf, chunk), nil
}

func (p *scriptedPort) queue(s string) { p.responses <- []byte(s) }

func TestUartExecOk(t *testing.T) {
	port := newScriptedPort()
	u := NewUart(context.Background(), port, nil)
	port.queue("OK\r\n")

	resp, err := u.Exec(context.Background(), "AT", time.Second)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if !resp.Ok() {
		t.Fatal("expected Ok() response")
	}

	close(port.responses)
	u.Close()
}

func TestUartExecError(t *testing.T) {
	port := newScriptedPort()
	u := NewUart(context.Background(), port, nil)
	port.queue("ERROR\r\n")

	_, err := u.Exec(context.Background(), "AT+BOGUS", time.Second)
	if !errors.Is(err, yarocerr.ErrAtErrorResponse) {
		t.Fatalf("err = %v, want ErrAtErrorResponse", err)
	}

	close(port.responses)
	u.Close()
}

func TestUartExecTimeout(t *testing.T) {
	port := newScriptedPort()
	u := NewUart(context.Background(), port, nil)

	_, err := u.Exec(context.Background(), "AT", 20*time.Millisecond)
	if !errors.Is(err, yarocerr.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}

	close(port.responses)
	u.Close()
}

func TestUartExecWithCommandResponse(t *testing.T) {
	port := newScriptedPort()
	u := NewUart(context.Background(), port, nil)
	port.queue("+QMTOPEN: 0,0\r\nOK\r\n")

	resp, err := u.Exec(context.Background(), "AT+QMTOPEN?", time.Second)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	values, ok := resp.Values(nil)
	if !ok {
		t.Fatal("expected a +QMTOPEN value match")
	}
	if want := []string{"0", "0"}; !reflect.DeepEqual(values, want) {
		t.Fatalf("values = %v, want %v", values, want)
	}
	if len(port.written) != 1 || string(port.written[0]) != "AT+QMTOPEN?\r\n" {
		t.Fatalf("written = %v, want single AT+QMTOPEN?\\r\\n", port.written)
	}

	close(port.responses)
	u.Close()
}

func TestUartUrcConsumedBeforeCaller(t *testing.T) {
	port := newScriptedPort()
	urc := make(chan CommandResponse, 1)
	u := NewUart(context.Background(), port, func(cr CommandResponse) bool {
		if cr.Command() != "QMTSTAT" {
			return false
		}
		urc <- cr
		return true
	})
	port.queue("+QMTSTAT: 0,1\r\n")
	port.queue("OK\r\n")

	resp, err := u.Exec(context.Background(), "AT", time.Second)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if !resp.Ok() {
		t.Fatal("expected Ok() response")
	}
	if _, ok := resp.Values(nil); ok {
		t.Fatal("QMTSTAT should have been consumed by the URC handler, not forwarded")
	}

	select {
	case cr := <-urc:
		if got, want := cr.Values(), []string{"0", "1"}; !reflect.DeepEqual(got, want) {
			t.Fatalf("urc values = %v, want %v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("URC handler was never invoked")
	}

	close(port.responses)
	u.Close()
}

func TestUartExecWithResponseTwoPhase(t *testing.T) {
	port := newScriptedPort()
	u := NewUart(context.Background(), port, nil)
	port.queue("OK\r\n")            // immediate ack
	port.queue("+QMTOPEN: 0,0\r\n") // delayed result, idle-terminated

	resp, err := u.ExecWithResponse(context.Background(), `AT+QMTOPEN=0,"broker",1883`, time.Second, time.Second)
	if err != nil {
		t.Fatalf("ExecWithResponse: %v", err)
	}
	values, ok := resp.Values(nil)
	if !ok {
		t.Fatal("expected a +QMTOPEN value match")
	}
	if want := []string{"0", "0"}; !reflect.DeepEqual(values, want) {
		t.Fatalf("values = %v, want %v", values, want)
	}

	close(port.responses)
	u.Close()
}

func TestUartExecWithResponseFailsOnAckError(t *testing.T) {
	port := newScriptedPort()
	u := NewUart(context.Background(), port, nil)
	port.queue("ERROR\r\n")

	_, err := u.ExecWithResponse(context.Background(), `AT+QMTOPEN=0,"broker",1883`, time.Second, time.Second)
	if !errors.Is(err, yarocerr.ErrAtErrorResponse) {
		t.Fatalf("err = %v, want ErrAtErrorResponse", err)
	}

	close(port.responses)
	u.Close()
}

func TestUartExecWithResponseTimesOutWaitingForResult(t *testing.T) {
	port := newScriptedPort()
	u := NewUart(context.Background(), port, nil)
	port.queue("OK\r\n") // ack only, no delayed result ever arrives

	_, err := u.ExecWithResponse(context.Background(), `AT+QMTCONN=0,"n","u","p"`, time.Second, 20*time.Millisecond)
	if !errors.Is(err, yarocerr.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}

	close(port.responses)
	u.Close()
}

func TestUartWriteRaw(t *testing.T) {
	port := newScriptedPort()
	u := NewUart(context.Background(), port, nil)
	port.queue("+QMTPUB: 0,0,0\r\nOK\r\n")

	resp, err := u.WriteRaw(context.Background(), []byte("payload"), "+QMTPUB", time.Second)
	if err != nil {
		t.Fatalf("WriteRaw: %v", err)
	}
	values, ok := resp.Values(nil)
	if !ok {
		t.Fatal("expected a +QMTPUB value match")
	}
	if want := []string{"0", "0", "0"}; !reflect.DeepEqual(values, want) {
		t.Fatalf("values = %v, want %v", values, want)
	}
	if len(port.written) != 1 || string(port.written[0]) != "payload" {
		t.Fatalf("written = %v, want [payload]", port.written)
	}

	close(port.responses)
	u.Close()
}

func TestUartWriteRawWithResponseTwoPhase(t *testing.T) {
	port := newScriptedPort()
	u := NewUart(context.Background(), port, nil)
	port.queue("OK\r\n")             // payload write ack
	port.queue("+QMTPUB: 0,0,0\r\n") // delayed published result, idle-terminated

	resp, err := u.WriteRawWithResponse(context.Background(), []byte("payload"), "+QMTPUB", time.Second, time.Second)
	if err != nil {
		t.Fatalf("WriteRawWithResponse: %v", err)
	}
	values, ok := resp.Values(nil)
	if !ok {
		t.Fatal("expected a +QMTPUB value match")
	}
	if want := []string{"0", "0", "0"}; !reflect.DeepEqual(values, want) {
		t.Fatalf("values = %v, want %v", values, want)
	}
	if len(port.written) != 1 || string(port.written[0]) != "payload" {
		t.Fatalf("written = %v, want [payload]", port.written)
	}

	close(port.responses)
	u.Close()
}
