// Package serialport abstracts tarm/serial behind a minimal interface so
// both the SI-UART reader and the AT transport can be driven by fakes in
// tests, the way the teacher's internal/serial/port.go does for its single
// CAN UART peripheral.
package serialport

import (
	"time"

	"github.com/tarm/serial"
)

// Port is the minimal surface both UART consumers need.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Open opens a real UART device at the given baud rate. readTimeout bounds
// a single Read call, the same "read until idle or timeout" contract the
// SI-UART reader and the AT broker are both written against.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}
