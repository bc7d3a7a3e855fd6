// Package yarocerr defines the closed taxonomy of sentinel errors shared
// by every layer of the send pipeline, mirroring the way the teacher's
// internal/server/errors.go wraps a small fixed set of sentinels with
// fmt.Errorf("%w: ...") so callers can classify failures with errors.Is
// without string matching.
package yarocerr

import "errors"

// Sentinel errors. Wrap with fmt.Errorf("%w: detail", Err...) at the
// point of origin; never construct a new, unlisted error value for a
// failure that fits one of these.
var (
	ErrBufferTooSmall      = errors.New("buffer too small")
	ErrFormat              = errors.New("format")
	ErrParse               = errors.New("parse")
	ErrValue               = errors.New("value")
	ErrFlash               = errors.New("flash")
	ErrModem               = errors.New("modem")
	ErrAtErrorResponse     = errors.New("at error response")
	ErrUartRead            = errors.New("uart read")
	ErrUartWrite           = errors.New("uart write")
	ErrUartClosed          = errors.New("uart closed")
	ErrTimeout             = errors.New("timeout")
	ErrStringEncoding      = errors.New("string encoding")
	ErrNetworkRegistration = errors.New("network registration")
	ErrMqtt                = errors.New("mqtt")
	ErrSemaphore           = errors.New("semaphore")
	ErrQueueFull           = errors.New("queue full")
)

// MqttError carries the modem's numeric MQTT failure reason alongside
// the ErrMqtt sentinel so callers can both errors.Is(err, ErrMqtt) and
// recover the code via errors.As.
type MqttError struct {
	Code int8
}

func (e *MqttError) Error() string { return ErrMqtt.Error() }

func (e *MqttError) Unwrap() error { return ErrMqtt }

// Code identifies a taxonomy member for metrics labelling, mirroring
// mapErrToMetric in the teacher's internal/server/errors.go.
type Code string

const (
	CodeBufferTooSmall      Code = "buffer_too_small"
	CodeFormat              Code = "format"
	CodeParse               Code = "parse"
	CodeValue               Code = "value"
	CodeFlash               Code = "flash"
	CodeModem               Code = "modem"
	CodeAtErrorResponse     Code = "at_error_response"
	CodeUartRead            Code = "uart_read"
	CodeUartWrite           Code = "uart_write"
	CodeUartClosed          Code = "uart_closed"
	CodeTimeout             Code = "timeout"
	CodeStringEncoding      Code = "string_encoding"
	CodeNetworkRegistration Code = "network_registration"
	CodeMqtt                Code = "mqtt"
	CodeSemaphore           Code = "semaphore"
	CodeQueueFull           Code = "queue_full"
	CodeOther               Code = "other"
)

// Classify maps a wrapped sentinel error to its metrics label.
func Classify(err error) Code {
	switch {
	case errors.Is(err, ErrBufferTooSmall):
		return CodeBufferTooSmall
	case errors.Is(err, ErrFormat):
		return CodeFormat
	case errors.Is(err, ErrParse):
		return CodeParse
	case errors.Is(err, ErrValue):
		return CodeValue
	case errors.Is(err, ErrFlash):
		return CodeFlash
	case errors.Is(err, ErrAtErrorResponse):
		return CodeAtErrorResponse
	case errors.Is(err, ErrModem):
		return CodeModem
	case errors.Is(err, ErrUartRead):
		return CodeUartRead
	case errors.Is(err, ErrUartWrite):
		return CodeUartWrite
	case errors.Is(err, ErrUartClosed):
		return CodeUartClosed
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrStringEncoding):
		return CodeStringEncoding
	case errors.Is(err, ErrNetworkRegistration):
		return CodeNetworkRegistration
	case errors.Is(err, ErrMqtt):
		return CodeMqtt
	case errors.Is(err, ErrSemaphore):
		return CodeSemaphore
	case errors.Is(err, ErrQueueFull):
		return CodeQueueFull
	default:
		return CodeOther
	}
}
