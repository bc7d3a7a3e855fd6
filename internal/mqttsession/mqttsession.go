// Package mqttsession drives the BG77's built-in MQTT client (+QMTOPEN,
// +QMTCONN, +QMTPUB, +QMTCLOSE, +QMTCFG, and the +QMTSTAT/+QMTPUB URCs)
// through a small explicit state machine, the way the teacher's
// internal/server ties a sequence of handshake/read/write steps to a
// single connection's lifecycle.
package mqttsession

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/yaroc-project/yaroc-node/internal/at"
	"github.com/yaroc-project/yaroc-node/internal/yarocerr"
)

// ModemClient is the subset of *modem.Modem this session needs; accepting
// it as an interface lets tests drive the session against a fake modem
// the way bg77/mqtt.rs's tests drive it against FakeModem.
type ModemClient interface {
	Call(ctx context.Context, command string, timeout time.Duration) (at.AtResponse, error)
	CallWithResponse(ctx context.Context, command string, timeout time.Duration) (at.AtResponse, error)
	LongCall(ctx context.Context, command string, timeout time.Duration) (at.AtResponse, error)
	WriteRaw(ctx context.Context, payload []byte, prefix string, timeout time.Duration) (at.AtResponse, error)
	WriteRawWithResponse(ctx context.Context, payload []byte, prefix string, timeout time.Duration) (at.AtResponse, error)
}

// State is the MQTT session's lifecycle state.
type State int

const (
	Disconnected State = iota
	Opening
	Opened
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Opening:
		return "opening"
	case Opened:
		return "opened"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// clientID is the BG77 MQTT client index this session always uses; the
// modem supports several but this node only ever opens one.
const clientID = 0

// activationTimeout bounds the wait for +QMTOPEN='s delayed result line,
// matching the original firmware's ACTIVATION_TIMEOUT.
const activationTimeout = 150 * time.Second

// mqttExtraTimeout pads the packet timeout when waiting for +QMTCONN='s
// delayed result, matching the original's MQTT_EXTRA_TIMEOUT.
const mqttExtraTimeout = 300 * time.Millisecond

// Config holds everything Open/Connect/SendMessage need to know about the
// broker and this node's identity on it.
type Config struct {
	URL                string
	Port               int
	Username, Password string
	PacketTimeout      time.Duration
	Name               string
	MacAddress         string
}

// DefaultConfig mirrors MqttConfig::default from the original firmware:
// a public test broker, no credentials, a 35s packet timeout.
func DefaultConfig() Config {
	return Config{
		URL:           "broker.emqx.io",
		Port:          1883,
		PacketTimeout: 35 * time.Second,
	}
}

// StatusCode is the outcome the modem reports for a publish, either
// synchronously (QoS 0) or via a later +QMTPUB URC (QoS 1).
type StatusCode int

const (
	StatusUnknown StatusCode = iota
	StatusPublished
	StatusRetrying
	StatusTimeout
	StatusMqttError
)

// MqttStatus pairs a publish outcome with the message id it belongs to.
type MqttStatus struct {
	MsgID   uint16
	Code    StatusCode
	Retries uint8
}

// statusFromQmtpub maps the BG77's +QMTPUB status byte (0/1/2/other) to a
// StatusCode.
func statusFromQmtpub(msgID uint16, status int, retries uint8) MqttStatus {
	switch status {
	case 0:
		return MqttStatus{MsgID: msgID, Code: StatusPublished}
	case 1:
		return MqttStatus{MsgID: msgID, Code: StatusRetrying, Retries: retries}
	case 2:
		return MqttStatus{MsgID: msgID, Code: StatusTimeout}
	default:
		return MqttStatus{MsgID: msgID, Code: StatusUnknown}
	}
}

func mqttError(msgID uint16) MqttStatus { return MqttStatus{MsgID: msgID, Code: StatusMqttError} }

// StatusSink receives every MqttStatus this session produces for a QoS 1
// publish, forwarded asynchronously from the +QMTPUB URC, plus the two
// connection-lifecycle edges that release or restart a sleeping delivery
// task's backoff wait. It is the backoff engine's command channel in
// production.
type StatusSink interface {
	Status(MqttStatus)
	MqttConnected()
	MqttDisconnected()
}

// ReconnectRequester is notified when the session needs the orchestrator
// to drive a reconnect, e.g. after an unsolicited +QMTSTAT disconnect.
type ReconnectRequester interface {
	RequestReconnect(force bool)
}

// Session drives one MQTT client slot on the modem.
//
// lastSuccessfulSend is the "published at time T" latch from the
// original design: single-producer (this session, on every confirmed
// publish whether synchronous QoS 0 or URC-delivered QoS 1),
// single-consumer (Connect's forced-reattach check).
type Session struct {
	modem  ModemClient
	cfg    Config
	sink   StatusSink
	reconn ReconnectRequester

	mu                 sync.Mutex
	state              State
	lastSuccessfulSend time.Time
}

// New constructs a session bound to modem m. sink and reconn may be
// attached later via AttachSink/AttachReconnectRequester if not yet
// available at construction time.
func New(m ModemClient, cfg Config) *Session {
	return &Session{modem: m, cfg: cfg, state: Disconnected}
}

func (s *Session) AttachSink(sink StatusSink)                    { s.sink = sink }
func (s *Session) AttachReconnectRequester(r ReconnectRequester) { s.reconn = r }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// HandleURC matches against at.CommandResponse-shaped values directly,
// decoupled from the at package so mqttsession's own tests can drive it
// with plain string slices.
func (s *Session) HandleURC(command string, values []string) bool {
	switch command {
	case "QMTSTAT":
		if s.sink != nil {
			s.sink.MqttDisconnected()
		}
		if s.reconn != nil {
			s.reconn.RequestReconnect(true)
		}
		return true
	case "QMTPUB":
		s.handleQmtpubURC(values)
		return true
	}
	return false
}

func (s *Session) handleQmtpubURC(values []string) {
	if len(values) < 3 {
		return
	}
	msgID, err := strconv.Atoi(values[1])
	if err != nil || msgID <= 0 {
		return
	}
	statusCode, err := strconv.Atoi(values[2])
	if err != nil {
		return
	}
	var retries uint8
	if statusCode == 1 && len(values) > 3 {
		if r, err := strconv.Atoi(values[3]); err == nil {
			retries = uint8(r)
		}
	}
	status := statusFromQmtpub(uint16(msgID), statusCode, retries)
	if status.Code == StatusPublished {
		s.markPublished()
	}
	if s.sink != nil {
		s.sink.Status(status)
	}
}

// markPublished advances the "published at time T" latch. Writes are
// monotonic by construction: time.Now() only moves forward.
func (s *Session) markPublished() {
	s.mu.Lock()
	s.lastSuccessfulSend = time.Now()
	s.mu.Unlock()
}

// Open issues +QMTOPEN if not already opened against this broker, the
// way bg77/mqtt.rs's open() first queries +QMTOPEN? and no-ops when the
// URL and port already match.
func (s *Session) Open(ctx context.Context) error {
	s.setState(Opening)
	resp, err := s.modem.CallWithResponse(ctx, "AT+QMTOPEN?", 2*time.Second)
	if err == nil {
		if values, ok := resp.Values(nil); ok && len(values) >= 3 {
			url := trimQuotes(values[1])
			port, _ := strconv.Atoi(values[2])
			if url == s.cfg.URL && port == s.cfg.Port {
				s.setState(Opened)
				return nil
			}
			if url != "" {
				_ = s.disconnectLocked(ctx)
			}
		}
	}

	timeoutCmd := fmt.Sprintf(`AT+QMTCFG="timeout",%d,%d`, clientID, int(s.cfg.PacketTimeout/time.Second))
	if _, err := s.modem.Call(ctx, timeoutCmd, time.Second); err != nil {
		return err
	}
	keepalive := int(2 * s.cfg.PacketTimeout / time.Second)
	keepaliveCmd := fmt.Sprintf(`AT+QMTCFG="keepalive",%d,%d`, clientID, keepalive)
	if _, err := s.modem.Call(ctx, keepaliveCmd, time.Second); err != nil {
		return err
	}

	openCmd := fmt.Sprintf(`AT+QMTOPEN=%d,"%s",%d`, clientID, s.cfg.URL, s.cfg.Port)
	resp, err = s.modem.LongCall(ctx, openCmd, activationTimeout)
	if err != nil {
		return err
	}
	values, ok := resp.Values(at.FilterByFirst(strconv.Itoa(clientID)))
	if !ok || len(values) < 2 {
		return fmt.Errorf("%w: no +QMTOPEN result", yarocerr.ErrModem)
	}
	status, err := strconv.Atoi(values[1])
	if err != nil {
		return fmt.Errorf("%w: bad +QMTOPEN status %q", yarocerr.ErrModem, values[1])
	}
	if status != 0 {
		return fmt.Errorf("%w: +QMTOPEN status %d", yarocerr.ErrMqtt, status)
	}
	s.setState(Opened)
	return nil
}

// Connect brings the session to Connected, reattaching from scratch if
// too long has elapsed since the last successful send (the modem's own
// MQTT stack can wedge after extended silence on some networks).
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	forceReattach := !s.lastSuccessfulSend.IsZero() &&
		time.Since(s.lastSuccessfulSend) > 4*s.cfg.PacketTimeout
	s.mu.Unlock()
	if forceReattach {
		_ = s.Disconnect(ctx)
	}

	s.setState(Connecting)
	if err := s.Open(ctx); err != nil {
		s.setState(Disconnected)
		return err
	}

	resp, err := s.modem.CallWithResponse(ctx, "AT+QMTCONN?", 2*time.Second)
	if err != nil {
		s.setState(Disconnected)
		return err
	}
	values, ok := resp.Values(nil)
	if !ok || len(values) < 2 {
		s.setState(Disconnected)
		return fmt.Errorf("%w: no +QMTCONN? status", yarocerr.ErrModem)
	}
	connState, err := strconv.Atoi(values[1])
	if err != nil {
		s.setState(Disconnected)
		return fmt.Errorf("%w: bad +QMTCONN? status %q", yarocerr.ErrModem, values[1])
	}

	switch connState {
	case 1: // MQTT initialized but not connected; issue the connect command
		connectCmd := fmt.Sprintf(`AT+QMTCONN=%d,"%s","%s","%s"`, clientID, s.cfg.Name, s.cfg.Username, s.cfg.Password)
		connResp, err := s.modem.LongCall(ctx, connectCmd, s.cfg.PacketTimeout+mqttExtraTimeout)
		if err != nil {
			s.setState(Disconnected)
			return err
		}
		connValues, ok := connResp.Values(at.FilterByFirst(strconv.Itoa(clientID)))
		if !ok || len(connValues) < 3 {
			s.setState(Disconnected)
			return fmt.Errorf("%w: no +QMTCONN result", yarocerr.ErrModem)
		}
		res, errRes := strconv.Atoi(connValues[1])
		reason, errReason := strconv.Atoi(connValues[2])
		if errRes != nil || errReason != nil {
			s.setState(Disconnected)
			return fmt.Errorf("%w: bad +QMTCONN result %v", yarocerr.ErrModem, connValues)
		}
		if res != 0 || reason != 0 {
			s.setState(Disconnected)
			return fmt.Errorf("%w: +QMTCONN res=%d reason=%d", yarocerr.ErrMqtt, res, reason)
		}
		// Only a fresh, successful connect releases a sleeping delivery
		// task's backoff wait; an already-connected or in-progress state
		// below isn't a new connection event.
		if s.sink != nil {
			s.sink.MqttConnected()
		}
	case 2, 4: // transient connecting/reconnecting state, treat as success
	case 3: // already connected
	default:
		s.setState(Disconnected)
		return fmt.Errorf("%w: unexpected +QMTCONN? state %d", yarocerr.ErrModem, connState)
	}

	s.setState(Connected)
	return nil
}

func (s *Session) disconnectLocked(ctx context.Context) error {
	cmd := fmt.Sprintf("AT+QMTCLOSE=%d", clientID)
	_, err := s.modem.Call(ctx, cmd, 5*time.Second)
	return err
}

// Disconnect issues +QMTCLOSE and returns the session to Disconnected
// regardless of the command's outcome, matching the fire-and-forget
// teardown used before a forced reattach.
func (s *Session) Disconnect(ctx context.Context) error {
	s.setState(Disconnecting)
	err := s.disconnectLocked(ctx)
	s.setState(Disconnected)
	return err
}

// SendMessage publishes payload to "yar/<mac>/<topic>". QoS 0 blocks for
// the synchronous +QMTPUB reply and returns its mapped status; QoS 1
// returns as soon as the command is accepted, with the final status
// arriving later through the sink via the +QMTPUB URC.
func (s *Session) SendMessage(ctx context.Context, topic string, payload []byte, qos int, msgID uint16) (MqttStatus, error) {
	fullTopic := fmt.Sprintf("yar/%s/%s", s.cfg.MacAddress, topic)
	cmd := fmt.Sprintf(`AT+QMTPUB=%d,%d,%d,0,"%s",%d`, clientID, msgID, qos, fullTopic, len(payload))

	// +QMTPUB leaves a "> " prompt open before it accepts the payload
	// bytes; Exec's terminal-frame detection treats that prompt as an Ok.
	if _, err := s.modem.Call(ctx, cmd, 5*time.Second); err != nil {
		return mqttError(msgID), err
	}

	if qos != 0 {
		if _, err := s.modem.WriteRaw(ctx, payload, "+QMTPUB", s.cfg.PacketTimeout); err != nil {
			return mqttError(msgID), err
		}
		return MqttStatus{MsgID: msgID, Code: StatusUnknown}, nil
	}

	// QoS 0's +QMTPUB result only arrives in a delayed burst after the
	// payload write is acked, the same two-phase shape as +QMTOPEN=/+QMTCONN=.
	resp, err := s.modem.WriteRawWithResponse(ctx, payload, "+QMTPUB", s.cfg.PacketTimeout)
	if err != nil {
		return mqttError(msgID), err
	}

	values, ok := resp.Values(nil)
	if !ok || len(values) < 3 {
		return mqttError(msgID), fmt.Errorf("%w: no +QMTPUB reply", yarocerr.ErrModem)
	}
	id, _ := strconv.Atoi(values[1])
	statusCode, _ := strconv.Atoi(values[2])
	status := statusFromQmtpub(uint16(id), statusCode, 0)
	switch status.Code {
	case StatusPublished:
		s.markPublished()
		return status, nil
	case StatusTimeout:
		return status, fmt.Errorf("%w: publish", yarocerr.ErrTimeout)
	default:
		return status, fmt.Errorf("%w: publish status %d", yarocerr.ErrMqtt, statusCode)
	}
}

func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
