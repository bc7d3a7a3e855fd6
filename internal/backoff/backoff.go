// Package backoff owns per-punch delivery over MQTT: a fixed table of
// delivery slots, a single command channel serializing every mutation of
// that table, and one retrying delivery task per in-flight punch. The
// channel-plus-goroutine-per-unit-of-work shape mirrors the teacher's
// internal/transport/async_tx.go; the retry loop's cancellable-sleep
// style mirrors cmd/can-server/backend_serial.go's RX backoff, rebuilt
// here on top of github.com/cenkalti/backoff/v4 instead of a hand-rolled
// doubling counter.
package backoff

import (
	"context"
	"fmt"
	"sync"
	"time"

	cenkaltibackoff "github.com/cenkalti/backoff/v4"

	"github.com/yaroc-project/yaroc-node/internal/logging"
	"github.com/yaroc-project/yaroc-node/internal/metrics"
	"github.com/yaroc-project/yaroc-node/internal/mqttsession"
	"github.com/yaroc-project/yaroc-node/internal/pb"
	"github.com/yaroc-project/yaroc-node/internal/sipunch"
	"github.com/yaroc-project/yaroc-node/internal/yarocerr"
)

// punchTopic is the fixed MQTT topic suffix punches are published on,
// "yar/<mac>/p" once the session qualifies it.
const punchTopic = "p"

// Publisher is the subset of *mqttsession.Session a delivery task needs.
type Publisher interface {
	SendMessage(ctx context.Context, topic string, payload []byte, qos int, msgID uint16) (mqttsession.MqttStatus, error)
}

// Config parameterizes the slot table and retry schedule.
type Config struct {
	Slots          int
	InitialBackoff time.Duration
}

// DefaultConfig matches the original firmware's defaults: 8 in-flight
// slots, a 500ms initial backoff.
func DefaultConfig() Config {
	return Config{Slots: 8, InitialBackoff: 500 * time.Millisecond}
}

// waitBackoff sleeps d or returns early if cancel fires; a package var so
// tests can replace it with an instant, duration-recording stand-in the
// way cmd/can-server/backend_backoff_test.go overrides sleepFn.
var waitBackoff = func(d time.Duration, cancel <-chan struct{}) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-cancel:
	}
}

type cmdKind int

const (
	cmdPublishPunch cmdKind = iota
	cmdPunchPublished
	cmdMqttDisconnected
	cmdMqttConnected
	cmdStatus
)

type command struct {
	kind       cmdKind
	punch      sipunch.RawPunch
	externalID uint32
	slot       uint16
	status     mqttsession.MqttStatus
}

// cmdChannelCapacity bounds the command channel; URCs and the
// orchestrator use non-blocking sends against it, so a full channel
// means a log-and-drop, never a stall.
const cmdChannelCapacity = 16

type slot struct {
	active     bool
	externalID uint32
	latch      chan mqttsession.StatusCode
}

// Engine owns the slot table and the one goroutine allowed to mutate it.
// It implements mqttsession.StatusSink so a session can be wired
// straight to it via AttachSink.
type Engine struct {
	cfg       Config
	publisher Publisher
	cmdCh     chan command
	slots     []slot
	wg        sync.WaitGroup

	connMu  sync.Mutex
	connGen chan struct{}
}

// New builds an Engine with cfg.Slots delivery slots (1-indexed; slot 0
// is reserved and never allocated, matching the original firmware's
// table layout) publishing through publisher.
func New(publisher Publisher, cfg Config) *Engine {
	if cfg.Slots <= 0 {
		cfg.Slots = DefaultConfig().Slots
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig().InitialBackoff
	}
	slots := make([]slot, cfg.Slots+1)
	for i := range slots {
		slots[i].latch = make(chan mqttsession.StatusCode, 1)
	}
	return &Engine{
		cfg:       cfg,
		publisher: publisher,
		cmdCh:     make(chan command, cmdChannelCapacity),
		slots:     slots,
		connGen:   make(chan struct{}),
	}
}

// Run drives the command loop until ctx is done, then waits for every
// in-flight delivery task to exit.
func (e *Engine) Run(ctx context.Context) {
	defer e.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.cmdCh:
			e.handle(ctx, cmd)
		}
	}
}

func (e *Engine) handle(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdPublishPunch:
		e.allocateAndStart(ctx, cmd.punch, cmd.externalID)
	case cmdPunchPublished:
		e.freeSlot(cmd.slot)
	case cmdMqttDisconnected:
		metrics.IncMqttDisconnect()
		e.broadcastToActiveSlots(mqttsession.StatusMqttError)
	case cmdMqttConnected:
		e.releaseBackoffWaits()
	case cmdStatus:
		e.signalLatch(cmd.status.MsgID, cmd.status.Code)
	}
}

func (e *Engine) allocateAndStart(ctx context.Context, punch sipunch.RawPunch, externalID uint32) {
	idx := e.findFreeSlot()
	if idx == 0 {
		err := fmt.Errorf("%w: %d slots all occupied, dropping punch %d", yarocerr.ErrQueueFull, len(e.slots)-1, externalID)
		metrics.IncPunchesQueueFull()
		metrics.IncError(string(yarocerr.Classify(err)))
		logging.L().Warn("slot_table_full", "error", err)
		return
	}
	e.slots[idx].active = true
	e.slots[idx].externalID = externalID
	metrics.SetSlotsInFlight(e.countActive())
	e.wg.Add(1)
	go e.deliveryTask(ctx, uint16(idx), punch, externalID)
}

// findFreeSlot returns a slot index in [1, len(slots)-1], or 0 if none
// is free. Only the command loop goroutine calls this, so the slice's
// active flags need no lock.
func (e *Engine) findFreeSlot() int {
	for i := 1; i < len(e.slots); i++ {
		if !e.slots[i].active {
			return i
		}
	}
	return 0
}

func (e *Engine) freeSlot(idx uint16) {
	if int(idx) >= len(e.slots) {
		return
	}
	e.slots[idx].active = false
	metrics.SetSlotsInFlight(e.countActive())
}

func (e *Engine) countActive() int {
	n := 0
	for i := 1; i < len(e.slots); i++ {
		if e.slots[i].active {
			n++
		}
	}
	return n
}

// broadcastToActiveSlots signals code to every currently allocated
// slot's latch, used for MqttDisconnected -> MqttError fan-out.
func (e *Engine) broadcastToActiveSlots(code mqttsession.StatusCode) {
	for i := 1; i < len(e.slots); i++ {
		if e.slots[i].active {
			e.signalLatch(uint16(i), code)
		}
	}
}

func (e *Engine) signalLatch(slotIdx uint16, code mqttsession.StatusCode) {
	if int(slotIdx) >= len(e.slots) {
		return
	}
	ch := e.slots[slotIdx].latch
	for {
		select {
		case ch <- code:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

func (e *Engine) resetLatch(slotIdx uint16) {
	select {
	case <-e.slots[slotIdx].latch:
	default:
	}
}

// releaseBackoffWaits wakes every delivery task currently sleeping on a
// backoff wait so the next attempt proceeds immediately; tasks waiting
// on their status latch, or not sleeping at all, are unaffected.
func (e *Engine) releaseBackoffWaits() {
	e.connMu.Lock()
	close(e.connGen)
	e.connGen = make(chan struct{})
	e.connMu.Unlock()
}

func (e *Engine) connGenSnapshot() <-chan struct{} {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	return e.connGen
}

// deliveryTask runs the retry loop for one allocated slot until the
// punch is published or ctx is cancelled.
func (e *Engine) deliveryTask(ctx context.Context, slotIdx uint16, punch sipunch.RawPunch, externalID uint32) {
	defer e.wg.Done()
	payload := pb.Punches{Punches: []pb.Punch{{Raw: punch}}}.Encode()

	eb := cenkaltibackoff.NewExponentialBackOff()
	eb.InitialInterval = e.cfg.InitialBackoff
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()

attempt:
	for {
		e.resetLatch(slotIdx)
		metrics.IncDeliveryAttempt()
		if _, err := e.publisher.SendMessage(ctx, punchTopic, payload, 1, slotIdx); err != nil {
			logging.L().Warn("send_message_failed", "slot", slotIdx, "error", err, "code", yarocerr.Classify(err))
			e.signalLatch(slotIdx, mqttsession.StatusMqttError)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case code := <-e.slots[slotIdx].latch:
				switch code {
				case mqttsession.StatusPublished:
					metrics.IncPunchesPublished()
					select {
					case e.cmdCh <- command{kind: cmdPunchPublished, externalID: externalID, slot: slotIdx}:
					case <-ctx.Done():
					}
					return
				case mqttsession.StatusRetrying:
					logging.L().Debug("delivery_retrying", "slot", slotIdx, "external_id", externalID)
					continue
				case mqttsession.StatusUnknown:
					logging.L().Debug("delivery_unknown_status", "slot", slotIdx, "external_id", externalID)
					continue attempt
				default: // Timeout, MqttError
					gen := e.connGenSnapshot()
					d := eb.NextBackOff()
					waitBackoff(d, gen)
					continue attempt
				}
			}
		}
	}
}

// TryPublishPunch allocates a slot for punch and starts delivering it.
// Non-blocking: returns false (caller should log and drop) if the
// command channel itself is saturated, which only happens under
// pathological load since the channel has ample capacity.
func (e *Engine) TryPublishPunch(punch sipunch.RawPunch, externalID uint32) bool {
	select {
	case e.cmdCh <- command{kind: cmdPublishPunch, punch: punch, externalID: externalID}:
		return true
	default:
		return false
	}
}

// MqttConnected notifies the engine that the session just connected,
// releasing any delivery task currently sleeping on a backoff wait.
func (e *Engine) MqttConnected() {
	select {
	case e.cmdCh <- command{kind: cmdMqttConnected}:
	default:
		logging.L().Warn("backoff_command_channel_full", "command", "mqtt_connected")
	}
}

// MqttDisconnected implements mqttsession.StatusSink: every in-flight
// slot's latch observes an MqttError.
func (e *Engine) MqttDisconnected() {
	select {
	case e.cmdCh <- command{kind: cmdMqttDisconnected}:
	default:
		logging.L().Warn("backoff_command_channel_full", "command", "mqtt_disconnected")
	}
}

// Status implements mqttsession.StatusSink: forwards a URC-delivered
// publish outcome to its slot's latch.
func (e *Engine) Status(status mqttsession.MqttStatus) {
	select {
	case e.cmdCh <- command{kind: cmdStatus, status: status}:
	default:
		logging.L().Warn("backoff_command_channel_full", "command", "status", "msg_id", status.MsgID)
	}
}

// SlotCount reports the number of allocatable slots (excluding the
// reserved slot 0), used by tests and diagnostics.
func (e *Engine) SlotCount() int { return len(e.slots) - 1 }
