package orchestrator

import (
	"context"
	"time"

	"github.com/yaroc-project/yaroc-node/internal/logging"
	"github.com/yaroc-project/yaroc-node/internal/metrics"
	"github.com/yaroc-project/yaroc-node/internal/mqttsession"
	"github.com/yaroc-project/yaroc-node/internal/pb"
	"github.com/yaroc-project/yaroc-node/internal/sipunch"
)

// Config parameterizes the orchestrator's three tickers and its
// reconnect debounce window. Zero values fall back to DefaultConfig.
type Config struct {
	MiniCallHomeInterval time.Duration
	TimeResyncInterval   time.Duration
	BatteryPollInterval  time.Duration
	ReconnectDebounce    time.Duration
	StatusTopic          string
}

// DefaultConfig mirrors the original firmware's cadences: a mini call
// home roughly every 30s, a full modem time resync every 30 minutes,
// and a battery poll every 2 minutes.
func DefaultConfig() Config {
	return Config{
		MiniCallHomeInterval: 30 * time.Second,
		TimeResyncInterval:   30 * time.Minute,
		BatteryPollInterval:  2 * time.Minute,
		ReconnectDebounce:    30 * time.Second,
		StatusTopic:          "status",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MiniCallHomeInterval <= 0 {
		c.MiniCallHomeInterval = d.MiniCallHomeInterval
	}
	if c.TimeResyncInterval <= 0 {
		c.TimeResyncInterval = d.TimeResyncInterval
	}
	if c.BatteryPollInterval <= 0 {
		c.BatteryPollInterval = d.BatteryPollInterval
	}
	if c.ReconnectDebounce <= 0 {
		c.ReconnectDebounce = d.ReconnectDebounce
	}
	if c.StatusTopic == "" {
		c.StatusTopic = d.StatusTopic
	}
	return c
}

// Connector is the subset of *mqttsession.Session needed to (re)connect.
type Connector interface {
	Connect(ctx context.Context) error
}

// StatusSender is the subset of *mqttsession.Session needed to publish a
// mini call home report.
type StatusSender interface {
	SendMessage(ctx context.Context, topic string, payload []byte, qos int, msgID uint16) (mqttsession.MqttStatus, error)
}

// PunchPublisher is the subset of *backoff.Engine needed to hand off a
// decoded punch for reliable delivery.
type PunchPublisher interface {
	TryPublishPunch(punch sipunch.RawPunch, externalID uint32) bool
}

// TemperatureReader reports the node's own CPU temperature, included in
// mini call home reports when available.
type TemperatureReader interface {
	CPUTemperature() (float32, error)
}

type eventKind int

const (
	eventMqttConnect eventKind = iota
)

type event struct {
	kind  eventKind
	force bool
}

// eventChannelCapacity bounds the event channel; RequestReconnect uses a
// non-blocking send against it, matching send_punch.rs's EVENT_CHANNEL.
const eventChannelCapacity = 10

// Orchestrator owns the node's periodic telemetry, modem clock and
// battery state, and the one event loop allowed to trigger a reconnect.
// The loop shape mirrors cmd/can-server/metrics_logger.go's
// ticker-plus-select run loop.
type Orchestrator struct {
	modem     mqttsession.ModemClient
	connector Connector
	sender    StatusSender
	engine    PunchPublisher
	temp      TemperatureReader
	punches   <-chan sipunch.RawPunch
	cfg       Config
	sysinfo   *SystemInfo

	eventCh chan event

	battery       batteryReading
	lastReconnect time.Time
	externalIDSeq uint32
}

// New builds an Orchestrator. temp may be nil, in which case mini call
// home reports omit CPU temperature.
func New(modem mqttsession.ModemClient, connector Connector, sender StatusSender, engine PunchPublisher, temp TemperatureReader, punches <-chan sipunch.RawPunch, cfg Config) *Orchestrator {
	return &Orchestrator{
		modem:     modem,
		connector: connector,
		sender:    sender,
		engine:    engine,
		temp:      temp,
		punches:   punches,
		cfg:       cfg.withDefaults(),
		sysinfo:   NewSystemInfo(),
		eventCh:   make(chan event, eventChannelCapacity),
	}
}

// RequestReconnect implements mqttsession.ReconnectRequester: a URC
// handler calls this to ask the event loop to reconnect, without
// blocking the URC dispatch path.
func (o *Orchestrator) RequestReconnect(force bool) {
	select {
	case o.eventCh <- event{kind: eventMqttConnect, force: force}:
	default:
		logging.L().Warn("orchestrator_event_channel_full", "command", "mqtt_connect")
	}
}

// Run drives the event loop until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) {
	mchTicker := time.NewTicker(o.cfg.MiniCallHomeInterval)
	defer mchTicker.Stop()
	resyncTicker := time.NewTicker(o.cfg.TimeResyncInterval)
	defer resyncTicker.Stop()
	batteryTicker := time.NewTicker(o.cfg.BatteryPollInterval)
	defer batteryTicker.Stop()

	punches := o.punches
	for {
		select {
		case <-ctx.Done():
			return
		case <-mchTicker.C:
			o.handleMiniCallHome(ctx)
		case <-resyncTicker.C:
			o.handleSynchronizeTime(ctx)
		case <-batteryTicker.C:
			o.handleBatteryUpdate(ctx)
		case ev := <-o.eventCh:
			o.handleEvent(ctx, ev)
		case punch, ok := <-punches:
			if !ok {
				punches = nil
				continue
			}
			o.handlePunch(punch)
		}
	}
}

func (o *Orchestrator) handlePunch(punch sipunch.RawPunch) {
	o.externalIDSeq++
	if !o.engine.TryPublishPunch(punch, o.externalIDSeq) {
		logging.L().Warn("orchestrator_command_channel_full", "external_id", o.externalIDSeq)
	}
}

func (o *Orchestrator) handleEvent(ctx context.Context, ev event) {
	switch ev.kind {
	case eventMqttConnect:
		o.executeReconnect(ctx, ev.force)
	}
}

// executeReconnect applies the 30s debounce: a non-forced request this
// soon after the last reconnect is dropped, matching execute_command's
// last_reconnect check in send_punch.rs.
func (o *Orchestrator) executeReconnect(ctx context.Context, force bool) {
	if !force && !o.lastReconnect.IsZero() && time.Since(o.lastReconnect) < o.cfg.ReconnectDebounce {
		return
	}
	o.lastReconnect = time.Now()
	metrics.IncMqttReconnect()
	if err := o.connector.Connect(ctx); err != nil {
		logging.L().Error("mqtt_reconnect_failed", "error", err)
	}
}

func (o *Orchestrator) handleSynchronizeTime(ctx context.Context) {
	t, err := o.sysinfo.CurrentTime(ctx, o.modem, false)
	if err != nil {
		logging.L().Warn("time_resync_failed", "error", err)
		return
	}
	logging.L().Info("time_resync", "modem_time", t)
}

func (o *Orchestrator) handleBatteryUpdate(ctx context.Context) {
	reading, err := fetchBattery(ctx, o.modem)
	if err != nil {
		logging.L().Warn("battery_update_failed", "error", err)
		return
	}
	o.battery = reading
}

// handleMiniCallHome gathers and publishes a telemetry report. A send
// failure enqueues a non-forced reconnect rather than retrying the send
// itself, matching send_punch.rs's MiniCallHome failure handling.
func (o *Orchestrator) handleMiniCallHome(ctx context.Context) {
	mch, err := o.buildMiniCallHome(ctx)
	if err != nil {
		logging.L().Warn("mini_call_home_build_failed", "error", err)
		o.RequestReconnect(false)
		return
	}
	payload := pb.Status{MiniCallHome: mch}.Encode()
	status, err := o.sender.SendMessage(ctx, o.cfg.StatusTopic, payload, 0, 0)
	if err != nil || status.Code != mqttsession.StatusPublished {
		logging.L().Warn("mini_call_home_send_failed", "error", err, "status", status.Code)
		o.RequestReconnect(false)
		return
	}
	metrics.IncMiniCallHomeSent()
}

func (o *Orchestrator) buildMiniCallHome(ctx context.Context) (*pb.MiniCallHome, error) {
	t, err := o.sysinfo.CurrentTime(ctx, o.modem, true)
	if err != nil {
		return nil, err
	}
	mch := &pb.MiniCallHome{
		Time:       &pb.Timestamp{MillisEpoch: uint64(t.UnixMilli())},
		Millivolts: o.battery.Millivolts,
	}
	if o.temp != nil {
		if cpuTemp, err := o.temp.CPUTemperature(); err == nil {
			mch.CPUTemperature = cpuTemp
		} else {
			logging.L().Debug("cpu_temperature_unavailable", "error", err)
		}
	}
	if sig, err := fetchSignalInfo(ctx, o.modem); err == nil {
		mch.SignalDbm = sig.RssiDbm
		mch.SignalSnrCb = sig.SnrCb
		mch.Cellid = sig.Cellid
		mch.NetworkType = sig.NetworkType
	} else {
		logging.L().Debug("signal_info_unavailable", "error", err)
	}
	return mch, nil
}
