package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yaroc-project/yaroc-node/internal/logging"
)

// Prometheus counters
var (
	PunchesDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "punches_decoded_total",
		Help: "Total SportIdent punch frames decoded off the SI-UART.",
	})
	PunchesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "punches_dropped_total",
		Help: "Total punch frames dropped by the SI-UART reader's garbage-advance heuristic.",
	})
	PunchesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "punches_published_total",
		Help: "Total punches confirmed published by the backoff engine.",
	})
	PunchesQueueFull = promauto.NewCounter(prometheus.CounterOpts{
		Name: "punches_queue_full_total",
		Help: "Total punches dropped because the backoff engine's slot table was full.",
	})
	SlotsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backoff_slots_in_flight",
		Help: "Number of backoff delivery slots currently allocated.",
	})
	DeliveryAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "delivery_attempts_total",
		Help: "Total MQTT publish attempts made by delivery tasks, across all retries.",
	})
	AtCommands = promauto.NewCounter(prometheus.CounterOpts{
		Name: "at_commands_total",
		Help: "Total AT commands issued by the orchestrator's system-info polling (time, battery, signal, cell id).",
	})
	AtTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "at_timeouts_total",
		Help: "Total AT commands that did not receive a terminal response in time.",
	})
	MqttReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_reconnects_total",
		Help: "Total MQTT session reconnect attempts driven by the orchestrator.",
	})
	MqttDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_disconnects_total",
		Help: "Total unsolicited +QMTSTAT disconnect notifications observed.",
	})
	MiniCallHomeSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mini_call_home_sent_total",
		Help: "Total mini call home status reports published.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by taxonomy code.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// StartHTTP serves Prometheus metrics at /metrics and a /ready probe.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters, cheap to read without hitting the Prometheus
// registry (used by a future status command / log line).
var (
	localPunchesDecoded   uint64
	localPunchesDropped   uint64
	localPunchesPublished uint64
	localPunchesQueueFull uint64
	localAtCommands       uint64
	localAtTimeouts       uint64
	localMqttReconnects   uint64
	localMqttDisconnects  uint64
	localErrors           uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	PunchesDecoded   uint64
	PunchesDropped   uint64
	PunchesPublished uint64
	PunchesQueueFull uint64
	AtCommands       uint64
	AtTimeouts       uint64
	MqttReconnects   uint64
	MqttDisconnects  uint64
	Errors           uint64
}

func Snap() Snapshot {
	return Snapshot{
		PunchesDecoded:   atomic.LoadUint64(&localPunchesDecoded),
		PunchesDropped:   atomic.LoadUint64(&localPunchesDropped),
		PunchesPublished: atomic.LoadUint64(&localPunchesPublished),
		PunchesQueueFull: atomic.LoadUint64(&localPunchesQueueFull),
		AtCommands:       atomic.LoadUint64(&localAtCommands),
		AtTimeouts:       atomic.LoadUint64(&localAtTimeouts),
		MqttReconnects:   atomic.LoadUint64(&localMqttReconnects),
		MqttDisconnects:  atomic.LoadUint64(&localMqttDisconnects),
		Errors:           atomic.LoadUint64(&localErrors),
	}
}

func IncPunchesDecoded() {
	PunchesDecoded.Inc()
	atomic.AddUint64(&localPunchesDecoded, 1)
}

func IncPunchesDropped() {
	PunchesDropped.Inc()
	atomic.AddUint64(&localPunchesDropped, 1)
}

func IncPunchesPublished() {
	PunchesPublished.Inc()
	atomic.AddUint64(&localPunchesPublished, 1)
}

func IncPunchesQueueFull() {
	PunchesQueueFull.Inc()
	atomic.AddUint64(&localPunchesQueueFull, 1)
}

func SetSlotsInFlight(n int) { SlotsInFlight.Set(float64(n)) }

func IncDeliveryAttempt() { DeliveryAttempts.Inc() }

func IncAtCommand() {
	AtCommands.Inc()
	atomic.AddUint64(&localAtCommands, 1)
}

func IncAtTimeout() {
	AtTimeouts.Inc()
	atomic.AddUint64(&localAtTimeouts, 1)
}

func IncMqttReconnect() {
	MqttReconnects.Inc()
	atomic.AddUint64(&localMqttReconnects, 1)
}

func IncMqttDisconnect() {
	MqttDisconnects.Inc()
	atomic.AddUint64(&localMqttDisconnects, 1)
}

func IncMiniCallHomeSent() { MiniCallHomeSent.Inc() }

// IncError increments the error counter for a taxonomy label (see
// internal/yarocerr.Code).
func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (call once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }
