// Package config parses the node's flag+env configuration surface, the
// same shape as the teacher's cmd/can-server/config.go: flags parsed
// first, a flag.Visit pass records which were explicitly set, then
// YAROC_* environment variables fill in anything left at its default.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the node's full configuration surface: the MQTT session
// fields from spec §6, the two serial device paths, and the
// orchestrator's three periodic cadences.
type Config struct {
	BrokerURL      string
	BrokerPort     int
	Username       string
	Password       string
	PacketTimeout  time.Duration
	Apn            string
	ClientName     string
	MacAddress     string
	SlotCount      int
	InitialBackoff time.Duration

	SiDevice    string
	ModemDevice string

	MiniCallHomeInterval time.Duration
	TimeResyncInterval   time.Duration
	BatteryPollInterval  time.Duration

	LogFormat   string
	LogLevel    string
	MetricsAddr string
}

// Keepalive is always twice the packet timeout, per spec §6; it is not
// a separately configurable field.
func (c *Config) Keepalive() time.Duration { return 2 * c.PacketTimeout }

// Parse parses command-line flags and applies environment overrides.
// showVersion reports whether -version was given, in which case the
// caller should print a version string and exit without validating cfg.
func Parse(args []string) (cfg *Config, showVersion bool, err error) {
	fs := flag.NewFlagSet("yaroc-node", flag.ContinueOnError)
	cfg = &Config{}

	brokerURL := fs.String("broker-url", "broker.emqx.io", "MQTT broker hostname")
	brokerPort := fs.Int("broker-port", 1883, "MQTT broker port")
	username := fs.String("username", "", "MQTT username")
	password := fs.String("password", "", "MQTT password")
	packetTimeout := fs.Duration("packet-timeout", 35*time.Second, "MQTT packet timeout")
	apn := fs.String("apn", "", "Cellular APN")
	clientName := fs.String("client-name", "", "MQTT client name suffix")
	macAddress := fs.String("mac", "", "Node MAC address (12 hex digits, used in MQTT topics)")
	slotCount := fs.Int("slots", 8, "Number of in-flight backoff delivery slots")
	initialBackoff := fs.Duration("initial-backoff", 500*time.Millisecond, "Initial retry backoff")
	siDevice := fs.String("si-device", "/dev/ttyUSB0", "SportIdent SI-UART device path")
	modemDevice := fs.String("modem-device", "/dev/ttyUSB1", "BG77 AT command device path")
	mchInterval := fs.Duration("mini-call-home-interval", 30*time.Second, "Mini call home publish interval")
	resyncInterval := fs.Duration("time-resync-interval", 30*time.Minute, "Modem clock resync interval")
	batteryInterval := fs.Duration("battery-poll-interval", 2*time.Minute, "Battery poll interval")
	logFormat := fs.String("log-format", "text", "Log format: text|json")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := fs.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	showVersionFlag := fs.Bool("version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}

	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.BrokerURL = *brokerURL
	cfg.BrokerPort = *brokerPort
	cfg.Username = *username
	cfg.Password = *password
	cfg.PacketTimeout = *packetTimeout
	cfg.Apn = *apn
	cfg.ClientName = *clientName
	cfg.MacAddress = *macAddress
	cfg.SlotCount = *slotCount
	cfg.InitialBackoff = *initialBackoff
	cfg.SiDevice = *siDevice
	cfg.ModemDevice = *modemDevice
	cfg.MiniCallHomeInterval = *mchInterval
	cfg.TimeResyncInterval = *resyncInterval
	cfg.BatteryPollInterval = *batteryInterval
	cfg.LogFormat = *logFormat
	cfg.LogLevel = *logLevel
	cfg.MetricsAddr = *metricsAddr

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		return nil, *showVersionFlag, err
	}
	if *showVersionFlag {
		return cfg, true, nil
	}
	if err := cfg.validate(); err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

func (c *Config) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.LogFormat)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.LogLevel)
	}
	if c.BrokerURL == "" {
		return errors.New("broker-url must not be empty")
	}
	if c.BrokerPort <= 0 {
		return fmt.Errorf("broker-port must be > 0 (got %d)", c.BrokerPort)
	}
	if c.MacAddress == "" {
		return errors.New("mac must not be empty")
	}
	if c.PacketTimeout <= 0 {
		return errors.New("packet-timeout must be > 0")
	}
	if c.SlotCount <= 0 {
		return fmt.Errorf("slots must be > 0 (got %d)", c.SlotCount)
	}
	if c.InitialBackoff <= 0 {
		return errors.New("initial-backoff must be > 0")
	}
	if c.SiDevice == "" {
		return errors.New("si-device must not be empty")
	}
	if c.ModemDevice == "" {
		return errors.New("modem-device must not be empty")
	}
	if c.MiniCallHomeInterval <= 0 {
		return errors.New("mini-call-home-interval must be > 0")
	}
	if c.TimeResyncInterval <= 0 {
		return errors.New("time-resync-interval must be > 0")
	}
	if c.BatteryPollInterval <= 0 {
		return errors.New("battery-poll-interval must be > 0")
	}
	return nil
}

// applyEnvOverrides maps YAROC_* environment variables onto cfg unless
// the corresponding flag was explicitly set (flags win). Numeric and
// duration parsing is lax: an unparseable value is reported but does
// not stop other overrides from applying.
func applyEnvOverrides(c *Config, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	reportErr := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	if _, ok := set["broker-url"]; !ok {
		if v, ok := get("YAROC_BROKER_URL"); ok && v != "" {
			c.BrokerURL = v
		}
	}
	if _, ok := set["broker-port"]; !ok {
		if v, ok := get("YAROC_BROKER_PORT"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.BrokerPort = n
			} else if err != nil {
				reportErr(fmt.Errorf("invalid YAROC_BROKER_PORT: %w", err))
			}
		}
	}
	if _, ok := set["username"]; !ok {
		if v, ok := get("YAROC_USERNAME"); ok {
			c.Username = v
		}
	}
	if _, ok := set["password"]; !ok {
		if v, ok := get("YAROC_PASSWORD"); ok {
			c.Password = v
		}
	}
	if _, ok := set["packet-timeout"]; !ok {
		if v, ok := get("YAROC_PACKET_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.PacketTimeout = d
			} else if err != nil {
				reportErr(fmt.Errorf("invalid YAROC_PACKET_TIMEOUT: %w", err))
			}
		}
	}
	if _, ok := set["apn"]; !ok {
		if v, ok := get("YAROC_APN"); ok {
			c.Apn = v
		}
	}
	if _, ok := set["client-name"]; !ok {
		if v, ok := get("YAROC_CLIENT_NAME"); ok {
			c.ClientName = v
		}
	}
	if _, ok := set["mac"]; !ok {
		if v, ok := get("YAROC_MAC"); ok && v != "" {
			c.MacAddress = v
		}
	}
	if _, ok := set["slots"]; !ok {
		if v, ok := get("YAROC_SLOTS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.SlotCount = n
			} else if err != nil {
				reportErr(fmt.Errorf("invalid YAROC_SLOTS: %w", err))
			}
		}
	}
	if _, ok := set["initial-backoff"]; !ok {
		if v, ok := get("YAROC_INITIAL_BACKOFF"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.InitialBackoff = d
			} else if err != nil {
				reportErr(fmt.Errorf("invalid YAROC_INITIAL_BACKOFF: %w", err))
			}
		}
	}
	if _, ok := set["si-device"]; !ok {
		if v, ok := get("YAROC_SI_DEVICE"); ok && v != "" {
			c.SiDevice = v
		}
	}
	if _, ok := set["modem-device"]; !ok {
		if v, ok := get("YAROC_MODEM_DEVICE"); ok && v != "" {
			c.ModemDevice = v
		}
	}
	if _, ok := set["mini-call-home-interval"]; !ok {
		if v, ok := get("YAROC_MINI_CALL_HOME_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.MiniCallHomeInterval = d
			} else if err != nil {
				reportErr(fmt.Errorf("invalid YAROC_MINI_CALL_HOME_INTERVAL: %w", err))
			}
		}
	}
	if _, ok := set["time-resync-interval"]; !ok {
		if v, ok := get("YAROC_TIME_RESYNC_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.TimeResyncInterval = d
			} else if err != nil {
				reportErr(fmt.Errorf("invalid YAROC_TIME_RESYNC_INTERVAL: %w", err))
			}
		}
	}
	if _, ok := set["battery-poll-interval"]; !ok {
		if v, ok := get("YAROC_BATTERY_POLL_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.BatteryPollInterval = d
			} else if err != nil {
				reportErr(fmt.Errorf("invalid YAROC_BATTERY_POLL_INTERVAL: %w", err))
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("YAROC_LOG_FORMAT"); ok && v != "" {
			c.LogFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("YAROC_LOG_LEVEL"); ok && v != "" {
			c.LogLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("YAROC_METRICS_ADDR"); ok {
			c.MetricsAddr = v
		}
	}
	return firstErr
}
