package config

import (
	"testing"
	"time"
)

func baseConfig() *Config {
	return &Config{
		BrokerURL:            "broker.emqx.io",
		BrokerPort:           1883,
		MacAddress:           "deadbeef0001",
		PacketTimeout:        35 * time.Second,
		SlotCount:            8,
		InitialBackoff:       500 * time.Millisecond,
		SiDevice:             "/dev/ttyUSB0",
		ModemDevice:          "/dev/ttyUSB1",
		MiniCallHomeInterval: 30 * time.Second,
		TimeResyncInterval:   30 * time.Minute,
		BatteryPollInterval:  2 * time.Minute,
		LogFormat:            "text",
		LogLevel:             "info",
	}
}

func TestConfigValidateOK(t *testing.T) {
	if err := baseConfig().validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"badLogFormat", func(c *Config) { c.LogFormat = "xx" }},
		{"badLogLevel", func(c *Config) { c.LogLevel = "nope" }},
		{"emptyBrokerURL", func(c *Config) { c.BrokerURL = "" }},
		{"badBrokerPort", func(c *Config) { c.BrokerPort = 0 }},
		{"emptyMac", func(c *Config) { c.MacAddress = "" }},
		{"badPacketTimeout", func(c *Config) { c.PacketTimeout = 0 }},
		{"badSlotCount", func(c *Config) { c.SlotCount = 0 }},
		{"badInitialBackoff", func(c *Config) { c.InitialBackoff = 0 }},
		{"emptySiDevice", func(c *Config) { c.SiDevice = "" }},
		{"emptyModemDevice", func(c *Config) { c.ModemDevice = "" }},
		{"badMchInterval", func(c *Config) { c.MiniCallHomeInterval = 0 }},
		{"badResyncInterval", func(c *Config) { c.TimeResyncInterval = 0 }},
		{"badBatteryInterval", func(c *Config) { c.BatteryPollInterval = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := baseConfig()
			tc.mod(c)
			if err := c.validate(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestKeepaliveIsTwicePacketTimeout(t *testing.T) {
	c := baseConfig()
	c.PacketTimeout = 10 * time.Second
	if got := c.Keepalive(); got != 20*time.Second {
		t.Fatalf("Keepalive() = %v, want 20s", got)
	}
}
