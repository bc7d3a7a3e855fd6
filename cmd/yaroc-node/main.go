package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yaroc-project/yaroc-node/internal/at"
	"github.com/yaroc-project/yaroc-node/internal/backoff"
	"github.com/yaroc-project/yaroc-node/internal/config"
	"github.com/yaroc-project/yaroc-node/internal/metrics"
	"github.com/yaroc-project/yaroc-node/internal/modem"
	"github.com/yaroc-project/yaroc-node/internal/mqttsession"
	"github.com/yaroc-project/yaroc-node/internal/orchestrator"
	"github.com/yaroc-project/yaroc-node/internal/serialport"
	"github.com/yaroc-project/yaroc-node/internal/sipunch"
	"github.com/yaroc-project/yaroc-node/internal/siuart"
	"github.com/yaroc-project/yaroc-node/internal/yarocerr"
)

// siBaud is the fixed SportIdent SI-UART baud rate.
const siBaud = 38400

// modemBaud is the BG77's default AT command interface baud rate.
const modemBaud = 115200

func main() {
	cfg, showVersion, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	if showVersion {
		fmt.Printf("yaroc-node %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	l := setupLogger(cfg.LogFormat, cfg.LogLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	siPort, err := serialport.Open(cfg.SiDevice, siBaud, 200*time.Millisecond)
	if err != nil {
		l.Error("si_device_open_failed", "device", cfg.SiDevice, "error", err)
		os.Exit(1)
	}
	defer func() { _ = siPort.Close() }()
	siReader := siuart.New(siPort)

	modemPort, err := serialport.Open(cfg.ModemDevice, modemBaud, 200*time.Millisecond)
	if err != nil {
		l.Error("modem_device_open_failed", "device", cfg.ModemDevice, "error", err)
		os.Exit(1)
	}
	defer func() { _ = modemPort.Close() }()

	uart := at.NewUart(ctx, modemPort, nil)
	defer uart.Close()
	m := modem.New(uart)

	session := mqttsession.New(m, mqttsession.Config{
		URL:           cfg.BrokerURL,
		Port:          cfg.BrokerPort,
		Username:      cfg.Username,
		Password:      cfg.Password,
		PacketTimeout: cfg.PacketTimeout,
		Name:          cfg.ClientName,
		MacAddress:    cfg.MacAddress,
	})
	uart.AttachUrcHandler(func(cr at.CommandResponse) bool {
		return session.HandleURC(cr.Command(), cr.Values())
	})

	engine := backoff.New(session, backoff.Config{
		Slots:          cfg.SlotCount,
		InitialBackoff: cfg.InitialBackoff,
	})
	session.AttachSink(engine)

	punches := make(chan sipunch.RawPunch, siuart.Capacity)
	orch := orchestrator.New(m, session, session, engine, nil, punches, orchestrator.Config{
		MiniCallHomeInterval: cfg.MiniCallHomeInterval,
		TimeResyncInterval:   cfg.TimeResyncInterval,
		BatteryPollInterval:  cfg.BatteryPollInterval,
	})
	session.AttachReconnectRequester(orch)

	go runSiUartReader(ctx, l, siReader, punches)
	go engine.Run(ctx)
	go orch.Run(ctx)

	if err := session.Open(ctx); err != nil {
		l.Warn("mqtt_open_failed", "error", err)
	} else if err := session.Connect(ctx); err != nil {
		l.Warn("mqtt_connect_failed", "error", err)
	}

	metrics.SetReadinessFunc(func() bool {
		return session.State() == mqttsession.Connected
	})
	if cfg.MetricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.MetricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())
	cancel()
}

// runSiUartReader feeds decoded punches to the orchestrator until ctx is
// done or the port reports it's closed.
func runSiUartReader(ctx context.Context, l *slog.Logger, reader *siuart.Reader, out chan<- sipunch.RawPunch) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		batch, err := reader.Read()
		if err != nil {
			if errors.Is(err, yarocerr.ErrUartClosed) {
				l.Error("si_uart_closed", "error", err)
				return
			}
			l.Warn("si_uart_read_error", "error", err)
			continue
		}
		for _, p := range batch {
			metrics.IncPunchesDecoded()
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
	}
}
