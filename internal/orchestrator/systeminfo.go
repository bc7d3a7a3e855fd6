// Package orchestrator drives the node's periodic telemetry and
// reconnect logic: mini call home reports, time resync, battery polling,
// and the single event loop that multiplexes those tickers against
// SI-UART punch arrivals and URC-triggered reconnect requests. The
// gathering logic in this file mirrors common/src/bg77/system_info.rs's
// SystemInfo<M>: one AT command per reading, best-effort on the optional
// ones.
package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/yaroc-project/yaroc-node/internal/metrics"
	"github.com/yaroc-project/yaroc-node/internal/mqttsession"
	"github.com/yaroc-project/yaroc-node/internal/pb"
	"github.com/yaroc-project/yaroc-node/internal/yarocerr"
)

// SystemInfo gathers modem time, battery and cellular signal readings.
// It caches the modem's clock against Go's own monotonic clock so
// repeated CurrentTime(cached=true) calls don't re-issue AT+QLTS=2; this
// plays the role of the original firmware's boot-time-relative Instant
// bookkeeping, simplified because time.Since already uses a monotonic
// reading on every platform this node targets.
type SystemInfo struct {
	fetchedAt        time.Time
	fetchedModemTime time.Time
	hasFetched       bool
}

func NewSystemInfo() *SystemInfo { return &SystemInfo{} }

// CurrentTime returns the modem's idea of wall-clock time. With
// cached=true it reuses the last AT+QLTS=2 reading, advanced by however
// long has elapsed since; cached=false always re-queries the modem.
func (si *SystemInfo) CurrentTime(ctx context.Context, modem mqttsession.ModemClient, cached bool) (time.Time, error) {
	if !cached || !si.hasFetched {
		t, err := fetchModemTime(ctx, modem)
		if err != nil {
			return time.Time{}, err
		}
		si.fetchedAt = time.Now()
		si.fetchedModemTime = t
		si.hasFetched = true
		return t, nil
	}
	return si.fetchedModemTime.Add(time.Since(si.fetchedAt)), nil
}

func fetchModemTime(ctx context.Context, modem mqttsession.ModemClient) (time.Time, error) {
	metrics.IncAtCommand()
	resp, err := modem.CallWithResponse(ctx, "AT+QLTS=2", 2*time.Second)
	if err != nil {
		return time.Time{}, err
	}
	values, ok := resp.Values(nil)
	if !ok || len(values) < 1 {
		return time.Time{}, fmt.Errorf("%w: AT+QLTS=2 response", yarocerr.ErrParse)
	}
	return parseQlts(trimQuotes(values[0]))
}

// parseQlts decodes a +QLTS=2 timestamp of the form
// "2024/12/24,10:48:23+04,0": a date, a local time with a quarter-hour
// UTC offset, and a DST flag we don't need. No parse_qlts source
// survived retrieval; this is derived from that one literal fixture
// string and the documented AT+QLTS=2 reply format.
func parseQlts(s string) (time.Time, error) {
	parts := strings.Split(s, ",")
	if len(parts) < 2 {
		return time.Time{}, fmt.Errorf("%w: QLTS fields", yarocerr.ErrParse)
	}
	clock := parts[1]
	signIdx := strings.IndexAny(clock, "+-")
	if signIdx < 0 || signIdx+1 >= len(clock) {
		return time.Time{}, fmt.Errorf("%w: QLTS offset", yarocerr.ErrParse)
	}
	quarterHours, err := strconv.Atoi(clock[signIdx:])
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: QLTS offset value", yarocerr.ErrParse)
	}
	offset := time.Duration(quarterHours) * 15 * time.Minute
	loc := time.FixedZone("", int(offset.Seconds()))
	t, err := time.ParseInLocation("2006/01/02 15:04:05", parts[0]+" "+clock[:signIdx], loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: QLTS timestamp", yarocerr.ErrParse)
	}
	return t, nil
}

// batteryReading is the result of an AT+CBC poll.
type batteryReading struct {
	Millivolts int32
	Percent    uint8
}

func fetchBattery(ctx context.Context, modem mqttsession.ModemClient) (batteryReading, error) {
	metrics.IncAtCommand()
	resp, err := modem.CallWithResponse(ctx, "AT+CBC", 2*time.Second)
	if err != nil {
		return batteryReading{}, err
	}
	values, ok := resp.Values(nil)
	if !ok || len(values) < 3 {
		return batteryReading{}, fmt.Errorf("%w: AT+CBC response", yarocerr.ErrParse)
	}
	percent, err := strconv.Atoi(values[1])
	if err != nil {
		return batteryReading{}, fmt.Errorf("%w: AT+CBC percent", yarocerr.ErrParse)
	}
	mv, err := strconv.Atoi(values[2])
	if err != nil {
		return batteryReading{}, fmt.Errorf("%w: AT+CBC millivolts", yarocerr.ErrParse)
	}
	return batteryReading{Millivolts: int32(mv), Percent: uint8(percent)}, nil
}

// cellSignalInfo is the result of an AT+QCSQ poll, possibly augmented by
// an AT+QCFG="celevel" NB-IoT coverage class lookup and an AT+CEREG?
// cell id lookup.
type cellSignalInfo struct {
	NetworkType pb.NetworkType
	RssiDbm     int32
	SnrCb       int32
	Cellid      uint32
}

func fetchSignalInfo(ctx context.Context, modem mqttsession.ModemClient) (cellSignalInfo, error) {
	metrics.IncAtCommand()
	resp, err := modem.CallWithResponse(ctx, "AT+QCSQ", 2*time.Second)
	if err != nil {
		return cellSignalInfo{}, err
	}
	values, ok := resp.Values(nil)
	if !ok || len(values) != 5 {
		return cellSignalInfo{}, fmt.Errorf("%w: AT+QCSQ response", yarocerr.ErrParse)
	}
	network := trimQuotes(values[0])
	rssiDbm, err := strconv.Atoi(values[1])
	if err != nil {
		return cellSignalInfo{}, fmt.Errorf("%w: AT+QCSQ rssi", yarocerr.ErrParse)
	}
	rsrpDbm, err := strconv.Atoi(values[2])
	if err != nil {
		return cellSignalInfo{}, fmt.Errorf("%w: AT+QCSQ rsrp", yarocerr.ErrParse)
	}
	snrMult, err := strconv.Atoi(values[3])
	if err != nil {
		return cellSignalInfo{}, fmt.Errorf("%w: AT+QCSQ snr", yarocerr.ErrParse)
	}
	rsrqDbm, err := strconv.Atoi(values[4])
	if err != nil {
		return cellSignalInfo{}, fmt.Errorf("%w: AT+QCSQ rsrq", yarocerr.ErrParse)
	}
	if rssiDbm == 0 {
		// The modem reports 0 when it has no standalone RSSI estimate in
		// NB-IoT; rsrp minus rsrq recovers an equivalent figure.
		rssiDbm = rsrpDbm - rsrqDbm
	}

	networkType := pb.NetworkLteM
	if network == "NBIoT" {
		metrics.IncAtCommand()
		levelResp, err := modem.CallWithResponse(ctx, `AT+QCFG="celevel"`, 2*time.Second)
		if err != nil {
			return cellSignalInfo{}, err
		}
		levelValues, ok := levelResp.Values(nil)
		if !ok || len(levelValues) < 2 {
			return cellSignalInfo{}, fmt.Errorf("%w: AT+QCFG=celevel response", yarocerr.ErrParse)
		}
		level, err := strconv.Atoi(levelValues[1])
		if err != nil {
			return cellSignalInfo{}, fmt.Errorf("%w: AT+QCFG=celevel value", yarocerr.ErrParse)
		}
		switch level {
		case 0:
			networkType = pb.NetworkNbIotEcl0
		case 1:
			networkType = pb.NetworkNbIotEcl1
		case 2:
			networkType = pb.NetworkNbIotEcl2
		default:
			return cellSignalInfo{}, fmt.Errorf("%w: unknown NB-IoT coverage level %d", yarocerr.ErrValue, level)
		}
	}

	cellid, err := fetchCellID(ctx, modem)
	if err != nil {
		// Cell id is a nice-to-have on the mini call home; report the
		// signal reading without it rather than failing the whole poll.
		cellid = 0
	}

	return cellSignalInfo{
		NetworkType: networkType,
		RssiDbm:     int32(rssiDbm),
		SnrCb:       int32(snrMult*2 - 200),
		Cellid:      cellid,
	}, nil
}

// fetchCellID reads AT+CEREG? and extracts the hex cell id, but only
// while registered (stat == 1); roaming and searching states aren't
// supported yet.
func fetchCellID(ctx context.Context, modem mqttsession.ModemClient) (uint32, error) {
	metrics.IncAtCommand()
	resp, err := modem.CallWithResponse(ctx, "AT+CEREG?", 2*time.Second)
	if err != nil {
		return 0, err
	}
	values, ok := resp.Values(nil)
	if !ok || len(values) < 4 {
		return 0, fmt.Errorf("%w: AT+CEREG? response", yarocerr.ErrParse)
	}
	// TODO: support roaming, stat=5.
	if values[1] != "1" {
		return 0, fmt.Errorf("%w: not registered (stat=%s)", yarocerr.ErrNetworkRegistration, values[1])
	}
	cellid, err := strconv.ParseUint(trimQuotes(values[3]), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: AT+CEREG? cell id", yarocerr.ErrParse)
	}
	return uint32(cellid), nil
}

func trimQuotes(s string) string {
	return strings.Trim(s, `"`)
}
