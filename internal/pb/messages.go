// Package pb hand-encodes the small, fixed set of protobuf messages this
// node publishes and would decode, directly against
// google.golang.org/protobuf/encoding/protowire. There is no .proto file
// and no generated code: the wire schema lives here, the way the
// teacher's internal/serial/codec.go hand-rolls its own framed wire
// format against raw byte slices instead of a generated codec.
package pb

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/yaroc-project/yaroc-node/internal/sipunch"
	"github.com/yaroc-project/yaroc-node/internal/yarocerr"
)

// NetworkType mirrors the cellular radio access technology a
// MiniCallHome was sampled under.
type NetworkType int32

const (
	NetworkUnknown NetworkType = iota
	NetworkNbIotEcl0
	NetworkNbIotEcl1
	NetworkNbIotEcl2
	NetworkLteM
	NetworkUmts
	NetworkLte
)

// EventType mirrors a USB/UART device hotplug notification.
type EventType int32

const (
	EventAdded EventType = iota
	EventRemoved
)

// Timestamp is a millisecond-resolution Unix epoch timestamp.
type Timestamp struct {
	MillisEpoch uint64
}

func (t Timestamp) appendTo(b []byte) []byte {
	if t.MillisEpoch == 0 {
		return b
	}
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	return protowire.AppendVarint(b, t.MillisEpoch)
}

func (t Timestamp) encode() []byte { return t.appendTo(nil) }

func decodeTimestamp(data []byte) (Timestamp, error) {
	var t Timestamp
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Timestamp{}, fmt.Errorf("%w: timestamp tag", yarocerr.ErrParse)
		}
		data = data[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Timestamp{}, fmt.Errorf("%w: timestamp.millis_epoch", yarocerr.ErrParse)
			}
			t.MillisEpoch = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Timestamp{}, fmt.Errorf("%w: timestamp unknown field", yarocerr.ErrParse)
			}
			data = data[n:]
		}
	}
	return t, nil
}

// MiniCallHome is the periodic telemetry heartbeat: CPU temperature,
// supply voltage, cellular signal quality and the cell a node is
// currently registered on.
type MiniCallHome struct {
	CPUTemperature float32
	Millivolts     int32
	SignalDbm      int32
	SignalSnrCb    int32
	Cellid         uint32
	Time           *Timestamp
	NetworkType    NetworkType
}

func (m MiniCallHome) encode() []byte {
	var b []byte
	if m.CPUTemperature != 0 {
		b = protowire.AppendTag(b, 1, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(m.CPUTemperature))
	}
	if m.Millivolts != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(m.Millivolts)))
	}
	if m.SignalDbm != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(m.SignalDbm)))
	}
	if m.SignalSnrCb != 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(m.SignalSnrCb)))
	}
	if m.Cellid != 0 {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Cellid))
	}
	if m.Time != nil {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Time.encode())
	}
	if m.NetworkType != NetworkUnknown {
		b = protowire.AppendTag(b, 7, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.NetworkType))
	}
	return b
}

func decodeMiniCallHome(data []byte) (MiniCallHome, error) {
	var m MiniCallHome
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return MiniCallHome{}, fmt.Errorf("%w: mini_call_home tag", yarocerr.ErrParse)
		}
		data = data[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return MiniCallHome{}, fmt.Errorf("%w: cpu_temperature", yarocerr.ErrParse)
			}
			m.CPUTemperature = math.Float32frombits(v)
			data = data[n:]
		case 2:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return MiniCallHome{}, fmt.Errorf("%w: millivolts", yarocerr.ErrParse)
			}
			m.Millivolts = int32(int64(v))
			data = data[n:]
		case 3:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return MiniCallHome{}, fmt.Errorf("%w: signal_dbm", yarocerr.ErrParse)
			}
			m.SignalDbm = int32(int64(v))
			data = data[n:]
		case 4:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return MiniCallHome{}, fmt.Errorf("%w: signal_snr_cb", yarocerr.ErrParse)
			}
			m.SignalSnrCb = int32(int64(v))
			data = data[n:]
		case 5:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return MiniCallHome{}, fmt.Errorf("%w: cellid", yarocerr.ErrParse)
			}
			m.Cellid = uint32(v)
			data = data[n:]
		case 6:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return MiniCallHome{}, fmt.Errorf("%w: time", yarocerr.ErrParse)
			}
			ts, err := decodeTimestamp(v)
			if err != nil {
				return MiniCallHome{}, err
			}
			m.Time = &ts
			data = data[n:]
		case 7:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return MiniCallHome{}, fmt.Errorf("%w: network_type", yarocerr.ErrParse)
			}
			m.NetworkType = NetworkType(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return MiniCallHome{}, fmt.Errorf("%w: mini_call_home unknown field", yarocerr.ErrParse)
			}
			data = data[n:]
		}
	}
	return m, nil
}

// Disconnected marks a node telling the broker it is about to drop off.
type Disconnected struct {
	ClientName string
}

// DeviceEvent marks a UART/USB peripheral hotplug notification.
type DeviceEvent struct {
	Port string
	Type EventType
}

// Status is the oneof wrapper published to the node's "status" topic.
// Exactly one of MiniCallHome, Disconnected or DeviceEvent should be set.
type Status struct {
	MiniCallHome *MiniCallHome
	Disconnected *Disconnected
	DeviceEvent  *DeviceEvent
}

// Encode serializes s to its protobuf wire bytes.
func (s Status) Encode() []byte {
	var b []byte
	switch {
	case s.MiniCallHome != nil:
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, s.MiniCallHome.encode())
	case s.Disconnected != nil:
		var inner []byte
		if s.Disconnected.ClientName != "" {
			inner = protowire.AppendTag(inner, 1, protowire.BytesType)
			inner = protowire.AppendString(inner, s.Disconnected.ClientName)
		}
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	case s.DeviceEvent != nil:
		var inner []byte
		if s.DeviceEvent.Port != "" {
			inner = protowire.AppendTag(inner, 1, protowire.BytesType)
			inner = protowire.AppendString(inner, s.DeviceEvent.Port)
		}
		inner = protowire.AppendTag(inner, 2, protowire.VarintType)
		inner = protowire.AppendVarint(inner, uint64(s.DeviceEvent.Type))
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	return b
}

// DecodeStatus parses the bytes published on a node's "status" topic.
func DecodeStatus(data []byte) (Status, error) {
	var s Status
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Status{}, fmt.Errorf("%w: status tag", yarocerr.ErrParse)
		}
		data = data[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Status{}, fmt.Errorf("%w: status.mini_call_home", yarocerr.ErrParse)
			}
			mch, err := decodeMiniCallHome(v)
			if err != nil {
				return Status{}, err
			}
			s.MiniCallHome = &mch
			data = data[n:]
		case 2:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Status{}, fmt.Errorf("%w: status.disconnected", yarocerr.ErrParse)
			}
			d, err := decodeDisconnected(v)
			if err != nil {
				return Status{}, err
			}
			s.Disconnected = &d
			data = data[n:]
		case 3:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Status{}, fmt.Errorf("%w: status.device_event", yarocerr.ErrParse)
			}
			ev, err := decodeDeviceEvent(v)
			if err != nil {
				return Status{}, err
			}
			s.DeviceEvent = &ev
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Status{}, fmt.Errorf("%w: status unknown field", yarocerr.ErrParse)
			}
			data = data[n:]
		}
	}
	return s, nil
}

func decodeDisconnected(data []byte) (Disconnected, error) {
	var d Disconnected
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Disconnected{}, fmt.Errorf("%w: disconnected tag", yarocerr.ErrParse)
		}
		data = data[n:]
		if num == 1 {
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return Disconnected{}, fmt.Errorf("%w: disconnected.client_name", yarocerr.ErrParse)
			}
			d.ClientName = v
			data = data[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return Disconnected{}, fmt.Errorf("%w: disconnected unknown field", yarocerr.ErrParse)
		}
		data = data[n:]
	}
	return d, nil
}

func decodeDeviceEvent(data []byte) (DeviceEvent, error) {
	var e DeviceEvent
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return DeviceEvent{}, fmt.Errorf("%w: device_event tag", yarocerr.ErrParse)
		}
		data = data[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return DeviceEvent{}, fmt.Errorf("%w: device_event.port", yarocerr.ErrParse)
			}
			e.Port = v
			data = data[n:]
		case 2:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return DeviceEvent{}, fmt.Errorf("%w: device_event.type", yarocerr.ErrParse)
			}
			e.Type = EventType(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return DeviceEvent{}, fmt.Errorf("%w: device_event unknown field", yarocerr.ErrParse)
			}
			data = data[n:]
		}
	}
	return e, nil
}

// Punch wraps one raw SportIdent frame for wire transport.
type Punch struct {
	Raw sipunch.RawPunch
}

func (p Punch) encode() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, p.Raw[:])
	return b
}

func decodePunch(data []byte) (Punch, error) {
	var p Punch
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Punch{}, fmt.Errorf("%w: punch tag", yarocerr.ErrParse)
		}
		data = data[n:]
		if num == 1 {
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Punch{}, fmt.Errorf("%w: punch.raw", yarocerr.ErrParse)
			}
			if len(v) != sipunch.Len {
				return Punch{}, fmt.Errorf("%w: punch.raw has length %d, want %d", yarocerr.ErrValue, len(v), sipunch.Len)
			}
			copy(p.Raw[:], v)
			data = data[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return Punch{}, fmt.Errorf("%w: punch unknown field", yarocerr.ErrParse)
		}
		data = data[n:]
	}
	return p, nil
}

// Punches is a batch of SI punches, published together on a node's "p"
// topic.
type Punches struct {
	Punches []Punch
}

// Encode serializes p to its protobuf wire bytes.
func (p Punches) Encode() []byte {
	var b []byte
	for _, punch := range p.Punches {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, punch.encode())
	}
	return b
}

// DecodePunches parses the bytes published on a node's "p" topic.
func DecodePunches(data []byte) (Punches, error) {
	var p Punches
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Punches{}, fmt.Errorf("%w: punches tag", yarocerr.ErrParse)
		}
		data = data[n:]
		if num == 1 {
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Punches{}, fmt.Errorf("%w: punches.punches", yarocerr.ErrParse)
			}
			punch, err := decodePunch(v)
			if err != nil {
				return Punches{}, err
			}
			p.Punches = append(p.Punches, punch)
			data = data[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return Punches{}, fmt.Errorf("%w: punches unknown field", yarocerr.ErrParse)
		}
		data = data[n:]
	}
	return p, nil
}
