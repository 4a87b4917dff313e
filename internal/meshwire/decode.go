// Package meshwire decodes the opaque Meshtastic wire envelope: a
// ServiceEnvelope carrying a MeshPacket, which carries either a plaintext
// Data message or an AES-CTR encrypted one, dispatched by port number into
// Position/NodeInfo/Telemetry events.
//
// The binary framing schema itself is treated as out of scope for this
// repository's contract — only the handful of fields the correlation engine
// needs are read, by field number, via protowire. Unknown fields are always
// skipped rather than rejected, so upstream protocol additions never break
// decoding.
package meshwire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/route-beacon/mesh-ingester/internal/model"
)

// Port numbers recognized by this decoder; every other port is ignored.
const (
	portPosition  = 3
	portNodeInfo  = 4
	portTelemetry = 67
)

// Decoder parses and, when needed, decrypts the wire envelope.
type Decoder struct {
	channelKey []byte // nil disables decryption entirely
}

// NewDecoder builds a Decoder. channelKeyBase64 may be empty, in which case
// the decoder still derives and uses Meshtastic's default channel key for
// any packet it finds encrypted.
func NewDecoder(channelKeyBase64 string) *Decoder {
	return &Decoder{channelKey: DeriveChannelKey(channelKeyBase64)}
}

// Decode parses one ServiceEnvelope payload. It returns (nil, nil) for
// anything that should be silently ignored: malformed envelopes, decrypt
// failures, and unrecognized port numbers.
func (d *Decoder) Decode(raw []byte) (*model.Event, error) {
	packetBytes, ok := consumeServiceEnvelope(raw)
	if !ok {
		return nil, nil
	}

	from, packetID, decoded, encrypted, ok := consumeMeshPacket(packetBytes)
	if !ok {
		return nil, nil
	}

	var dataBytes []byte
	switch {
	case decoded != nil:
		dataBytes = decoded
	case encrypted != nil:
		plain, err := decryptPayload(encrypted, uint64(packetID), from, d.channelKey)
		if err != nil {
			return nil, nil // decrypt failure: silent drop per contract
		}
		dataBytes = plain
	default:
		return nil, nil
	}

	portnum, payload, ok := consumeData(dataBytes)
	if !ok {
		return nil, nil
	}

	nodeID := NodeIDHex(from)

	switch portnum {
	case portPosition:
		pos, ok := decodePosition(payload)
		if !ok {
			return nil, nil
		}
		return &model.Event{Kind: model.EventPosition, NodeID: nodeID, Port: portnum, Position: pos}, nil
	case portNodeInfo:
		info := decodeNodeInfo(payload)
		return &model.Event{Kind: model.EventNodeInfo, NodeID: nodeID, Port: portnum, NodeInfo: info}, nil
	case portTelemetry:
		telemetry, ok := decodeTelemetry(payload)
		if !ok {
			return nil, nil // no sensor timestamp: drop
		}
		return &model.Event{Kind: model.EventTelemetry, NodeID: nodeID, Port: portnum, Telemetry: telemetry}, nil
	default:
		return nil, nil
	}
}

// NodeIDHex renders a numeric Meshtastic node number as the canonical
// "!xxxxxxxx" hex form used throughout the data model.
func NodeIDHex(num uint32) string {
	return fmt.Sprintf("!%08x", num)
}

// --- ServiceEnvelope { packet: MeshPacket = 1; channel_id = 2; gateway_id = 3 } ---

func consumeServiceEnvelope(b []byte) ([]byte, bool) {
	var packet []byte
	ok := forEachField(b, func(num protowire.Number, typ protowire.Type, v []byte) {
		if num == 1 && typ == protowire.BytesType {
			packet = v
		}
	})
	return packet, ok && packet != nil
}

// MeshPacket { from=1 fixed32; to=2 fixed32; channel=3 varint;
//              decoded=4 bytes (oneof); encrypted=5 bytes (oneof);
//              id=6 fixed32; ... }
func consumeMeshPacket(b []byte) (from uint32, id uint32, decoded, encrypted []byte, ok bool) {
	var sawFrom bool
	valid := forEachField(b, func(num protowire.Number, typ protowire.Type, raw []byte) {
		switch {
		case num == 1 && typ == protowire.Fixed32Type:
			from = fixed32FromRaw(raw)
			sawFrom = true
		case num == 4 && typ == protowire.BytesType:
			decoded = raw
		case num == 5 && typ == protowire.BytesType:
			encrypted = raw
		case num == 6 && typ == protowire.Fixed32Type:
			id = fixed32FromRaw(raw)
		}
	})
	return from, id, decoded, encrypted, valid && sawFrom
}

// Data { portnum=1 varint; payload=2 bytes; ... }
func consumeData(b []byte) (portnum uint32, payload []byte, ok bool) {
	valid := forEachField(b, func(num protowire.Number, typ protowire.Type, raw []byte) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, _ := protowire.ConsumeVarint(raw)
			portnum = uint32(v)
		case num == 2 && typ == protowire.BytesType:
			payload = raw
		}
	})
	return portnum, payload, valid
}

// Position { latitude_i=1 sfixed32; longitude_i=2 sfixed32; altitude=3 int32 (varint); ... }
func decodePosition(b []byte) (model.PositionData, bool) {
	var pos model.PositionData
	var latRaw, lonRaw int32
	var haveLat, haveLon bool
	valid := forEachField(b, func(num protowire.Number, typ protowire.Type, raw []byte) {
		switch {
		case num == 1 && typ == protowire.Fixed32Type:
			latRaw = int32(fixed32FromRaw(raw))
			haveLat = true
		case num == 2 && typ == protowire.Fixed32Type:
			lonRaw = int32(fixed32FromRaw(raw))
			haveLon = true
		case num == 3 && typ == protowire.VarintType:
			v, _ := protowire.ConsumeVarint(raw)
			pos.Altitude = float64(int32(v))
			pos.HasAlt = true
		}
	})
	if !valid || !haveLat || !haveLon {
		return pos, false
	}
	pos.Lat = float64(latRaw) / 1e7
	pos.Lon = float64(lonRaw) / 1e7
	if pos.Lat == 0 || pos.Lon == 0 {
		return pos, false
	}
	return pos, true
}

// User { id=1 string; long_name=2 string; short_name=3 string; macaddr=4 bytes; hw_model=5 varint enum; ... }
func decodeNodeInfo(b []byte) model.NodeInfoData {
	var info model.NodeInfoData
	var hwModel uint64
	var haveHW bool
	forEachField(b, func(num protowire.Number, typ protowire.Type, raw []byte) {
		switch {
		case num == 2 && typ == protowire.BytesType:
			info.LongName = string(raw)
		case num == 5 && typ == protowire.VarintType:
			hwModel, _ = protowire.ConsumeVarint(raw)
			haveHW = true
		}
	})
	if haveHW {
		info.Hardware = hardwareModelName(uint32(hwModel))
	}
	return info
}

// Telemetry { time=1 fixed32; device_metrics=2 bytes (oneof); environment_metrics=3 bytes (oneof); ... }
func decodeTelemetry(b []byte) (model.TelemetryData, bool) {
	var t model.TelemetryData
	var haveTime bool
	var deviceMetrics, envMetrics []byte
	valid := forEachField(b, func(num protowire.Number, typ protowire.Type, raw []byte) {
		switch {
		case num == 1 && typ == protowire.Fixed32Type:
			t.SensorTimestamp = int64(fixed32FromRaw(raw))
			haveTime = true
		case num == 2 && typ == protowire.BytesType:
			deviceMetrics = raw
		case num == 3 && typ == protowire.BytesType:
			envMetrics = raw
		}
	})
	if !valid || !haveTime {
		return t, false
	}

	if deviceMetrics != nil {
		decodeDeviceMetrics(deviceMetrics, &t)
	}
	if envMetrics != nil {
		decodeEnvironmentMetrics(envMetrics, &t)
	}
	return t, true
}

// DeviceMetrics { battery_level=1 varint; voltage=2 float (fixed32); ... }
func decodeDeviceMetrics(b []byte, t *model.TelemetryData) {
	forEachField(b, func(num protowire.Number, typ protowire.Type, raw []byte) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, _ := protowire.ConsumeVarint(raw)
			t.BatteryLevel = float64(v)
			t.HasBatteryLevel = v != 0
		case num == 2 && typ == protowire.Fixed32Type:
			t.Voltage = float64(float32FromRaw(raw))
			t.HasVoltage = t.Voltage != 0
		}
	})
}

// EnvironmentMetrics { temperature=1 float; relative_humidity=2 float; barometric_pressure=3 float; ... }
func decodeEnvironmentMetrics(b []byte, t *model.TelemetryData) {
	forEachField(b, func(num protowire.Number, typ protowire.Type, raw []byte) {
		if typ != protowire.Fixed32Type {
			return
		}
		v := float64(float32FromRaw(raw))
		switch num {
		case 1:
			if v != 0 {
				t.Metrics = append(t.Metrics, model.TelemetryMetric{Type: model.ReadingTemperature, Value: v, Unit: "°C"})
			}
		case 2:
			if v != 0 {
				t.Metrics = append(t.Metrics, model.TelemetryMetric{Type: model.ReadingHumidity, Value: v, Unit: "%"})
			}
		case 3:
			if v != 0 {
				t.Metrics = append(t.Metrics, model.TelemetryMetric{Type: model.ReadingPressure, Value: v, Unit: "hPa"})
			}
		}
	})
}

// hardwareModelNames covers the commonly deployed boards; anything else
// renders as "UNKNOWN_<n>".
var hardwareModelNames = map[uint32]string{
	0:  "UNSET",
	1:  "TLORA_V2",
	4:  "TBEAM",
	9:  "RAK4631",
	43: "HELTEC_V3",
	51: "HELTEC_V3_1",
}

func hardwareModelName(n uint32) string {
	if name, ok := hardwareModelNames[n]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_%d", n)
}

// forEachField walks the top-level fields of a length-delimited protobuf
// message, invoking fn with the field's raw value bytes: for BytesType the
// content bytes, for Varint/Fixed32/Fixed64 the still-tagged-off remainder
// from which the typed value can be consumed starting at offset 0. Returns
// false if the message is malformed.
func forEachField(b []byte, fn func(num protowire.Number, typ protowire.Type, raw []byte)) bool {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return false
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType, protowire.Fixed32Type, protowire.Fixed64Type, protowire.BytesType:
			fieldLen := protowire.ConsumeFieldValue(num, typ, b)
			if fieldLen < 0 {
				return false
			}
			switch typ {
			case protowire.BytesType:
				content, m := protowire.ConsumeBytes(b)
				if m < 0 {
					return false
				}
				fn(num, typ, content)
			default:
				fn(num, typ, b[:fieldLen])
			}
			b = b[fieldLen:]
		default:
			fieldLen := protowire.ConsumeFieldValue(num, typ, b)
			if fieldLen < 0 {
				return false
			}
			b = b[fieldLen:]
		}
	}
	return true
}

func fixed32FromRaw(raw []byte) uint32 {
	v, _ := protowire.ConsumeFixed32(raw)
	return v
}

func float32FromRaw(raw []byte) float32 {
	v, _ := protowire.ConsumeFixed32(raw)
	return math.Float32frombits(v)
}
