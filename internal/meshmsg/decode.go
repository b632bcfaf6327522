package meshmsg

import (
	"fmt"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"google.golang.org/protobuf/proto"
)

// Kind identifies which typed payload a decoded packet carries.
type Kind int

const (
	KindUnknown Kind = iota
	KindAdmin
	KindPosition
	KindUser
	KindTelemetry
	KindMapReport
	KindNeighborInfo
)

// Envelope is the fully decoded, ready-to-process unit the packet processor
// consumes: the outer packet metadata plus the typed inner payload.
type Envelope struct {
	Packet *meshtastic.MeshPacket
	Data   *meshtastic.Data

	Kind         Kind
	Admin        *meshtastic.AdminMessage
	Position     *meshtastic.Position
	User         *meshtastic.User
	Telemetry    *meshtastic.Telemetry
	MapReport    *meshtastic.MapReport
	NeighborInfo *meshtastic.NeighborInfo
}

// ErrUnknownPortnum is returned (wrapped) by Decode when the packet's
// portnum is not one this system understands. The caller logs and ignores
// the packet rather than treating this as fatal.
var ErrUnknownPortnum = fmt.Errorf("unknown portnum")

// DecodeServiceEnvelope unmarshals a raw MQTT payload as a ServiceEnvelope.
func DecodeServiceEnvelope(payload []byte) (*meshtastic.ServiceEnvelope, error) {
	var env meshtastic.ServiceEnvelope
	if err := proto.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("unmarshaling service envelope: %w", err)
	}
	return &env, nil
}

// Decode decrypts (if necessary) and fully decodes a MeshPacket into an
// Envelope. A decrypt/parse failure is reported as an error so the caller
// can silently drop the packet; an unrecognized portnum is reported via
// ErrUnknownPortnum so the caller can log and ignore it.
func Decode(packet *meshtastic.MeshPacket, key []byte) (*Envelope, error) {
	data, err := TryDecode(packet, key)
	if err != nil {
		return nil, err
	}

	env := &Envelope{Packet: packet, Data: data}

	switch data.GetPortnum() {
	case meshtastic.PortNum_ADMIN_APP:
		var m meshtastic.AdminMessage
		if err := proto.Unmarshal(data.GetPayload(), &m); err != nil {
			return nil, fmt.Errorf("unmarshaling AdminMessage: %w", err)
		}
		env.Kind, env.Admin = KindAdmin, &m

	case meshtastic.PortNum_POSITION_APP:
		var m meshtastic.Position
		if err := proto.Unmarshal(data.GetPayload(), &m); err != nil {
			return nil, fmt.Errorf("unmarshaling Position: %w", err)
		}
		env.Kind, env.Position = KindPosition, &m

	case meshtastic.PortNum_NODEINFO_APP:
		var m meshtastic.User
		if err := proto.Unmarshal(data.GetPayload(), &m); err != nil {
			return nil, fmt.Errorf("unmarshaling User: %w", err)
		}
		env.Kind, env.User = KindUser, &m

	case meshtastic.PortNum_TELEMETRY_APP:
		var m meshtastic.Telemetry
		if err := proto.Unmarshal(data.GetPayload(), &m); err != nil {
			return nil, fmt.Errorf("unmarshaling Telemetry: %w", err)
		}
		env.Kind, env.Telemetry = KindTelemetry, &m

	case meshtastic.PortNum_MAP_REPORT_APP:
		var m meshtastic.MapReport
		if err := proto.Unmarshal(data.GetPayload(), &m); err != nil {
			return nil, fmt.Errorf("unmarshaling MapReport: %w", err)
		}
		env.Kind, env.MapReport = KindMapReport, &m

	case meshtastic.PortNum_NEIGHBORINFO_APP:
		var m meshtastic.NeighborInfo
		if err := proto.Unmarshal(data.GetPayload(), &m); err != nil {
			return nil, fmt.Errorf("unmarshaling NeighborInfo: %w", err)
		}
		env.Kind, env.NeighborInfo = KindNeighborInfo, &m

	default:
		return env, fmt.Errorf("%w: %s", ErrUnknownPortnum, data.GetPortnum().String())
	}

	return env, nil
}

// ScaledCoordinate converts a Meshtastic *1e7-scaled integer coordinate
// pointer to decimal degrees. It returns (0, false) if i is nil.
func ScaledCoordinate(i *int32) (float64, bool) {
	if i == nil {
		return 0, false
	}
	return float64(*i) / 1e7, true
}

// ModemPresetName maps the numeric modem preset (as carried in MapReport)
// to its canonical string name.
func ModemPresetName(preset int32) string {
	names := [...]string{
		"LongFast", "LongSlow", "VeryLongSlow", "MediumSlow", "MediumFast",
		"ShortSlow", "ShortFast", "LongModerate", "ShortTurbo",
	}
	if preset < 0 || int(preset) >= len(names) {
		return ""
	}
	return names[preset]
}
