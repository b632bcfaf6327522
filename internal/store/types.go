// Package store implements C3: the concurrent, indexed model of every
// observed node, its history, its packet archive, and the derived gateway
// topology. All mutation is serialized by the store's lock; the processor
// (package process) is the packet-driven writer, alongside persistence
// restore/prune and the cooldown GC sweep. Every exported read returns a
// consistent snapshot.
package store

// NodeID is a Meshtastic node's 32-bit identifier.
type NodeID = uint32

// TelemetrySnapshot holds the merged telemetry readings for a node: each
// sub-metric is merged in independently since successive Telemetry packets
// carry different subsets.
type TelemetrySnapshot struct {
	BatteryLevel       *uint32  `json:"battery_level,omitempty"`
	Voltage            *float32 `json:"voltage,omitempty"`
	ChannelUtilization *float32 `json:"channel_utilization,omitempty"`
	AirUtilTx          *float32 `json:"air_util_tx,omitempty"`
	UptimeSeconds      *uint32  `json:"uptime_seconds,omitempty"`

	Ch1Voltage *float32 `json:"ch1_voltage,omitempty"`
	Ch1Current *float32 `json:"ch1_current,omitempty"`
	Ch3Voltage *float32 `json:"ch3_voltage,omitempty"`
	Ch3Current *float32 `json:"ch3_current,omitempty"`

	UpdatedAt float64 `json:"updated_at,omitempty"`
}

// merge copies every non-nil field of other into t, leaving t's existing
// values untouched where other has nothing to contribute.
func (t *TelemetrySnapshot) merge(other TelemetrySnapshot) {
	if other.BatteryLevel != nil {
		t.BatteryLevel = other.BatteryLevel
	}
	if other.Voltage != nil {
		t.Voltage = other.Voltage
	}
	if other.ChannelUtilization != nil {
		t.ChannelUtilization = other.ChannelUtilization
	}
	if other.AirUtilTx != nil {
		t.AirUtilTx = other.AirUtilTx
	}
	if other.UptimeSeconds != nil {
		t.UptimeSeconds = other.UptimeSeconds
	}
	if other.Ch1Voltage != nil {
		t.Ch1Voltage = other.Ch1Voltage
	}
	if other.Ch1Current != nil {
		t.Ch1Current = other.Ch1Current
	}
	if other.Ch3Voltage != nil {
		t.Ch3Voltage = other.Ch3Voltage
	}
	if other.Ch3Current != nil {
		t.Ch3Current = other.Ch3Current
	}
	if other.UpdatedAt > t.UpdatedAt {
		t.UpdatedAt = other.UpdatedAt
	}
}

// NodeRecord is the per-NodeID state. Pointer fields distinguish "never
// observed" from "observed as zero".
type NodeRecord struct {
	NodeID NodeID `json:"node_id"`

	// identity
	LongName        string `json:"long_name"`
	ShortName       string `json:"short_name"`
	HwModel         string `json:"hw_model"`
	Role            string `json:"role"`
	FirmwareVersion string `json:"firmware_version"`
	Region          string `json:"region"`

	// position; Lat and Lon are either both set or both nil.
	Lat                *float64 `json:"lat"`
	Lon                *float64 `json:"lon"`
	Alt                *int32   `json:"alt,omitempty"`
	LastPositionUpdate float64  `json:"last_position_update,omitempty"`

	// radio
	Channel     uint32   `json:"channel"`
	ChannelName string   `json:"channel_name"`
	ModemPreset string   `json:"modem_preset"`
	RxRSSI      *int32   `json:"rx_rssi,omitempty"`
	RxSNR       *float32 `json:"rx_snr,omitempty"`

	// power
	Battery      *int32            `json:"battery,omitempty"` // percent, 0-100
	Voltage      *float32          `json:"voltage,omitempty"`
	PowerCurrent *float32          `json:"power_current,omitempty"`
	Telemetry    TelemetrySnapshot `json:"telemetry"`

	// origin/movement, special nodes only
	OriginLat           *float64 `json:"origin_lat,omitempty"`
	OriginLon           *float64 `json:"origin_lon,omitempty"`
	DistanceFromOriginM *float64 `json:"distance_from_origin_m,omitempty"`
	MovedFar            bool     `json:"moved_far"`

	// liveness
	LastSeen float64 `json:"last_seen"`

	// role flags
	IsSpecial      bool `json:"is_special"`
	IsGateway      bool `json:"is_gateway"`
	HasPowerSensor bool `json:"has_power_sensor"`

	// BestGateway is the gateway with the strongest rx_rssi at this node's
	// highest observed confidence level. Nil until a direct or partial edge
	// has been recorded for this node.
	BestGateway *GatewayEdge `json:"best_gateway,omitempty"`
}

// HistoryPoint is one retained sample of a special node's position/telemetry
// over time.
type HistoryPoint struct {
	TS      float64  `json:"ts"`
	Lat     float64  `json:"lat"`
	Lon     float64  `json:"lon"`
	Alt     *int32   `json:"alt,omitempty"`
	Battery *float64 `json:"battery,omitempty"` // voltage for power-sensor nodes, percent otherwise
	RSSI    *int32   `json:"rssi,omitempty"`
	SNR     *float32 `json:"snr,omitempty"`
}

// PacketArchiveEntry is one archived packet for a special node, capped by
// 7-day retention and deduplicated by packet ID.
type PacketArchiveEntry struct {
	Timestamp   float64  `json:"timestamp"`
	PacketType  string   `json:"packet_type"`
	ID          *uint32  `json:"id,omitempty"`
	Channel     uint32   `json:"channel"`
	ChannelName string   `json:"channel_name"`
	PortnumName string   `json:"portnum_name"`
	HopStart    *uint32  `json:"hop_start,omitempty"`
	HopLimit    *uint32  `json:"hop_limit,omitempty"`
	RxRSSI      *int32   `json:"rx_rssi,omitempty"`
	RxSNR       *float32 `json:"rx_snr,omitempty"`
	MQTTTopic   string   `json:"mqtt_topic"`

	// Type-specific fields, populated for the relevant PortnumName only.
	Position  *PositionFields  `json:"position,omitempty"`
	Telemetry *TelemetryFields `json:"telemetry,omitempty"`
}

// PositionFields mirrors the position-specific portion of an archived
// Position packet.
type PositionFields struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Alt *int32  `json:"alt,omitempty"`
}

// TelemetryFields mirrors the telemetry-specific portion of an archived
// Telemetry packet.
type TelemetryFields struct {
	BatteryLevel *uint32  `json:"battery_level,omitempty"`
	Voltage      *float32 `json:"voltage,omitempty"`
}

// Confidence classifies how a GatewayEdge was inferred.
type Confidence string

const (
	ConfidenceDirect  Confidence = "direct"
	ConfidencePartial Confidence = "partial"
)

// GatewayEdge is one special-node-observes-gateway relationship, latest-wins
// per (special, gateway) key.
type GatewayEdge struct {
	GatewayID  NodeID     `json:"gateway_node_id"`
	Name       string     `json:"name,omitempty"`
	Lat        *float64   `json:"lat,omitempty"`
	Lon        *float64   `json:"lon,omitempty"`
	RSSI       *int32     `json:"rssi,omitempty"`
	SNR        *float32   `json:"snr,omitempty"`
	LastSeen   float64    `json:"last_seen"`
	Confidence Confidence `json:"confidence"`
	HopStart   *uint32    `json:"hop_start,omitempty"`
	HopLimit   *uint32    `json:"hop_limit,omitempty"`
}

// GatewayReliability is the derived, cached reliability score for a
// gateway.
type GatewayReliability struct {
	Score           int
	DetectionCount  int
	AvgRSSI         *float64
	ConfidenceLevel string
	LastUpdated     float64
}
