// Package persistence implements C6: the atomic, coalesced snapshot of
// special-node state and its best-effort restore at startup.
// Only special nodes are persisted; everything else the processor has
// learned is rebuilt from the next packet stream.
package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sequoiayc/meshbuoy/internal/config"
	"github.com/sequoiayc/meshbuoy/internal/geo"
	"github.com/sequoiayc/meshbuoy/internal/metrics"
	"github.com/sequoiayc/meshbuoy/internal/process"
	"github.com/sequoiayc/meshbuoy/internal/store"
)

// coalesceInterval bounds how often a non-forced Save actually writes to
// disk.
const coalesceInterval = 5 * time.Second

// archiveCutoff is the fixed 7-day retention applied to both position
// history and the packet archive on every save.
const archiveCutoff = 7 * 24 * time.Hour

// schemaJSON is deliberately loose: it enforces the document's top-level
// shape (a map of node-id keys to {info, position_history, packets}
// entries) without pinning the exact fields inside "info", since older
// snapshot files are expected to carry extra or renamed keys there.
const schemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": {
    "type": "object",
    "required": ["info", "position_history", "packets"],
    "properties": {
      "info": {"type": "object"},
      "position_history": {"type": ["array", "null"]},
      "packets": {"type": ["array", "null"]}
    }
  }
}`

// Persistence owns the durable snapshot at cfg.PersistPath.
type Persistence struct {
	st     *store.Store
	cfg    *config.Config
	logger *log.Logger
	schema *jsonschema.Schema

	mu       sync.Mutex
	lastSave time.Time
}

// New compiles the validation schema and returns a Persistence bound to
// st/cfg. Schema compilation failure is a programming error, not a runtime
// condition, so it is returned rather than silently ignored.
func New(st *store.Store, cfg *config.Config, logger *log.Logger) (*Persistence, error) {
	schema, err := jsonschema.CompileString("meshbuoy-snapshot.json", schemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compiling persistence schema: %w", err)
	}
	return &Persistence{st: st, cfg: cfg, logger: logger, schema: schema}, nil
}

// document is the persisted shape: node-id (decimal string) -> snapshot.
type document map[string]*nodeDoc

type nodeDoc struct {
	Info            nodeInfoDoc                `json:"info"`
	PositionHistory []store.HistoryPoint       `json:"position_history"`
	Packets         []store.PacketArchiveEntry `json:"packets"`
}

// nodeInfoDoc is the persisted shape of a NodeRecord plus its gateway
// connections. Tags are exclusively snake_case; UnmarshalJSON additionally
// tolerates legacy camelCase keys on read.
type nodeInfoDoc struct {
	LongName        string `json:"long_name"`
	ShortName       string `json:"short_name"`
	HwModel         string `json:"hw_model"`
	Role            string `json:"role"`
	FirmwareVersion string `json:"firmware_version"`
	Region          string `json:"region"`

	Lat                *float64 `json:"lat,omitempty"`
	Lon                *float64 `json:"lon,omitempty"`
	Alt                *int32   `json:"alt,omitempty"`
	LastPositionUpdate *float64 `json:"last_position_update,omitempty"`

	Channel     uint32   `json:"channel"`
	ChannelName string   `json:"channel_name"`
	ModemPreset string   `json:"modem_preset"`
	RxRSSI      *int32   `json:"rx_rssi,omitempty"`
	RxSNR       *float32 `json:"rx_snr,omitempty"`

	Battery      *int32                  `json:"battery,omitempty"`
	Voltage      *float32                `json:"voltage,omitempty"`
	PowerCurrent *float32                `json:"power_current,omitempty"`
	Telemetry    store.TelemetrySnapshot `json:"telemetry"`

	OriginLat           *float64 `json:"origin_lat,omitempty"`
	OriginLon           *float64 `json:"origin_lon,omitempty"`
	DistanceFromOriginM *float64 `json:"distance_from_origin_m,omitempty"`
	MovedFar            bool     `json:"moved_far"`

	LastSeen float64 `json:"last_seen"`

	IsSpecial      bool `json:"is_special"`
	IsGateway      bool `json:"is_gateway"`
	HasPowerSensor bool `json:"has_power_sensor"`

	GatewayConnections map[string]store.GatewayEdge `json:"gateway_connections,omitempty"`
}

// legacyFieldAliases maps field names carried over from earlier snapshot
// revisions to their current snake_case name. Both spellings are tolerated
// on read; only snake_case is ever emitted on write, which the struct tags
// above already guarantee.
var legacyFieldAliases = map[string]string{
	"longName":            "long_name",
	"shortName":           "short_name",
	"hwModel":             "hw_model",
	"firmwareVersion":     "firmware_version",
	"lastPositionUpdate":  "last_position_update",
	"originLat":           "origin_lat",
	"originLon":           "origin_lon",
	"distanceFromOriginM": "distance_from_origin_m",
	"movedFar":            "moved_far",
	"lastSeen":            "last_seen",
	"isSpecial":           "is_special",
	"isGateway":           "is_gateway",
	"hasPowerSensor":      "has_power_sensor",
	"rxRssi":              "rx_rssi",
	"rxSnr":               "rx_snr",
	"channelName":         "channel_name",
	"modemPreset":         "modem_preset",
	"powerCurrent":        "power_current",
	"gatewayConnections":  "gateway_connections",
}

// UnmarshalJSON normalizes any legacy camelCase keys to their snake_case
// equivalent before decoding, so mixed-vintage snapshot files load cleanly.
func (n *nodeInfoDoc) UnmarshalJSON(data []byte) error {
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	normalized := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		canon, isLegacy := legacyFieldAliases[k]
		if isLegacy {
			if _, alreadyCanon := raw[canon]; !alreadyCanon {
				normalized[canon] = v
			}
			continue
		}
		normalized[k] = v
	}

	merged, err := json.Marshal(normalized)
	if err != nil {
		return err
	}

	type alias nodeInfoDoc
	var a alias
	if err := json.Unmarshal(merged, &a); err != nil {
		return err
	}
	*n = nodeInfoDoc(a)
	return nil
}

// Save writes the current state of every configured special node to disk,
// honoring the coalesce window unless force is true. now is the wall-clock
// save time; pruning drops everything older than now minus the 7-day cutoff.
func (p *Persistence) Save(now time.Time, force bool) error {
	p.mu.Lock()
	if !force && !p.lastSave.IsZero() && now.Sub(p.lastSave) < coalesceInterval {
		p.mu.Unlock()
		return nil
	}
	p.lastSave = now
	p.mu.Unlock()

	nowSeconds := float64(now.Unix())
	p.st.PrunePackets(nowSeconds)
	p.st.PruneHistoryBefore(nowSeconds, archiveCutoff.Seconds())

	doc := document{}
	for id := range p.cfg.SpecialNodes {
		rec, ok := p.st.Node(id)
		if !ok {
			continue
		}
		doc[strconv.FormatUint(uint64(id), 10)] = &nodeDoc{
			Info:            buildInfoDoc(rec, p.st.GatewayEdgesFor(id)),
			PositionHistory: p.st.History(id),
			Packets:         p.st.Packets(id),
		}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		metrics.PersistenceErrors.Inc()
		return fmt.Errorf("marshaling persistence snapshot: %w", err)
	}

	if err := atomicWrite(p.cfg.PersistPath, data); err != nil {
		metrics.PersistenceErrors.Inc()
		p.logger.Warn("persistence save failed, in-memory state remains authoritative", "err", err)
		return err
	}

	metrics.PersistenceSaves.Inc()
	return nil
}

func buildInfoDoc(rec store.NodeRecord, edges map[store.NodeID]store.GatewayEdge) nodeInfoDoc {
	var gwConn map[string]store.GatewayEdge
	if len(edges) > 0 {
		gwConn = make(map[string]store.GatewayEdge, len(edges))
		for gwID, edge := range edges {
			gwConn[strconv.FormatUint(uint64(gwID), 10)] = edge
		}
	}

	var lastPositionUpdate *float64
	if rec.LastPositionUpdate != 0 {
		lastPositionUpdate = &rec.LastPositionUpdate
	}

	return nodeInfoDoc{
		LongName:            rec.LongName,
		ShortName:           rec.ShortName,
		HwModel:             rec.HwModel,
		Role:                rec.Role,
		FirmwareVersion:     rec.FirmwareVersion,
		Region:              rec.Region,
		Lat:                 rec.Lat,
		Lon:                 rec.Lon,
		Alt:                 rec.Alt,
		LastPositionUpdate:  lastPositionUpdate,
		Channel:             rec.Channel,
		ChannelName:         rec.ChannelName,
		ModemPreset:         rec.ModemPreset,
		RxRSSI:              rec.RxRSSI,
		RxSNR:               rec.RxSNR,
		Battery:             rec.Battery,
		Voltage:             rec.Voltage,
		PowerCurrent:        rec.PowerCurrent,
		Telemetry:           rec.Telemetry,
		OriginLat:           rec.OriginLat,
		OriginLon:           rec.OriginLon,
		DistanceFromOriginM: rec.DistanceFromOriginM,
		MovedFar:            rec.MovedFar,
		LastSeen:            rec.LastSeen,
		IsSpecial:           rec.IsSpecial,
		IsGateway:           rec.IsGateway,
		HasPowerSensor:      rec.HasPowerSensor,
		GatewayConnections:  gwConn,
	}
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating persistence directory %s: %w", dir, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing temp persistence file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming persistence file into place %s: %w", path, err)
	}
	return nil
}

// Load restores state from cfg.PersistPath, best-effort: a missing file, an
// unparseable file, or a schema violation all produce a logged warning and
// an empty starting state rather than a startup crash.
func (p *Persistence) Load() error {
	data, err := os.ReadFile(p.cfg.PersistPath)
	if errors.Is(err, os.ErrNotExist) {
		p.logger.Warn("persistence file not found, starting with empty state", "path", p.cfg.PersistPath)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading persistence file %s: %w", p.cfg.PersistPath, err)
	}

	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		p.logger.Warn("persistence file is not valid JSON, starting with empty state", "path", p.cfg.PersistPath, "err", err)
		metrics.PersistenceErrors.Inc()
		return nil
	}
	if err := p.schema.Validate(generic); err != nil {
		p.logger.Warn("persistence file failed schema validation, starting with empty state", "path", p.cfg.PersistPath, "err", err)
		metrics.PersistenceErrors.Inc()
		return nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		p.logger.Warn("persistence file could not be decoded, starting with empty state", "path", p.cfg.PersistPath, "err", err)
		metrics.PersistenceErrors.Inc()
		return nil
	}

	for idStr, nd := range doc {
		id64, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			p.logger.Warn("skipping persisted entry with non-numeric node id", "key", idStr)
			continue
		}
		p.restoreNode(store.NodeID(id64), nd)
	}
	return nil
}

// restoreNode reconciles one loaded snapshot entry against current config
// and installs it into the store.
func (p *Persistence) restoreNode(id store.NodeID, nd *nodeDoc) {
	if nd == nil {
		return
	}
	info := nd.Info
	isSpecial := true

	lastPositionUpdate := info.LastPositionUpdate
	if lastPositionUpdate == nil && len(nd.PositionHistory) > 0 {
		ts := nd.PositionHistory[len(nd.PositionHistory)-1].TS
		lastPositionUpdate = &ts
	}

	battery := info.Battery
	if battery == nil && info.Voltage != nil {
		pct := process.VoltageToPercent(*info.Voltage)
		battery = &pct
	}

	p.st.UpsertNode(id, store.Patch{
		LongName:           &info.LongName,
		ShortName:          &info.ShortName,
		HwModel:            &info.HwModel,
		Role:               &info.Role,
		FirmwareVersion:    &info.FirmwareVersion,
		Region:             &info.Region,
		Lat:                info.Lat,
		Lon:                info.Lon,
		Alt:                info.Alt,
		LastPositionUpdate: lastPositionUpdate,
		Channel:            &info.Channel,
		ChannelName:        &info.ChannelName,
		ModemPreset:        &info.ModemPreset,
		RxRSSI:             info.RxRSSI,
		RxSNR:              info.RxSNR,
		Battery:            battery,
		Voltage:            info.Voltage,
		PowerCurrent:       info.PowerCurrent,
		Telemetry:          &info.Telemetry,
		LastSeen:           &info.LastSeen,
		IsSpecial:          &isSpecial,
		HasPowerSensor:     &info.HasPowerSensor,
	})

	p.reconcileOrigin(id)

	p.st.LoadHistory(id, nd.PositionHistory)
	p.st.LoadPackets(id, nd.Packets)

	for gwIDStr, edge := range info.GatewayConnections {
		gwID64, err := strconv.ParseUint(gwIDStr, 10, 32)
		if err != nil {
			continue
		}
		gwID := store.NodeID(gwID64)
		edge.GatewayID = gwID
		p.st.RecordGateway(id, gwID, edge)
		p.st.InvalidateReliability(gwID, info.LastSeen)
	}
}

// reconcileOrigin overwrites origin_lat/lon from the current config's home
// position (if configured) and recomputes distance_from_origin_m/moved_far
// against the record's loaded position.
func (p *Persistence) reconcileOrigin(id store.NodeID) {
	special, ok := p.cfg.SpecialNodes[id]
	if !ok || special.HomeLat == nil || special.HomeLon == nil {
		return
	}
	rec, ok := p.st.Node(id)
	if !ok || rec.Lat == nil || rec.Lon == nil {
		p.st.UpsertNode(id, store.Patch{OriginLat: special.HomeLat, OriginLon: special.HomeLon})
		return
	}

	distance, ok := geo.HaversineMeters(*special.HomeLat, *special.HomeLon, *rec.Lat, *rec.Lon)
	if !ok {
		return
	}
	movedFar := distance >= p.cfg.MovementThresholdMeters
	p.st.UpsertNode(id, store.Patch{
		OriginLat:           special.HomeLat,
		OriginLon:           special.HomeLon,
		DistanceFromOriginM: &distance,
		MovedFar:            &movedFar,
	})
}
