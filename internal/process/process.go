// Package process implements C4: the single-writer packet processor that
// turns a decoded MeshPacket into node-state mutations, gateway inference,
// and alert triggers.
package process

import (
	"errors"
	"fmt"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"github.com/charmbracelet/log"

	"github.com/sequoiayc/meshbuoy/internal/config"
	"github.com/sequoiayc/meshbuoy/internal/geo"
	"github.com/sequoiayc/meshbuoy/internal/meshmsg"
	"github.com/sequoiayc/meshbuoy/internal/metrics"
	"github.com/sequoiayc/meshbuoy/internal/store"
	"github.com/sequoiayc/meshbuoy/internal/topic"
)

// Alert kinds used as the cooldown key's discriminator.
const (
	AlertMovement = "movement"
	AlertBattery  = "battery"
)

// Alerter delivers a triggered alert. The Processor is the sole decision
// point for whether an alert fires; implementations are pure transport.
type Alerter interface {
	Send(kind string, id store.NodeID, rec store.NodeRecord, scalar float64) error
}

// Processor performs all packet-driven mutation of a Store. Every exported
// method must be called from a single goroutine.
type Processor struct {
	st     *store.Store
	cfg    *config.Config
	key    []byte
	alerts Alerter
	logger *log.Logger
}

// New constructs a Processor. key is the already-validated channel
// encryption key (config.Config.MQTTEncryptionKey, parsed once at startup).
func New(st *store.Store, cfg *config.Config, key []byte, alerts Alerter, logger *log.Logger) *Processor {
	return &Processor{st: st, cfg: cfg, key: key, alerts: alerts, logger: logger}
}

// Process is the entry point per decoded MeshPacket: decode, update
// liveness, archive (special senders), dispatch to the port-specific
// handler, and infer the gateway edge. now is the wall-clock reception time
// in Unix seconds.
func (p *Processor) Process(packet *meshtastic.MeshPacket, mqttTopic string, now float64) error {
	parsedTopic := topic.Parse(mqttTopic)

	env, err := meshmsg.Decode(packet, p.key)
	if err != nil {
		if errors.Is(err, meshmsg.ErrUnknownPortnum) {
			metrics.UnknownPortnum.Inc()
			p.logger.Debug("unknown portnum", "from", packet.GetFrom())
			return nil
		}
		metrics.DecodeErrors.WithLabelValues("decode").Inc()
		return fmt.Errorf("decoding packet from %d: %w", packet.GetFrom(), err)
	}

	from := packet.GetFrom()
	channelName := p.cfg.MQTTChannelName
	if parsedTopic.ChannelName != nil {
		channelName = *parsedTopic.ChannelName
	}

	special, isSpecial := p.cfg.SpecialNodes[from]

	p.st.UpsertNode(from, store.Patch{
		LastSeen:    &now,
		ChannelName: &channelName,
		IsSpecial:   &isSpecial,
	})

	if isSpecial {
		p.st.SetLastPacketSeen(from, now)
		p.archivePacket(from, packet, env, channelName, mqttTopic, now)
	}

	switch env.Kind {
	case meshmsg.KindUser:
		p.handleUser(from, env.User)
	case meshmsg.KindPosition:
		p.handlePosition(from, env.Position, special, isSpecial, packet.GetRxRssi(), packet.GetRxSnr(), now)
	case meshmsg.KindTelemetry:
		p.handleTelemetry(from, env.Telemetry, special, isSpecial, now)
	case meshmsg.KindMapReport:
		p.handleMapReport(from, env.MapReport)
	case meshmsg.KindAdmin, meshmsg.KindNeighborInfo:
		// accepted and archived above; no further state change.
	}
	metrics.PacketsProcessed.WithLabelValues(kindLabel(env.Kind)).Inc()

	if isSpecial {
		p.inferGateway(from, packet, parsedTopic)
	}

	return nil
}

func kindLabel(k meshmsg.Kind) string {
	switch k {
	case meshmsg.KindAdmin:
		return "admin"
	case meshmsg.KindPosition:
		return "position"
	case meshmsg.KindUser:
		return "user"
	case meshmsg.KindTelemetry:
		return "telemetry"
	case meshmsg.KindMapReport:
		return "map_report"
	case meshmsg.KindNeighborInfo:
		return "neighbor_info"
	default:
		return "unknown"
	}
}

func (p *Processor) handleUser(from store.NodeID, u *meshtastic.User) {
	longName := u.GetLongName()
	shortName := u.GetShortName()
	hwModel := u.GetHwModel().String()
	role := u.GetRole().String()

	p.st.UpsertNode(from, store.Patch{
		LongName:  &longName,
		ShortName: &shortName,
		HwModel:   &hwModel,
		Role:      &role,
	})

	if rec, ok := p.st.Node(from); ok && rec.IsGateway {
		p.st.RenameGatewayEdges(from, longName)
	}
}

func (p *Processor) handlePosition(from store.NodeID, pos *meshtastic.Position, special config.SpecialNode, isSpecial bool, rxRSSI int32, rxSNR float32, now float64) {
	lat, latOK := meshmsg.ScaledCoordinate(pos.LatitudeI)
	lon, lonOK := meshmsg.ScaledCoordinate(pos.LongitudeI)
	if !latOK || !lonOK {
		return
	}
	alt := pos.Altitude

	patch := store.Patch{
		Lat:                &lat,
		Lon:                &lon,
		Alt:                alt,
		LastPositionUpdate: &now,
	}

	if isSpecial {
		origin := p.resolveOrigin(from, special, lat, lon)
		distance, ok := geo.HaversineMeters(origin.lat, origin.lon, lat, lon)
		if ok {
			movedFar := distance >= p.cfg.MovementThresholdMeters
			patch.OriginLat, patch.OriginLon = &origin.lat, &origin.lon
			patch.DistanceFromOriginM = &distance
			patch.MovedFar = &movedFar

			if movedFar {
				rec := p.st.UpsertNode(from, patch)
				p.maybeAlert(AlertMovement, from, rec, distance, now)
			} else {
				p.st.UpsertNode(from, patch)
			}
		} else {
			p.st.UpsertNode(from, patch)
		}

		rssi := rxRSSI
		snr := rxSNR
		p.st.AppendHistory(from, store.HistoryPoint{
			TS:   now,
			Lat:  lat,
			Lon:  lon,
			Alt:  alt,
			RSSI: &rssi,
			SNR:  &snr,
		}, pos.GetTime(), now)
	} else {
		p.st.UpsertNode(from, patch)
	}
}

type originPoint struct{ lat, lon float64 }

// resolveOrigin returns the special node's configured home position. If
// none was configured, the first observed position becomes the origin from
// then on.
func (p *Processor) resolveOrigin(from store.NodeID, special config.SpecialNode, observedLat, observedLon float64) originPoint {
	if special.HomeLat != nil && special.HomeLon != nil {
		return originPoint{*special.HomeLat, *special.HomeLon}
	}
	if rec, ok := p.st.Node(from); ok && rec.OriginLat != nil && rec.OriginLon != nil {
		return originPoint{*rec.OriginLat, *rec.OriginLon}
	}
	return originPoint{observedLat, observedLon}
}

func (p *Processor) handleTelemetry(from store.NodeID, tel *meshtastic.Telemetry, special config.SpecialNode, isSpecial bool, now float64) {
	snapshot := store.TelemetrySnapshot{UpdatedAt: now}

	// The generated metric fields are optional; only the ones actually
	// present in this packet are merged, so successive packets carrying
	// different subsets never clobber each other.
	if dm := tel.GetDeviceMetrics(); dm != nil {
		if dm.BatteryLevel != nil {
			v := dm.GetBatteryLevel()
			snapshot.BatteryLevel = &v
		}
		if dm.Voltage != nil {
			v := dm.GetVoltage()
			snapshot.Voltage = &v
		}
		if dm.ChannelUtilization != nil {
			v := dm.GetChannelUtilization()
			snapshot.ChannelUtilization = &v
		}
		if dm.AirUtilTx != nil {
			v := dm.GetAirUtilTx()
			snapshot.AirUtilTx = &v
		}
		if dm.UptimeSeconds != nil {
			v := dm.GetUptimeSeconds()
			snapshot.UptimeSeconds = &v
		}
	}
	if pm := tel.GetPowerMetrics(); pm != nil {
		if pm.Ch1Voltage != nil {
			v := pm.GetCh1Voltage()
			snapshot.Ch1Voltage = &v
		}
		if pm.Ch1Current != nil {
			v := pm.GetCh1Current()
			snapshot.Ch1Current = &v
		}
		if pm.Ch3Voltage != nil {
			v := pm.GetCh3Voltage()
			snapshot.Ch3Voltage = &v
		}
		if pm.Ch3Current != nil {
			v := pm.GetCh3Current()
			snapshot.Ch3Current = &v
		}
	}

	rec := p.st.UpsertNode(from, store.Patch{Telemetry: &snapshot})

	percent, voltage := deriveBattery(rec.Telemetry, special.HasPowerSensor(), special.VoltageChannel)
	if percent != nil || voltage != nil {
		p.st.UpsertNode(from, store.Patch{Battery: percent, Voltage: voltage})
	}

	if !isSpecial {
		return
	}

	if rec.Lat != nil && rec.Lon != nil {
		var batteryHist *float64
		if special.HasPowerSensor() && voltage != nil {
			v := float64(*voltage)
			batteryHist = &v
		} else if percent != nil {
			v := float64(*percent)
			batteryHist = &v
		}
		p.st.AppendHistory(from, store.HistoryPoint{
			TS:      now,
			Lat:     *rec.Lat,
			Lon:     *rec.Lon,
			Alt:     rec.Alt,
			Battery: batteryHist,
		}, 0, now)
	}

	if batteryAlertTriggered(special.HasPowerSensor(), voltage, percent, p.cfg.LowBatteryThreshold) {
		scalar := 0.0
		if special.HasPowerSensor() && voltage != nil {
			scalar = float64(*voltage)
		} else if percent != nil {
			scalar = float64(*percent)
		}
		updated, _ := p.st.Node(from)
		p.maybeAlert(AlertBattery, from, updated, scalar, now)
	}
}

func (p *Processor) handleMapReport(from store.NodeID, m *meshtastic.MapReport) {
	modemPreset := meshmsg.ModemPresetName(int32(m.GetModemPreset()))
	region := m.GetRegion().String()
	firmware := m.GetFirmwareVersion()

	p.st.UpsertNode(from, store.Patch{
		ModemPreset:     &modemPreset,
		Region:          &region,
		FirmwareVersion: &firmware,
	})
}

// inferGateway records the gateway edge for a direct-hop packet: when
// hop_start == hop_limit (both present) the receiving gateway named by the
// MQTT topic's !hex segment is recorded with confidence "direct". Relayed
// packets (hop_start > hop_limit) produce no edge.
func (p *Processor) inferGateway(specialID store.NodeID, packet *meshtastic.MeshPacket, parsedTopic topic.Parsed) {
	if parsedTopic.GatewayID == nil {
		return
	}
	start, limit := packet.GetHopStart(), packet.GetHopLimit()
	present := start != 0 || limit != 0
	if !present || start > limit {
		return
	}
	if start != limit {
		return
	}

	gatewayID := *parsedTopic.GatewayID
	rssi := packet.GetRxRssi()
	snr := packet.GetRxSnr()

	var name string
	if gw, ok := p.st.Node(gatewayID); ok {
		name = gw.LongName
	}

	p.st.RecordGateway(specialID, gatewayID, store.GatewayEdge{
		GatewayID:  gatewayID,
		Name:       name,
		RSSI:       &rssi,
		SNR:        &snr,
		LastSeen:   float64(packet.GetRxTime()),
		Confidence: store.ConfidenceDirect,
		HopStart:   &start,
		HopLimit:   &limit,
	})
	p.st.InvalidateReliability(gatewayID, float64(packet.GetRxTime()))
}

// archivePacket records the packet for a special sender before any other
// processing, under the signal-quality dedup rule. Archival failure must
// never block downstream handling, so it logs rather than returns an error.
func (p *Processor) archivePacket(from store.NodeID, packet *meshtastic.MeshPacket, env *meshmsg.Envelope, channelName, mqttTopic string, now float64) {
	start, limit := packet.GetHopStart(), packet.GetHopLimit()
	present := start != 0 || limit != 0
	directHop := present && start == limit

	var id *uint32
	if pid := packet.GetId(); pid != 0 {
		id = &pid
	}
	var hopStart, hopLimit *uint32
	if present {
		hopStart, hopLimit = &start, &limit
	}
	rssi := packet.GetRxRssi()
	snr := packet.GetRxSnr()

	entry := store.PacketArchiveEntry{
		Timestamp:   now,
		PacketType:  kindLabel(env.Kind),
		ID:          id,
		Channel:     packet.GetChannel(),
		ChannelName: channelName,
		PortnumName: env.Data.GetPortnum().String(),
		HopStart:    hopStart,
		HopLimit:    hopLimit,
		RxRSSI:      &rssi,
		RxSNR:       &snr,
		MQTTTopic:   mqttTopic,
	}

	switch env.Kind {
	case meshmsg.KindPosition:
		if lat, ok := meshmsg.ScaledCoordinate(env.Position.LatitudeI); ok {
			lon, _ := meshmsg.ScaledCoordinate(env.Position.LongitudeI)
			entry.Position = &store.PositionFields{Lat: lat, Lon: lon, Alt: env.Position.Altitude}
		}
	case meshmsg.KindTelemetry:
		if dm := env.Telemetry.GetDeviceMetrics(); dm != nil {
			fields := &store.TelemetryFields{}
			if dm.BatteryLevel != nil {
				v := dm.GetBatteryLevel()
				fields.BatteryLevel = &v
			}
			if dm.Voltage != nil {
				v := dm.GetVoltage()
				fields.Voltage = &v
			}
			entry.Telemetry = fields
		}
	}

	p.st.RecordPacket(from, entry, directHop)
}

// maybeAlert applies the cooldown/disabled gate ahead of dispatch; the
// cooldown map is processor-private, so the dispatcher itself stays pure
// transport. On success the cooldown map is stamped and its stale entries
// swept.
func (p *Processor) maybeAlert(kind string, id store.NodeID, rec store.NodeRecord, scalar, now float64) {
	if !p.cfg.AlertEnabled {
		metrics.AlertsSkipped.WithLabelValues("disabled").Inc()
		return
	}
	if p.st.CooldownActive(id, kind, now, p.cfg.AlertCooldown.Seconds()) {
		metrics.AlertsSkipped.WithLabelValues("cooldown").Inc()
		return
	}
	if err := p.alerts.Send(kind, id, rec, scalar); err != nil {
		p.logger.Warn("alert send failed", "kind", kind, "node", id, "err", err)
		metrics.AlertsSkipped.WithLabelValues("error").Inc()
		return
	}
	p.st.MarkAlertSent(id, kind, now)
	metrics.AlertsSent.WithLabelValues(kind).Inc()
	p.st.GCCooldown(now, 3*p.cfg.AlertCooldown.Seconds(), func(n store.NodeID) bool {
		_, ok := p.cfg.SpecialNodes[n]
		return ok
	})
}
