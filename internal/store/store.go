package store

import (
	"sort"
	"sync"
	"time"
)

// dedupKey identifies one (node, packet) pair in the packet-dedup index.
type dedupKey struct {
	node   NodeID
	packet uint32
}

type dedupEntry struct {
	score int
	index int // position in the packets[node] slice
}

// cooldownKey identifies one (node, alert-kind) pair in the alert cooldown
// map. Private to the owning processor; Store holds the map but exposes it
// only through CooldownActive/MarkAlertSent/GCCooldown, never through a
// snapshot.
type cooldownKey struct {
	node NodeID
	kind string
}

// Store is the concurrent node-state model. Every method takes the store's
// lock, so mutations from the processor, the persistence layer's
// restore/prune, and the cooldown GC sweep are serialized; reads may come
// from any goroutine and always observe a complete post-write state.
type Store struct {
	mu sync.RWMutex

	nodes              map[NodeID]*NodeRecord
	history            map[NodeID][]HistoryPoint
	positionSeen       map[NodeID]map[uint32]struct{}
	packets            map[NodeID][]PacketArchiveEntry
	packetDedup        map[dedupKey]dedupEntry
	gateways           map[NodeID]map[NodeID]GatewayEdge
	gatewayReliability map[NodeID]GatewayReliability
	allGatewayIDs      map[NodeID]struct{}
	lastPacketSeen     map[NodeID]float64
	alertCooldown      map[cooldownKey]float64

	historyRetention time.Duration
	packetRetention  time.Duration
}

// New constructs an empty Store. historyRetention bounds per-node
// HistoryPoint retention; packetRetention is
// the fixed 7-day archive cutoff.
func New(historyRetention, packetRetention time.Duration) *Store {
	return &Store{
		nodes:              make(map[NodeID]*NodeRecord),
		history:            make(map[NodeID][]HistoryPoint),
		positionSeen:       make(map[NodeID]map[uint32]struct{}),
		packets:            make(map[NodeID][]PacketArchiveEntry),
		packetDedup:        make(map[dedupKey]dedupEntry),
		gateways:           make(map[NodeID]map[NodeID]GatewayEdge),
		gatewayReliability: make(map[NodeID]GatewayReliability),
		allGatewayIDs:      make(map[NodeID]struct{}),
		lastPacketSeen:     make(map[NodeID]float64),
		alertCooldown:      make(map[cooldownKey]float64),
		historyRetention:   historyRetention,
		packetRetention:    packetRetention,
	}
}

// Patch is a set of NodeRecord field updates. Nil-valued pointer fields are
// left untouched by UpsertNode; only the fields this Patch actually sets
// are merged.
type Patch struct {
	LongName        *string
	ShortName       *string
	HwModel         *string
	Role            *string
	FirmwareVersion *string
	Region          *string

	Lat, Lon           *float64
	Alt                *int32
	LastPositionUpdate *float64

	Channel     *uint32
	ChannelName *string
	ModemPreset *string
	RxRSSI      *int32
	RxSNR       *float32

	Battery      *int32
	Voltage      *float32
	PowerCurrent *float32

	OriginLat, OriginLon *float64
	DistanceFromOriginM  *float64
	MovedFar             *bool

	LastSeen *float64

	IsSpecial      *bool
	IsGateway      *bool
	HasPowerSensor *bool

	Telemetry *TelemetrySnapshot
}

func applyStr(dst *string, p *string) {
	if p != nil {
		*dst = *p
	}
}

// UpsertNode merge-updates the record for id, creating a skeleton record if
// none exists, and returns a copy of the result. LastSeen only ever
// advances. The returned value is a snapshot, not a live pointer; callers
// needing the very latest state after further mutation should re-read via
// Node.
func (s *Store) UpsertNode(id NodeID, patch Patch) NodeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.upsertLocked(id, patch)
}

func (s *Store) upsertLocked(id NodeID, patch Patch) *NodeRecord {
	rec, ok := s.nodes[id]
	if !ok {
		rec = &NodeRecord{NodeID: id}
		s.nodes[id] = rec
	}

	applyStr(&rec.LongName, patch.LongName)
	applyStr(&rec.ShortName, patch.ShortName)
	applyStr(&rec.HwModel, patch.HwModel)
	applyStr(&rec.Role, patch.Role)
	applyStr(&rec.FirmwareVersion, patch.FirmwareVersion)
	applyStr(&rec.Region, patch.Region)
	applyStr(&rec.ChannelName, patch.ChannelName)
	applyStr(&rec.ModemPreset, patch.ModemPreset)

	if patch.Lat != nil {
		rec.Lat = patch.Lat
	}
	if patch.Lon != nil {
		rec.Lon = patch.Lon
	}
	if patch.Alt != nil {
		rec.Alt = patch.Alt
	}
	if patch.LastPositionUpdate != nil {
		rec.LastPositionUpdate = *patch.LastPositionUpdate
	}
	if patch.Channel != nil {
		rec.Channel = *patch.Channel
	}
	if patch.RxRSSI != nil {
		rec.RxRSSI = patch.RxRSSI
	}
	if patch.RxSNR != nil {
		rec.RxSNR = patch.RxSNR
	}
	if patch.Battery != nil {
		rec.Battery = patch.Battery
	}
	if patch.Voltage != nil {
		rec.Voltage = patch.Voltage
	}
	if patch.PowerCurrent != nil {
		rec.PowerCurrent = patch.PowerCurrent
	}
	if patch.OriginLat != nil {
		rec.OriginLat = patch.OriginLat
	}
	if patch.OriginLon != nil {
		rec.OriginLon = patch.OriginLon
	}
	if patch.DistanceFromOriginM != nil {
		rec.DistanceFromOriginM = patch.DistanceFromOriginM
	}
	if patch.MovedFar != nil {
		rec.MovedFar = *patch.MovedFar
	}
	if patch.IsSpecial != nil {
		rec.IsSpecial = *patch.IsSpecial
	}
	if patch.IsGateway != nil {
		rec.IsGateway = *patch.IsGateway
	}
	if patch.HasPowerSensor != nil {
		rec.HasPowerSensor = *patch.HasPowerSensor
	}
	if patch.Telemetry != nil {
		rec.Telemetry.merge(*patch.Telemetry)
	}
	if patch.LastSeen != nil && *patch.LastSeen > rec.LastSeen {
		rec.LastSeen = *patch.LastSeen
	}

	return rec
}

// Node returns a copy of the current record for id, or false if unknown.
func (s *Store) Node(id NodeID) (NodeRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.nodes[id]
	if !ok {
		return NodeRecord{}, false
	}
	return *rec, true
}

// Nodes returns a copy of every known NodeRecord.
func (s *Store) Nodes() []NodeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]NodeRecord, 0, len(s.nodes))
	for _, rec := range s.nodes {
		out = append(out, *rec)
	}
	return out
}

// AppendHistory appends point to id's history if its rxTime (0 meaning
// absent) has not already been seen, then prunes by historyRetention.
func (s *Store) AppendHistory(id NodeID, point HistoryPoint, rxTime uint32, now float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rxTime != 0 {
		seen := s.positionSeen[id]
		if seen == nil {
			seen = make(map[uint32]struct{})
			s.positionSeen[id] = seen
		}
		if _, dup := seen[rxTime]; dup {
			return
		}
		seen[rxTime] = struct{}{}
	}

	s.history[id] = append(s.history[id], point)
	s.pruneHistoryLocked(id, now)
}

func (s *Store) pruneHistoryLocked(id NodeID, now float64) {
	if s.historyRetention <= 0 {
		return
	}
	cutoff := now - s.historyRetention.Seconds()
	points := s.history[id]
	i := 0
	for i < len(points) && points[i].TS < cutoff {
		i++
	}
	if i > 0 {
		s.history[id] = append([]HistoryPoint(nil), points[i:]...)
	}
}

// History returns a copy of id's retained history points, oldest first.
func (s *Store) History(id NodeID) []HistoryPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	points := s.history[id]
	out := make([]HistoryPoint, len(points))
	copy(out, points)
	return out
}

func signalScore(directHop bool, snr *float32, rssi *int32) int {
	score := 0
	if directHop {
		score += 1000
	}
	if snr != nil {
		v := int((float64(*snr) + 20) * 2.5)
		if v > 50 {
			v = 50
		}
		if v > 0 {
			score += v
		}
	}
	if rssi != nil {
		v := int(*rssi) + 120
		if v > 40 {
			v = 40
		}
		if v > 0 {
			score += v
		}
	}
	return score
}

// RecordPacket archives entry for id under the packet-dedup rule: the copy
// with the strictly highest signal-quality score per
// packet_id is retained; packets without an id are archived unconditionally.
// Returns true if entry was actually stored (new archive slot or in-place
// replacement), false if discarded as a lower-scoring duplicate.
func (s *Store) RecordPacket(id NodeID, entry PacketArchiveEntry, directHop bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == nil {
		s.packets[id] = append(s.packets[id], entry)
		return true
	}

	score := signalScore(directHop, entry.RxSNR, entry.RxRSSI)
	key := dedupKey{node: id, packet: *entry.ID}

	if existing, ok := s.packetDedup[key]; ok {
		if score <= existing.score {
			return false
		}
		s.packets[id][existing.index] = entry
		s.packetDedup[key] = dedupEntry{score: score, index: existing.index}
		return true
	}

	s.packets[id] = append(s.packets[id], entry)
	s.packetDedup[key] = dedupEntry{score: score, index: len(s.packets[id]) - 1}
	return true
}

// PrunePackets drops archived entries older than the 7-day packetRetention
// cutoff, called from the periodic persistence snapshot.
func (s *Store) PrunePackets(now float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.packetRetention <= 0 {
		return
	}
	cutoff := now - s.packetRetention.Seconds()
	for id, entries := range s.packets {
		kept := entries[:0:0]
		for _, e := range entries {
			if e.Timestamp >= cutoff {
				kept = append(kept, e)
			}
		}
		s.packets[id] = kept
		for k := range s.packetDedup {
			if k.node == id {
				delete(s.packetDedup, k)
			}
		}
		for i, e := range kept {
			if e.ID == nil {
				continue
			}
			directHop := e.HopStart != nil && e.HopLimit != nil && *e.HopStart == *e.HopLimit
			s.packetDedup[dedupKey{node: id, packet: *e.ID}] = dedupEntry{score: signalScore(directHop, e.RxSNR, e.RxRSSI), index: i}
		}
	}
}

// PruneHistoryBefore drops every node's history points older than
// cutoffSeconds before now. This is the periodic persistence-save backstop,
// distinct from the continuous historyRetention pruning AppendHistory
// already applies on every insert.
func (s *Store) PruneHistoryBefore(now, cutoffSeconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now - cutoffSeconds
	for id, points := range s.history {
		i := 0
		for i < len(points) && points[i].TS < cutoff {
			i++
		}
		if i > 0 {
			s.history[id] = append([]HistoryPoint(nil), points[i:]...)
		}
	}
}

// LoadHistory replaces id's history wholesale. Used only when restoring a
// persisted snapshot at startup; live updates go through AppendHistory.
func (s *Store) LoadHistory(id NodeID, points []HistoryPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[id] = append([]HistoryPoint(nil), points...)
}

// LoadPackets replaces id's packet archive wholesale and rebuilds the dedup
// index from the loaded entries' own (hop, signal) data. Used only when
// restoring a persisted snapshot at startup.
func (s *Store) LoadPackets(id NodeID, entries []PacketArchiveEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets[id] = append([]PacketArchiveEntry(nil), entries...)
	for i, e := range entries {
		if e.ID == nil {
			continue
		}
		directHop := e.HopStart != nil && e.HopLimit != nil && *e.HopStart == *e.HopLimit
		key := dedupKey{node: id, packet: *e.ID}
		s.packetDedup[key] = dedupEntry{score: signalScore(directHop, e.RxSNR, e.RxRSSI), index: i}
	}
}

// Packets returns a copy of id's archived packets, oldest first.
func (s *Store) Packets(id NodeID) []PacketArchiveEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.packets[id]
	out := make([]PacketArchiveEntry, len(entries))
	copy(out, entries)
	return out
}

// AllSpecialPackets returns a copy of every archived packet across every
// special node currently tracked, sorted newest first.
func (s *Store) AllSpecialPackets() map[NodeID][]PacketArchiveEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[NodeID][]PacketArchiveEntry, len(s.packets))
	for id, entries := range s.packets {
		cp := make([]PacketArchiveEntry, len(entries))
		copy(cp, entries)
		sort.Slice(cp, func(i, j int) bool { return cp[i].Timestamp > cp[j].Timestamp })
		out[id] = cp
	}
	return out
}

// RecordGateway updates the (special_id, gateway_id) edge latest-wins, marks
// gateway_id as a known gateway, and updates the special node's best_gateway
// if the candidate outranks the current one: direct beats partial, and
// within the same confidence level higher rx_rssi wins.
func (s *Store) RecordGateway(specialID, gatewayID NodeID, edge GatewayEdge) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byGateway := s.gateways[specialID]
	if byGateway == nil {
		byGateway = make(map[NodeID]GatewayEdge)
		s.gateways[specialID] = byGateway
	}
	byGateway[gatewayID] = edge
	s.allGatewayIDs[gatewayID] = struct{}{}

	gw, ok := s.nodes[gatewayID]
	if !ok {
		gw = &NodeRecord{NodeID: gatewayID}
		s.nodes[gatewayID] = gw
	}
	gw.IsGateway = true

	rec, ok := s.nodes[specialID]
	if !ok {
		rec = &NodeRecord{NodeID: specialID}
		s.nodes[specialID] = rec
	}
	if betterEdge(edge, rec.BestGateway) {
		e := edge
		rec.BestGateway = &e
	}
}

func betterEdge(candidate GatewayEdge, current *GatewayEdge) bool {
	if current == nil {
		return true
	}
	if candidate.Confidence == ConfidenceDirect && current.Confidence != ConfidenceDirect {
		return true
	}
	if candidate.Confidence != ConfidenceDirect && current.Confidence == ConfidenceDirect {
		return false
	}
	if candidate.RSSI == nil {
		return false
	}
	if current.RSSI == nil {
		return true
	}
	return *candidate.RSSI > *current.RSSI
}

// RenameGatewayEdges propagates a gateway's updated long name to every edge
// that references it.
func (s *Store) RenameGatewayEdges(gatewayID NodeID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, edges := range s.gateways {
		if e, ok := edges[gatewayID]; ok {
			e.Name = name
			edges[gatewayID] = e
		}
	}
}

// GatewayEdgesFor returns a copy of every gateway edge recorded for a
// special node, keyed by gateway ID.
func (s *Store) GatewayEdgesFor(specialID NodeID) map[NodeID]GatewayEdge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[NodeID]GatewayEdge, len(s.gateways[specialID]))
	for k, v := range s.gateways[specialID] {
		out[k] = v
	}
	return out
}

// AllGatewayIDs returns a copy of the set of node IDs ever inferred as a
// gateway.
func (s *Store) AllGatewayIDs() []NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]NodeID, 0, len(s.allGatewayIDs))
	for id := range s.allGatewayIDs {
		out = append(out, id)
	}
	return out
}

// gatewayReliabilityScore computes a 0-100 score: confidence (direct 40 /
// partial 20) + detection count (min(30, count*10)) + avg-RSSI component
// (clamp(avg_rssi+120, 0, 30)). ConfidenceLevel is "direct" if any
// detection was direct-hop, else "partial", or "none" with no detections
// at all.
func gatewayReliabilityScore(edges []GatewayEdge) GatewayReliability {
	if len(edges) == 0 {
		return GatewayReliability{ConfidenceLevel: "none"}
	}

	var confidenceComponent int
	var rssiSum float64
	var rssiCount int
	hasDirect := false

	for _, e := range edges {
		if e.Confidence == ConfidenceDirect {
			hasDirect = true
		}
		if e.RSSI != nil {
			rssiSum += float64(*e.RSSI)
			rssiCount++
		}
	}

	confidenceLevel := "partial"
	if hasDirect {
		confidenceLevel = "direct"
		confidenceComponent = 40
	} else {
		confidenceComponent = 20
	}

	detectionComponent := len(edges) * 10
	if detectionComponent > 30 {
		detectionComponent = 30
	}

	var avgRSSI *float64
	rssiComponent := 0
	if rssiCount > 0 {
		avg := rssiSum / float64(rssiCount)
		avgRSSI = &avg
		rssiComponent = int(avg) + 120
		if rssiComponent < 0 {
			rssiComponent = 0
		}
		if rssiComponent > 30 {
			rssiComponent = 30
		}
	}

	return GatewayReliability{
		Score:           confidenceComponent + detectionComponent + rssiComponent,
		DetectionCount:  len(edges),
		AvgRSSI:         avgRSSI,
		ConfidenceLevel: confidenceLevel,
	}
}

// InvalidateReliability recomputes gateway_id's cached reliability score
// from the edges currently referencing it across every special node.
func (s *Store) InvalidateReliability(gatewayID NodeID, now float64) GatewayReliability {
	s.mu.Lock()
	defer s.mu.Unlock()

	var edges []GatewayEdge
	for _, byGateway := range s.gateways {
		if e, ok := byGateway[gatewayID]; ok {
			edges = append(edges, e)
		}
	}

	result := gatewayReliabilityScore(edges)
	result.LastUpdated = now
	s.gatewayReliability[gatewayID] = result
	return result
}

// GatewayReliabilityFor returns gateway_id's cached reliability score.
func (s *Store) GatewayReliabilityFor(gatewayID NodeID) (GatewayReliability, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.gatewayReliability[gatewayID]
	return r, ok
}

// SetLastPacketSeen records the most recent packet-reception timestamp for
// a special node.
func (s *Store) SetLastPacketSeen(id NodeID, ts float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPacketSeen[id] = ts
}

// LastPacketSeen returns the last recorded packet-reception timestamp for a
// special node.
func (s *Store) LastPacketSeen(id NodeID) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.lastPacketSeen[id]
	return ts, ok
}

// CooldownActive reports whether an alert of kind for node id is still
// within its cooldown window as of now.
func (s *Store) CooldownActive(id NodeID, kind string, now, cooldown float64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	last, ok := s.alertCooldown[cooldownKey{node: id, kind: kind}]
	if !ok {
		return false
	}
	return now-last < cooldown
}

// MarkAlertSent records that an alert of kind for node id fired at now,
// starting its cooldown window.
func (s *Store) MarkAlertSent(id NodeID, kind string, now float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alertCooldown[cooldownKey{node: id, kind: kind}] = now
}

// GCCooldown drops cooldown entries older than maxAge or belonging to a
// NodeID isConfigured reports as no longer tracked.
func (s *Store) GCCooldown(now, maxAge float64, isConfigured func(NodeID) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, last := range s.alertCooldown {
		if now-last >= maxAge || !isConfigured(k.node) {
			delete(s.alertCooldown, k)
		}
	}
}
