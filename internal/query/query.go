// Package query implements C8: the read-only projections of the node-state
// store that the HTTP surface exposes. Every function here
// only reads from store.Store; none may mutate it.
package query

import (
	"sort"

	"github.com/sequoiayc/meshbuoy/internal/config"
	"github.com/sequoiayc/meshbuoy/internal/geo"
	"github.com/sequoiayc/meshbuoy/internal/store"
)

// StatusColor is the three-level liveness indicator derived from
// now-last_seen, blue being freshest.
type StatusColor string

const (
	StatusBlue   StatusColor = "blue"
	StatusOrange StatusColor = "orange"
	StatusRed    StatusColor = "red"
)

// NodeView is one entry of list_nodes(): a NodeRecord decorated with the
// read-side fields a client needs and none of the internal bookkeeping.
type NodeView struct {
	Record             store.NodeRecord
	Geohash            string                  `json:"geohash,omitempty"`
	StatusColor        StatusColor             `json:"status_color"`
	AgeMinutes         int64                   `json:"age_min"`
	GatewayConnections []GatewayConnectionView `json:"gateway_connections,omitempty"`
}

// GatewayConnectionView is one special-node-observes-gateway edge decorated
// with the gateway's cached reliability score.
type GatewayConnectionView struct {
	store.GatewayEdge
	Reliability store.GatewayReliability `json:"reliability"`
}

// ListNodes implements list_nodes(): every node the store knows about
// (unless SHOW_ALL_NODES=false restricts the result to special nodes and
// gateways), gateways synthesized when the store has no full record for
// them, special nodes decorated with their gateway connections and status.
func ListNodes(st *store.Store, cfg *config.Config, now float64) []NodeView {
	nodes := st.Nodes()
	byID := make(map[store.NodeID]store.NodeRecord, len(nodes))
	for _, rec := range nodes {
		byID[rec.NodeID] = rec
	}

	for _, gwID := range st.AllGatewayIDs() {
		if _, ok := byID[gwID]; !ok {
			byID[gwID] = store.NodeRecord{NodeID: gwID, IsGateway: true}
		}
	}

	views := make([]NodeView, 0, len(byID))
	for _, rec := range byID {
		if !cfg.ShowAllNodes && !rec.IsSpecial && !rec.IsGateway {
			continue
		}
		views = append(views, buildNodeView(st, cfg, rec, now))
	}

	sort.Slice(views, func(i, j int) bool { return views[i].Record.NodeID < views[j].Record.NodeID })
	return views
}

func buildNodeView(st *store.Store, cfg *config.Config, rec store.NodeRecord, now float64) NodeView {
	view := NodeView{
		Record:      rec,
		StatusColor: statusColor(now-rec.LastSeen, cfg.StatusBlueThreshold.Seconds(), cfg.StatusOrangeThreshold.Seconds()),
		AgeMinutes:  int64((now - rec.LastSeen) / 60),
	}
	if rec.Lat != nil && rec.Lon != nil {
		view.Geohash = geo.Hash(*rec.Lat, *rec.Lon)
	}

	if rec.IsSpecial {
		edges := st.GatewayEdgesFor(rec.NodeID)
		conns := make([]GatewayConnectionView, 0, len(edges))
		for gwID, edge := range edges {
			rel, _ := st.GatewayReliabilityFor(gwID)
			conns = append(conns, GatewayConnectionView{GatewayEdge: edge, Reliability: rel})
		}
		sort.Slice(conns, func(i, j int) bool { return conns[i].GatewayID < conns[j].GatewayID })
		view.GatewayConnections = conns
	}

	return view
}

// statusColor classifies ageSeconds against the two configured thresholds:
// blue < T1, orange < T2, red otherwise.
func statusColor(ageSeconds, blueThreshold, orangeThreshold float64) StatusColor {
	switch {
	case ageSeconds < blueThreshold:
		return StatusBlue
	case ageSeconds < orangeThreshold:
		return StatusOrange
	default:
		return StatusRed
	}
}

// GetSpecialHistory implements get_special_history(node_id, hours): filters
// to the trailing window, then buckets into at most one point per
// data_limit_time window, keeping the latest point in each bucket.
func GetSpecialHistory(st *store.Store, id store.NodeID, now, hoursBack, dataLimitTimeSeconds float64) []store.HistoryPoint {
	points := st.History(id)
	cutoff := now - hoursBack*3600

	filtered := points[:0:0]
	for _, p := range points {
		if p.TS >= cutoff {
			filtered = append(filtered, p)
		}
	}
	if dataLimitTimeSeconds <= 0 {
		return filtered
	}

	buckets := make(map[int64]store.HistoryPoint)
	order := make([]int64, 0)
	for _, p := range filtered {
		bucket := int64(p.TS / dataLimitTimeSeconds)
		if existing, ok := buckets[bucket]; !ok || p.TS > existing.TS {
			if !ok {
				order = append(order, bucket)
			}
			buckets[bucket] = p
		}
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	out := make([]store.HistoryPoint, 0, len(order))
	for _, b := range order {
		out = append(out, buckets[b])
	}
	return out
}

// SpecialNodePackets implements get_special_node_packets(node_id?, limit?).
// When id is nil, every special node's archive is merged and sorted newest
// first before the limit is applied.
func SpecialNodePackets(st *store.Store, id *store.NodeID, limit int) []store.PacketArchiveEntry {
	var all []store.PacketArchiveEntry
	if id != nil {
		all = append(all, st.Packets(*id)...)
		sort.Slice(all, func(i, j int) bool { return all[i].Timestamp > all[j].Timestamp })
	} else {
		byNode := st.AllSpecialPackets()
		nodeIDs := make([]store.NodeID, 0, len(byNode))
		for nid := range byNode {
			nodeIDs = append(nodeIDs, nid)
		}
		sort.Slice(nodeIDs, func(i, j int) bool { return nodeIDs[i] < nodeIDs[j] })
		for _, nid := range nodeIDs {
			all = append(all, byNode[nid]...)
		}
		sort.Slice(all, func(i, j int) bool { return all[i].Timestamp > all[j].Timestamp })
	}

	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

// GatewayConnections implements get_gateway_connections(special_node_id?):
// either one special node's edges or every special node's edges keyed by
// NodeID.
func GatewayConnections(st *store.Store, specialID *store.NodeID) map[store.NodeID]map[store.NodeID]store.GatewayEdge {
	if specialID != nil {
		return map[store.NodeID]map[store.NodeID]store.GatewayEdge{*specialID: st.GatewayEdgesFor(*specialID)}
	}

	out := make(map[store.NodeID]map[store.NodeID]store.GatewayEdge)
	for _, rec := range st.Nodes() {
		if !rec.IsSpecial {
			continue
		}
		edges := st.GatewayEdgesFor(rec.NodeID)
		if len(edges) > 0 {
			out[rec.NodeID] = edges
		}
	}
	return out
}

// GatewayView is one entry of get_all_gateways(): a gateway NodeID, its
// cached reliability, and the set of special nodes currently observing it.
type GatewayView struct {
	GatewayID   store.NodeID             `json:"gateway_node_id"`
	Record      store.NodeRecord         `json:"record"`
	Reliability store.GatewayReliability `json:"reliability"`
	ObservedBy  []store.NodeID           `json:"observed_by"`
}

// AllGateways implements get_all_gateways(): every NodeID ever inferred as
// a gateway, with the special nodes currently reporting an edge to it.
func AllGateways(st *store.Store) []GatewayView {
	gwIDs := st.AllGatewayIDs()
	observedBy := make(map[store.NodeID][]store.NodeID)
	for _, rec := range st.Nodes() {
		if !rec.IsSpecial {
			continue
		}
		for gwID := range st.GatewayEdgesFor(rec.NodeID) {
			observedBy[gwID] = append(observedBy[gwID], rec.NodeID)
		}
	}

	views := make([]GatewayView, 0, len(gwIDs))
	for _, gwID := range gwIDs {
		rec, _ := st.Node(gwID)
		rel, _ := st.GatewayReliabilityFor(gwID)
		by := observedBy[gwID]
		sort.Slice(by, func(i, j int) bool { return by[i] < by[j] })
		views = append(views, GatewayView{GatewayID: gwID, Record: rec, Reliability: rel, ObservedBy: by})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].GatewayID < views[j].GatewayID })
	return views
}
