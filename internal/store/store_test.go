package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptrI32(v int32) *int32     { return &v }
func ptrF32(v float32) *float32 { return &v }
func ptrF64(v float64) *float64 { return &v }

func TestUpsertNodeMergePreservesUnknownFields(t *testing.T) {
	s := New(24*time.Hour, 7*24*time.Hour)

	name := "Buoy A"
	s.UpsertNode(1, Patch{LongName: &name, LastSeen: ptrF64(100)})

	hw := "TBEAM"
	s.UpsertNode(1, Patch{HwModel: &hw, LastSeen: ptrF64(101)})

	rec, ok := s.Node(1)
	require.True(t, ok)
	assert.Equal(t, "Buoy A", rec.LongName)
	assert.Equal(t, "TBEAM", rec.HwModel)
	assert.Equal(t, float64(101), rec.LastSeen)
}

func TestUpsertNodeLastSeenMonotonic(t *testing.T) {
	s := New(24*time.Hour, 7*24*time.Hour)
	s.UpsertNode(1, Patch{LastSeen: ptrF64(200)})
	s.UpsertNode(1, Patch{LastSeen: ptrF64(50)})

	rec, ok := s.Node(1)
	require.True(t, ok)
	assert.Equal(t, float64(200), rec.LastSeen)
}

func TestAppendHistoryDedupByRxTime(t *testing.T) {
	s := New(24*time.Hour, 7*24*time.Hour)
	s.AppendHistory(1, HistoryPoint{TS: 10, Lat: 1, Lon: 1}, 555, 10)
	s.AppendHistory(1, HistoryPoint{TS: 11, Lat: 1.1, Lon: 1.1}, 555, 11)
	s.AppendHistory(1, HistoryPoint{TS: 12, Lat: 1.2, Lon: 1.2}, 556, 12)

	points := s.History(1)
	require.Len(t, points, 2)
	assert.Equal(t, float64(10), points[0].TS)
	assert.Equal(t, float64(12), points[1].TS)
}

func TestAppendHistoryAlwaysAppendsWhenRxTimeAbsent(t *testing.T) {
	s := New(24*time.Hour, 7*24*time.Hour)
	s.AppendHistory(1, HistoryPoint{TS: 10}, 0, 10)
	s.AppendHistory(1, HistoryPoint{TS: 11}, 0, 11)

	assert.Len(t, s.History(1), 2)
}

func TestAppendHistoryPrunesByRetention(t *testing.T) {
	s := New(10*time.Second, 7*24*time.Hour)
	s.AppendHistory(1, HistoryPoint{TS: 0}, 1, 0)
	s.AppendHistory(1, HistoryPoint{TS: 5}, 2, 5)
	s.AppendHistory(1, HistoryPoint{TS: 20}, 3, 20)

	points := s.History(1)
	require.Len(t, points, 1)
	assert.Equal(t, float64(20), points[0].TS)
}

// Two copies of packet id 777, one direct-hop, one partial, resolve to a
// single archived entry retaining the direct-hop copy.
func TestRecordPacketDedupPreference(t *testing.T) {
	s := New(24*time.Hour, 7*24*time.Hour)
	id := uint32(777)

	partial := PacketArchiveEntry{Timestamp: 1, ID: &id, HopStart: ptrU32(3), HopLimit: ptrU32(2), RxRSSI: ptrI32(-95)}
	stored := s.RecordPacket(42, partial, false)
	assert.True(t, stored)

	direct := PacketArchiveEntry{Timestamp: 2, ID: &id, HopStart: ptrU32(3), HopLimit: ptrU32(3), RxRSSI: ptrI32(-60)}
	stored = s.RecordPacket(42, direct, true)
	assert.True(t, stored)

	entries := s.Packets(42)
	require.Len(t, entries, 1)
	assert.Equal(t, uint32(3), *entries[0].HopStart)
	assert.Equal(t, uint32(3), *entries[0].HopLimit)
}

func TestRecordPacketDiscardsLowerScoringDuplicate(t *testing.T) {
	s := New(24*time.Hour, 7*24*time.Hour)
	id := uint32(1)

	direct := PacketArchiveEntry{Timestamp: 1, ID: &id, HopStart: ptrU32(1), HopLimit: ptrU32(1)}
	s.RecordPacket(1, direct, true)

	partial := PacketArchiveEntry{Timestamp: 2, ID: &id, HopStart: ptrU32(3), HopLimit: ptrU32(1)}
	stored := s.RecordPacket(1, partial, false)
	assert.False(t, stored)

	entries := s.Packets(1)
	require.Len(t, entries, 1)
	assert.Equal(t, uint32(1), *entries[0].HopLimit)
}

func TestRecordPacketWithoutIDAlwaysArchived(t *testing.T) {
	s := New(24*time.Hour, 7*24*time.Hour)
	s.RecordPacket(1, PacketArchiveEntry{Timestamp: 1}, false)
	s.RecordPacket(1, PacketArchiveEntry{Timestamp: 2}, false)
	assert.Len(t, s.Packets(1), 2)
}

func TestPrunePacketsByRetention(t *testing.T) {
	s := New(24*time.Hour, 10*time.Second)
	s.RecordPacket(1, PacketArchiveEntry{Timestamp: 0}, false)
	s.RecordPacket(1, PacketArchiveEntry{Timestamp: 20}, false)

	s.PrunePackets(20)
	assert.Len(t, s.Packets(1), 1)
}

func TestRecordGatewayBestGatewayPrefersDirectOverPartial(t *testing.T) {
	s := New(24*time.Hour, 7*24*time.Hour)

	s.RecordGateway(1, 10, GatewayEdge{GatewayID: 10, Confidence: ConfidencePartial, RSSI: ptrI32(-40)})
	s.RecordGateway(1, 11, GatewayEdge{GatewayID: 11, Confidence: ConfidenceDirect, RSSI: ptrI32(-90)})

	rec, ok := s.Node(1)
	require.True(t, ok)
	require.NotNil(t, rec.BestGateway)
	assert.Equal(t, uint32(11), rec.BestGateway.GatewayID)
}

func TestRecordGatewayBestGatewayPrefersHigherRSSIWithinSameConfidence(t *testing.T) {
	s := New(24*time.Hour, 7*24*time.Hour)

	s.RecordGateway(1, 10, GatewayEdge{GatewayID: 10, Confidence: ConfidenceDirect, RSSI: ptrI32(-90)})
	s.RecordGateway(1, 11, GatewayEdge{GatewayID: 11, Confidence: ConfidenceDirect, RSSI: ptrI32(-40)})

	rec, ok := s.Node(1)
	require.True(t, ok)
	require.NotNil(t, rec.BestGateway)
	assert.Equal(t, uint32(11), rec.BestGateway.GatewayID)
}

func TestRecordGatewayMarksGatewayNode(t *testing.T) {
	s := New(24*time.Hour, 7*24*time.Hour)
	s.RecordGateway(1, 10, GatewayEdge{GatewayID: 10, Confidence: ConfidenceDirect})

	gw, ok := s.Node(10)
	require.True(t, ok)
	assert.True(t, gw.IsGateway)

	ids := s.AllGatewayIDs()
	assert.Contains(t, ids, uint32(10))
}

func TestRenameGatewayEdgesPropagates(t *testing.T) {
	s := New(24*time.Hour, 7*24*time.Hour)
	s.RecordGateway(1, 10, GatewayEdge{GatewayID: 10, Name: "old"})
	s.RenameGatewayEdges(10, "new")

	edges := s.GatewayEdgesFor(1)
	assert.Equal(t, "new", edges[10].Name)
}

func TestInvalidateReliabilityScoring(t *testing.T) {
	s := New(24*time.Hour, 7*24*time.Hour)

	// Four direct detections averaging -90 rssi: confidence 40 +
	// detection min(30, 4*10)=30 + rssi clamp(-90+120,0,30)=30 -> 100.
	for i := uint32(1); i <= 4; i++ {
		s.RecordGateway(i, 99, GatewayEdge{GatewayID: 99, Confidence: ConfidenceDirect, RSSI: ptrI32(-90)})
	}

	result := s.InvalidateReliability(99, 1000)
	assert.Equal(t, 100, result.Score)
	assert.Equal(t, 4, result.DetectionCount)
	assert.Equal(t, "direct", result.ConfidenceLevel)
	assert.Equal(t, float64(1000), result.LastUpdated)

	cached, ok := s.GatewayReliabilityFor(99)
	require.True(t, ok)
	assert.Equal(t, result, cached)
}

func TestInvalidateReliabilityNoEdgesIsZero(t *testing.T) {
	s := New(24*time.Hour, 7*24*time.Hour)
	result := s.InvalidateReliability(42, 1)
	assert.Equal(t, 0, result.Score)
	assert.Equal(t, "none", result.ConfidenceLevel)
}

func TestCooldownActiveWindow(t *testing.T) {
	s := New(24*time.Hour, 7*24*time.Hour)
	assert.False(t, s.CooldownActive(1, "battery", 100, 3600))

	s.MarkAlertSent(1, "battery", 100)
	assert.True(t, s.CooldownActive(1, "battery", 200, 3600))
	assert.False(t, s.CooldownActive(1, "battery", 4000, 3600))
}

func TestNodesReturnsIndependentCopies(t *testing.T) {
	s := New(24*time.Hour, 7*24*time.Hour)
	s.UpsertNode(1, Patch{LongName: ptrStr("A")})

	nodes := s.Nodes()
	require.Len(t, nodes, 1)
	nodes[0].LongName = "mutated"

	rec, _ := s.Node(1)
	assert.Equal(t, "A", rec.LongName)
}

func ptrU32(v uint32) *uint32 { return &v }
func ptrStr(v string) *string { return &v }
