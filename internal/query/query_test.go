package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sequoiayc/meshbuoy/internal/config"
	"github.com/sequoiayc/meshbuoy/internal/store"
)

func ptrF64(v float64) *float64 { return &v }

func testConfig(showAll bool) *config.Config {
	return &config.Config{
		ShowAllNodes:          showAll,
		StatusBlueThreshold:   time.Hour,
		StatusOrangeThreshold: 12 * time.Hour,
	}
}

func TestListNodesHidesNonSpecialWhenShowAllDisabled(t *testing.T) {
	s := store.New(24*time.Hour, 7*24*time.Hour)
	special := true
	s.UpsertNode(1, store.Patch{IsSpecial: &special, LastSeen: ptrF64(100)})
	s.UpsertNode(2, store.Patch{LastSeen: ptrF64(100)})

	views := ListNodes(s, testConfig(false), 100)
	require.Len(t, views, 1)
	assert.Equal(t, store.NodeID(1), views[0].Record.NodeID)
}

func TestListNodesIncludesSyntheticGatewayRows(t *testing.T) {
	s := store.New(24*time.Hour, 7*24*time.Hour)
	special := true
	s.UpsertNode(1, store.Patch{IsSpecial: &special, LastSeen: ptrF64(100)})
	s.RecordGateway(1, 99, store.GatewayEdge{GatewayID: 99, Confidence: store.ConfidenceDirect, LastSeen: 100})

	views := ListNodes(s, testConfig(false), 100)
	require.Len(t, views, 2)
	assert.Equal(t, store.NodeID(99), views[1].Record.NodeID)
	assert.True(t, views[1].Record.IsGateway)
}

func TestStatusColorThresholds(t *testing.T) {
	assert.Equal(t, StatusBlue, statusColor(10, 60, 3600))
	assert.Equal(t, StatusOrange, statusColor(100, 60, 3600))
	assert.Equal(t, StatusRed, statusColor(10000, 60, 3600))
}

func TestGetSpecialHistoryFiltersTrailingWindow(t *testing.T) {
	s := store.New(24*time.Hour, 7*24*time.Hour)
	s.AppendHistory(1, store.HistoryPoint{TS: 0, Lat: 1, Lon: 1}, 1, 0)
	s.AppendHistory(1, store.HistoryPoint{TS: 10, Lat: 1.1, Lon: 1.1}, 2, 10)
	s.AppendHistory(1, store.HistoryPoint{TS: 3700, Lat: 2, Lon: 2}, 3, 3700)

	now := 3700.0
	points := GetSpecialHistory(s, 1, now, 1, 0)
	require.Len(t, points, 1)
	assert.Equal(t, 3700.0, points[0].TS)
}

func TestGetSpecialHistoryBucketsKeepsLatestPerWindow(t *testing.T) {
	s := store.New(24*time.Hour, 7*24*time.Hour)
	s.AppendHistory(1, store.HistoryPoint{TS: 0, Lat: 1, Lon: 1}, 1, 0)
	s.AppendHistory(1, store.HistoryPoint{TS: 5, Lat: 1.1, Lon: 1.1}, 2, 5)

	points := GetSpecialHistory(s, 1, 100, 1, 3600)
	require.Len(t, points, 1)
	assert.Equal(t, 5.0, points[0].TS)
}

func TestSpecialNodePacketsMergesAllWhenIDNil(t *testing.T) {
	s := store.New(24*time.Hour, 7*24*time.Hour)
	idA := uint32(1)
	idB := uint32(2)
	special := true
	s.UpsertNode(10, store.Patch{IsSpecial: &special, LastSeen: ptrF64(1)})
	s.UpsertNode(20, store.Patch{IsSpecial: &special, LastSeen: ptrF64(1)})
	s.RecordPacket(10, store.PacketArchiveEntry{Timestamp: 1, ID: &idA}, true)
	s.RecordPacket(20, store.PacketArchiveEntry{Timestamp: 2, ID: &idB}, true)

	entries := SpecialNodePackets(s, nil, 0)
	require.Len(t, entries, 2)
	assert.Equal(t, 2.0, entries[0].Timestamp)
}

func TestAllGatewaysListsObservers(t *testing.T) {
	s := store.New(24*time.Hour, 7*24*time.Hour)
	special := true
	s.UpsertNode(1, store.Patch{IsSpecial: &special, LastSeen: ptrF64(1)})
	s.RecordGateway(1, 99, store.GatewayEdge{GatewayID: 99, Confidence: store.ConfidenceDirect, RSSI: ptrInt32(-50), LastSeen: 1})

	views := AllGateways(s)
	require.Len(t, views, 1)
	assert.Equal(t, store.NodeID(99), views[0].GatewayID)
	assert.Equal(t, []store.NodeID{1}, views[0].ObservedBy)
}

func ptrInt32(v int32) *int32 { return &v }
