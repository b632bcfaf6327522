package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sequoiayc/meshbuoy/internal/config"
	"github.com/sequoiayc/meshbuoy/internal/query"
	"github.com/sequoiayc/meshbuoy/internal/store"
)

func testLogger() *log.Logger { return log.New(io.Discard) }

func testConfig() *config.Config {
	return &config.Config{
		SpecialNodes:          map[uint32]config.SpecialNode{1: {NodeID: 1, Label: "Buoy A"}},
		ShowAllNodes:          true,
		StatusBlueThreshold:   time.Hour,
		StatusOrangeThreshold: 12 * time.Hour,
		TrailHistoryHours:     24,
		DataLimitTime:         time.Hour,
	}
}

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st := store.New(24*time.Hour, 7*24*time.Hour)
	s := New(st, testConfig(), "127.0.0.1:0", testLogger())
	return s, st
}

func TestHandleNodesReturnsKnownNode(t *testing.T) {
	s, st := newTestServer(t)
	special := true
	name := "Buoy A"
	now := 1000.0
	st.UpsertNode(1, store.Patch{IsSpecial: &special, LongName: &name, LastSeen: &now})

	req := httptest.NewRequest(http.MethodGet, "/api/nodes", nil)
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var views []query.NodeView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "Buoy A", views[0].Record.LongName)
}

func TestHandleSpecialHistoryFiltersByHours(t *testing.T) {
	s, st := newTestServer(t)
	st.AppendHistory(1, store.HistoryPoint{TS: 100, Lat: 1, Lon: 1}, 1, 100)
	st.AppendHistory(1, store.HistoryPoint{TS: 200000, Lat: 2, Lon: 2}, 2, 200000)

	req := httptest.NewRequest(http.MethodGet, "/api/special/1/history?hours=1", nil)
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var points []store.HistoryPoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &points))
	assert.Len(t, points, 0) // both points are far in the past relative to "now"
}

func TestHandleSpecialHistoryInvalidIDReturnsBadRequest(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/special/not-a-number/history", nil)
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGatewaysReturnsEmptyListInitially(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/gateways", nil)
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var views []query.GatewayView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	assert.Empty(t, views)
}

func TestHandleStatusReportsLiveness(t *testing.T) {
	s, _ := newTestServer(t)
	s.SetLivenessProbe(func() string { return "receiving_packets" })

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "receiving_packets", status["mqtt"])
	assert.Equal(t, float64(1), status["special_nodes"])
}

func TestHandleAllGatewayConnections(t *testing.T) {
	s, st := newTestServer(t)
	special := true
	now := 100.0
	st.UpsertNode(1, store.Patch{IsSpecial: &special, LastSeen: &now})
	st.RecordGateway(1, 99, store.GatewayEdge{GatewayID: 99, Confidence: store.ConfidenceDirect, LastSeen: now})

	req := httptest.NewRequest(http.MethodGet, "/api/gateways/connections", nil)
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var conns map[string]map[string]store.GatewayEdge
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conns))
	require.Contains(t, conns, "1")
	assert.Contains(t, conns["1"], "99")
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
