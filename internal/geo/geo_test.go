package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHaversineMeters(t *testing.T) {
	d, ok := HaversineMeters(37.5637125, -122.2189855, 37.5800000, -122.2200000)
	require.True(t, ok)
	assert.InDelta(t, 1813.0, d, 2.0)
}

func TestHaversineMetersSamePoint(t *testing.T) {
	d, ok := HaversineMeters(10, 10, 10, 10)
	require.True(t, ok)
	assert.Equal(t, 0.0, d)
}

func TestHaversineMetersNonFinite(t *testing.T) {
	_, ok := HaversineMeters(math.NaN(), 0, 0, 0)
	assert.False(t, ok)

	_, ok = HaversineMeters(0, 0, math.Inf(1), 0)
	assert.False(t, ok)
}

func TestHash(t *testing.T) {
	h := Hash(37.5637125, -122.2189855)
	assert.Len(t, h, GeohashPrecision)
}
