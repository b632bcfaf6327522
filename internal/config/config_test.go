package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tracker.config")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "MQTT_BROKER=mqtt.example.org\n")
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mqtt.example.org", c.MQTTBroker)
	assert.Equal(t, 1883, c.MQTTPort)
	assert.Equal(t, 50.0, c.MovementThresholdMeters)
	assert.Equal(t, 50, c.LowBatteryThreshold)
}

func TestLoadSpecialNodes(t *testing.T) {
	path := writeConfig(t, strings.Join([]string{
		"SPECIAL_NODE_3663493328=Buoy A,37.5637125,-122.2189855,ch3_voltage",
		"SPECIAL_NODE_100=Buoy B",
	}, "\n"))
	c, err := Load(path)
	require.NoError(t, err)
	require.Len(t, c.SpecialNodes, 2)

	a := c.SpecialNodes[3663493328]
	assert.Equal(t, "Buoy A", a.Label)
	require.NotNil(t, a.HomeLat)
	assert.InDelta(t, 37.5637125, *a.HomeLat, 1e-6)
	assert.True(t, a.HasPowerSensor())

	b := c.SpecialNodes[100]
	assert.Equal(t, "Buoy B", b.Label)
	assert.Nil(t, b.HomeLat)
	assert.False(t, b.HasPowerSensor())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.config"))
	assert.Error(t, err)
}

func TestLoadInvalidDefaultCenter(t *testing.T) {
	path := writeConfig(t, "DEFAULT_CENTER=not-a-coordinate\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadInvalidEncryptionKey(t *testing.T) {
	path := writeConfig(t, "MQTT_ENCRYPTION_KEY=not-valid-base64!!\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestParseCoordinateDegMin(t *testing.T) {
	v, err := ParseCoordinate("N37°33.81'")
	require.NoError(t, err)
	assert.InDelta(t, 37.5635, v, 1e-3)

	v, err = ParseCoordinate("W122°13.13'")
	require.NoError(t, err)
	assert.InDelta(t, -122.2188, v, 1e-3)
}

func TestParseCoordinateInvalid(t *testing.T) {
	_, err := ParseCoordinate("garbage")
	assert.Error(t, err)
}

func TestSuggestedAPIRateLimitPerHour(t *testing.T) {
	c := &Config{SpecialNodes: map[uint32]SpecialNode{1: {}, 2: {}}}
	limit := c.SuggestedAPIRateLimitPerHour(60 * 1_000_000_000) // 60s in time.Duration units
	assert.Greater(t, limit, 0)
}
