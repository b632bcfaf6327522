// Package config loads the tracker's flat KEY=VALUE configuration file
// (parsed with github.com/hashicorp/go-envparse) and overlays secrets from
// the process environment (optionally primed from a .env file via
// github.com/joho/godotenv). Secrets may override from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-envparse"
	"github.com/joho/godotenv"
	"github.com/sequoiayc/meshbuoy/internal/meshmsg"
)

// SpecialNode describes one entry in the special_nodes section: a tracked
// node, its display label, and (optionally) a configured home position and
// voltage channel.
type SpecialNode struct {
	NodeID uint32
	Label  string

	// HomeLat/HomeLon are nil when no home position was configured; the
	// first observed position then becomes the origin.
	HomeLat, HomeLon *float64

	// VoltageChannel selects which power_metrics channel is authoritative
	// for this node's battery: "ch3_voltage" (battery) or "ch1_voltage"
	// (input). Empty means the node has no power sensor and battery comes
	// from device_metrics instead.
	VoltageChannel string
}

// HasPowerSensor reports whether this node's battery is derived from a
// power-monitor voltage channel rather than device_metrics.
func (n SpecialNode) HasPowerSensor() bool {
	return n.VoltageChannel != ""
}

// Config holds every recognized configuration key.
type Config struct {
	// mqtt
	MQTTBroker        string
	MQTTPort          int
	MQTTRootTopic     string
	MQTTChannelName   string
	MQTTUsername      string
	MQTTPassword      string
	MQTTEncryptionKey string

	// special_nodes
	SpecialNodes map[uint32]SpecialNode

	// special_nodes_settings
	MovementThresholdMeters float64
	HistoryRetention        time.Duration
	StaleAfter              time.Duration
	DataLimitTime           time.Duration
	PersistPath             string

	// app_features
	ShowAllNodes       bool
	ShowGateways       bool
	ShowPositionTrails bool
	TrailHistoryHours  int

	// alerts
	AlertEnabled    bool
	AlertCooldown   time.Duration
	AlertTrackerURL string
	SMTPHost        string
	SMTPPort        int
	SMTPSSL         bool
	SMTPUsername    string
	SMTPPassword    string
	EmailFrom       string
	EmailTo         []string

	// battery
	LowBatteryThreshold int

	// webapp / security, consumed only by external collaborators; kept
	// here so a single config file drives the whole deployment.
	WebappHost             string
	WebappPort             int
	StatusBlueThreshold    time.Duration
	StatusOrangeThreshold  time.Duration
	DefaultLat, DefaultLon float64
}

// secretKeys lists config keys that may be overridden by an environment
// variable of the same name, taking precedence over the file value.
var secretKeys = []string{
	"MQTT_USERNAME", "MQTT_PASSWORD", "MQTT_ENCRYPTION_KEY",
	"ALERT_SMTP_USERNAME", "ALERT_SMTP_PASSWORD",
}

// Load reads the configuration file at path, optionally primes the process
// environment from a sibling .env file, and applies secret overrides. A
// missing config file, an undecodable encryption key, or an invalid
// default_center coordinate are fatal; the caller is expected to treat a
// non-nil error as a reason to exit before the network loop starts.
func Load(path string) (*Config, error) {
	// Best-effort: a .env file next to the config is optional.
	_ = godotenv.Load(envSiblingPath(path))

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %s: %w", path, err)
	}
	defer f.Close()

	raw, err := envparse.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	for _, k := range secretKeys {
		if v, ok := os.LookupEnv(k); ok && v != "" {
			raw[k] = v
		}
	}

	return fromRaw(raw)
}

func envSiblingPath(configPath string) string {
	return configPath + ".env"
}

func fromRaw(raw map[string]string) (*Config, error) {
	c := &Config{
		SpecialNodes: map[uint32]SpecialNode{},
	}

	c.MQTTBroker = getString(raw, "MQTT_BROKER", "mqtt.bayme.sh")
	c.MQTTPort = getInt(raw, "MQTT_PORT", 1883)
	c.MQTTRootTopic = getString(raw, "MQTT_ROOT_TOPIC", "msh/US/bayarea/2")
	c.MQTTChannelName = getString(raw, "MQTT_CHANNEL_NAME", "LongFast")
	c.MQTTUsername = getString(raw, "MQTT_USERNAME", "meshdev")
	c.MQTTPassword = getString(raw, "MQTT_PASSWORD", "large4cats")
	c.MQTTEncryptionKey = getString(raw, "MQTT_ENCRYPTION_KEY", "AQ==")

	if err := parseSpecialNodes(raw, c); err != nil {
		return nil, err
	}

	c.MovementThresholdMeters = getFloat(raw, "SPECIAL_MOVEMENT_THRESHOLD_METERS", 50.0)
	c.HistoryRetention = time.Duration(getFloat(raw, "SPECIAL_HISTORY_HOURS", 24.0) * float64(time.Hour))
	c.StaleAfter = time.Duration(getFloat(raw, "SPECIAL_STALE_AFTER_HOURS", 12.0) * float64(time.Hour))
	c.DataLimitTime = time.Duration(getFloat(raw, "SPECIAL_DATA_LIMIT_TIME_HOURS", 1.0) * float64(time.Hour))
	c.PersistPath = getString(raw, "SPECIAL_PERSIST_PATH", "data/special_nodes.json")

	c.ShowAllNodes = getBool(raw, "SHOW_ALL_NODES", false)
	c.ShowGateways = getBool(raw, "SHOW_GATEWAYS", true)
	c.ShowPositionTrails = getBool(raw, "SHOW_POSITION_TRAILS", true)
	c.TrailHistoryHours = getInt(raw, "TRAIL_HISTORY_HOURS", 24)

	c.AlertEnabled = getBool(raw, "ALERT_ENABLED", false)
	c.AlertCooldown = time.Duration(getFloat(raw, "ALERT_COOLDOWN_HOURS", 1.0) * float64(time.Hour))
	c.AlertTrackerURL = getString(raw, "ALERT_TRACKER_URL", "")
	c.SMTPHost = getString(raw, "ALERT_SMTP_HOST", "localhost")
	c.SMTPPort = getInt(raw, "ALERT_SMTP_PORT", 25)
	c.SMTPSSL = getBool(raw, "ALERT_SMTP_SSL", false)
	c.SMTPUsername = getString(raw, "ALERT_SMTP_USERNAME", "")
	c.SMTPPassword = getString(raw, "ALERT_SMTP_PASSWORD", "")
	c.EmailFrom = getString(raw, "ALERT_EMAIL_FROM", "noreply@example.org")
	c.EmailTo = splitList(getString(raw, "ALERT_EMAIL_TO", "admin@example.org"))

	c.LowBatteryThreshold = getInt(raw, "LOW_BATTERY_THRESHOLD", 50)

	c.WebappHost = getString(raw, "WEBAPP_HOST", "127.0.0.1")
	c.WebappPort = getInt(raw, "WEBAPP_PORT", 5102)
	c.StatusBlueThreshold = time.Duration(getInt(raw, "STATUS_BLUE_THRESHOLD_HOURS", 1)) * time.Hour
	c.StatusOrangeThreshold = time.Duration(getInt(raw, "STATUS_ORANGE_THRESHOLD_HOURS", 12)) * time.Hour

	center := getString(raw, "DEFAULT_CENTER", "37.7749,-122.4194")
	parts := strings.SplitN(center, ",", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid DEFAULT_CENTER %q: expected \"lat,lon\"", center)
	}
	lat, err := ParseCoordinate(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_CENTER: %w", err)
	}
	lon, err := ParseCoordinate(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_CENTER: %w", err)
	}
	c.DefaultLat, c.DefaultLon = lat, lon

	if _, err := meshmsg.ParseEncryptionKey(c.MQTTEncryptionKey); err != nil {
		return nil, fmt.Errorf("invalid MQTT_ENCRYPTION_KEY: %w", err)
	}

	return c, nil
}

// parseSpecialNodes reads SPECIAL_NODE_<id> = label[,lat,lon[,voltage_channel]]
// entries. Node IDs are the decimal form of the node's 32-bit ID.
func parseSpecialNodes(raw map[string]string, c *Config) error {
	const prefix = "SPECIAL_NODE_"
	for k, v := range raw {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		idStr := strings.TrimPrefix(k, prefix)
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			continue // not a node entry, e.g. unrelated key sharing the prefix
		}

		sn := SpecialNode{NodeID: uint32(id)}
		value := strings.SplitN(v, "#", 2)[0] // strip inline comments
		value = strings.TrimSpace(value)
		if value != "" {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			sn.Label = parts[0]
			if len(parts) >= 3 {
				lat, latErr := ParseCoordinate(parts[1])
				lon, lonErr := ParseCoordinate(parts[2])
				if latErr == nil && lonErr == nil {
					sn.HomeLat, sn.HomeLon = &lat, &lon
				}
			}
			if len(parts) >= 4 {
				sn.VoltageChannel = parts[3]
			}
		}
		if _, dup := c.SpecialNodes[sn.NodeID]; dup {
			return fmt.Errorf("duplicate special node id %d", sn.NodeID)
		}
		c.SpecialNodes[sn.NodeID] = sn
	}
	return nil
}

// SuggestedAPIRateLimitPerHour computes a rate-limit sizing hint for an
// external rate-limiting middleware to consult. It enforces nothing itself:
// 3 base endpoints plus one history request per special node, per poll
// interval, doubled for headroom, rounded up to the nearest 10.
func (c *Config) SuggestedAPIRateLimitPerHour(pollInterval time.Duration) int {
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	requestsPerPoll := 3 + len(c.SpecialNodes)
	pollsPerHour := float64(time.Hour) / float64(pollInterval)
	perHour := int(pollsPerHour * float64(requestsPerPoll) * 2.0)
	return ((perHour + 9) / 10) * 10
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getString(raw map[string]string, key, fallback string) string {
	if v, ok := raw[key]; ok && v != "" {
		return v
	}
	return fallback
}

func getInt(raw map[string]string, key string, fallback int) int {
	if v, ok := raw[key]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

func getFloat(raw map[string]string, key string, fallback float64) float64 {
	if v, ok := raw[key]; ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return fallback
}

func getBool(raw map[string]string, key string, fallback bool) bool {
	if v, ok := raw[key]; ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return fallback
}
