// Command meshmonitor ingests a Meshtastic/MQTT mesh, maintains the live
// node-state model, and serves it over a read-only HTTP API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/proto"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"

	"github.com/sequoiayc/meshbuoy/internal/alert"
	"github.com/sequoiayc/meshbuoy/internal/api"
	"github.com/sequoiayc/meshbuoy/internal/config"
	"github.com/sequoiayc/meshbuoy/internal/meshmsg"
	"github.com/sequoiayc/meshbuoy/internal/metrics"
	"github.com/sequoiayc/meshbuoy/internal/mqttclient"
	"github.com/sequoiayc/meshbuoy/internal/persistence"
	"github.com/sequoiayc/meshbuoy/internal/process"
	"github.com/sequoiayc/meshbuoy/internal/store"
)

// packetArchiveRetention is the fixed 7-day archive cutoff, independent of
// the operator-configured SPECIAL_HISTORY_HOURS.
const packetArchiveRetention = 7 * 24 * time.Hour

// persistenceTickInterval drives Persistence.Save's coalesce window; the
// save itself only actually writes once every 5s.
const persistenceTickInterval = 5 * time.Second

// alertCooldownGCInterval sweeps the alert cooldown map even when no alert
// is actively firing, so a long-quiet deployment doesn't accumulate stale
// entries for nodes removed from config.
const alertCooldownGCInterval = time.Hour

// shutdownDrainDeadline bounds how long graceful shutdown waits for the
// processor's in-flight work and the final persistence snapshot.
const shutdownDrainDeadline = 10 * time.Second

var opt struct {
	ConfigPath string
	LogLevel   string
	Help       bool
}

func init() {
	pflag.StringVarP(&opt.ConfigPath, "config", "c", "meshmonitor.conf", "Path to the flat KEY=VALUE config file")
	pflag.StringVarP(&opt.LogLevel, "log-level", "l", "info", "Log level (debug, info, warn, error)")
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()
	if opt.Help {
		fmt.Fprintf(os.Stderr, "usage: %s [options]\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		os.Exit(0)
	}

	logger := log.New(os.Stderr)
	if lvl, err := log.ParseLevel(opt.LogLevel); err == nil {
		logger.SetLevel(lvl)
	} else {
		logger.Fatal("invalid log level", "level", opt.LogLevel, "err", err)
	}

	if err := run(logger); err != nil {
		logger.Fatal("meshmonitor exited", "err", err)
	}
}

// seedSpecialNodes makes every configured special node present in the store
// before its first packet arrives: role flags always reflect current config,
// the home position becomes the origin, and the configured label serves as
// the long name until the node reports one itself.
func seedSpecialNodes(st *store.Store, cfg *config.Config) {
	for id, sn := range cfg.SpecialNodes {
		isSpecial := true
		hasPower := sn.HasPowerSensor()
		patch := store.Patch{IsSpecial: &isSpecial, HasPowerSensor: &hasPower}
		if sn.HomeLat != nil && sn.HomeLon != nil {
			patch.OriginLat, patch.OriginLon = sn.HomeLat, sn.HomeLon
		}
		if rec, ok := st.Node(id); (!ok || rec.LongName == "") && sn.Label != "" {
			label := sn.Label
			patch.LongName = &label
		}
		st.UpsertNode(id, patch)
	}
}

func run(logger *log.Logger) error {
	cfg, err := config.Load(opt.ConfigPath)
	if err != nil {
		// Missing config file, invalid default_center, or an undecodable
		// encryption key all exit before the network loop starts.
		return fmt.Errorf("loading config: %w", err)
	}

	key, err := meshmsg.ParseEncryptionKey(cfg.MQTTEncryptionKey)
	if err != nil {
		return fmt.Errorf("parsing channel encryption key: %w", err)
	}

	logger.Info("suggested API rate limit", "per_hour", cfg.SuggestedAPIRateLimitPerHour(time.Minute))

	st := store.New(cfg.HistoryRetention, packetArchiveRetention)

	persist, err := persistence.New(st, cfg, logger.With("component", "persistence"))
	if err != nil {
		return fmt.Errorf("initializing persistence: %w", err)
	}
	if err := persist.Load(); err != nil {
		logger.Warn("persistence load failed, starting from empty state", "err", err)
	}
	seedSpecialNodes(st, cfg)

	alerts := alert.New(cfg, logger.With("component", "alert"))
	proc := process.New(st, cfg, key, alerts, logger.With("component", "process"))

	handler := func(mqttTopic string, payload []byte, receivedAt time.Time) {
		var env meshtastic.ServiceEnvelope
		if err := proto.Unmarshal(payload, &env); err != nil {
			metrics.DecodeErrors.WithLabelValues("envelope").Inc()
			logger.Debug("dropping undecodable service envelope", "topic", mqttTopic, "err", err)
			return
		}
		packet := env.GetPacket()
		if packet == nil {
			return
		}
		now := float64(receivedAt.Unix())
		if err := proc.Process(packet, mqttTopic, now); err != nil {
			logger.Debug("dropping packet", "topic", mqttTopic, "err", err)
		}
	}

	client := mqttclient.New(cfg, logger.With("component", "mqtt"), handler)

	apiAddr := fmt.Sprintf("%s:%d", cfg.WebappHost, cfg.WebappPort)
	apiServer := api.New(st, cfg, apiAddr, logger.With("component", "api"))
	apiServer.SetLivenessProbe(func() string { return client.Liveness().String() })

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancelConnect := context.WithTimeout(ctx, 10*time.Second)
	err = client.Connect(connectCtx)
	cancelConnect()
	if err != nil {
		return fmt.Errorf("connecting to mqtt broker: %w", err)
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		if err := apiServer.Run(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http api: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		ticker := time.NewTicker(persistenceTickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-egCtx.Done():
				return nil
			case <-ticker.C:
				if err := persist.Save(time.Now(), false); err != nil {
					logger.Warn("periodic persistence save failed", "err", err)
				}
			}
		}
	})

	eg.Go(func() error {
		ticker := time.NewTicker(alertCooldownGCInterval)
		defer ticker.Stop()
		for {
			select {
			case <-egCtx.Done():
				return nil
			case <-ticker.C:
				now := float64(time.Now().Unix())
				st.GCCooldown(now, 3*cfg.AlertCooldown.Seconds(), func(id store.NodeID) bool {
					_, ok := cfg.SpecialNodes[id]
					return ok
				})
			}
		}
	})

	<-egCtx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownDrainDeadline)
	defer cancelShutdown()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http api shutdown error", "err", err)
	}

	if err := persist.Save(time.Now(), true); err != nil {
		logger.Warn("final persistence save failed", "err", err)
	}

	client.Disconnect(uint(shutdownDrainDeadline.Milliseconds()))

	if err := eg.Wait(); err != nil {
		return err
	}
	return nil
}
