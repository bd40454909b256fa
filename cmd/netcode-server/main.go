// Command netcode-server runs the authoritative side of spec.md §6: it
// owns every client session and channel connection, drains/fills a UDP
// transport each tick, and exposes the ambient sidecars (Prometheus
// metrics, an optional NATS eventbus, and a live WebSocket monitor
// dashboard) around that core loop.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"

	"github.com/packetloop/netcode/internal/config"
	"github.com/packetloop/netcode/internal/eventbus"
	"github.com/packetloop/netcode/internal/metrics"
	"github.com/packetloop/netcode/internal/monitor"
	"github.com/packetloop/netcode/internal/session"
	"github.com/packetloop/netcode/pkg/netcode"
	"github.com/packetloop/netcode/pkg/transport"
)

// tickInterval is how often the server drains its transport and
// advances every session/channel state machine — spec.md §6's
// `update(dt)`, driven here by a wall-clock ticker rather than a game
// engine's frame loop.
const tickInterval = 10 * time.Millisecond

func main() {
	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "netcode-server: config:", err)
		os.Exit(1)
	}
	logger := cfg.Logger()
	cfg.LogConfig(logger)

	authorityKey, err := cfg.AuthorityKey()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load authority key")
	}

	udp, err := transport.NewUDPTransport(cfg.ListenAddr, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to bind UDP transport")
	}
	defer udp.Close()

	srv := netcode.NewServer(cfg.NetcodeConfig(authorityKey), logger, udp, nil)

	promMetrics := metrics.NewMetrics()
	enhanced := metrics.NewEnhancedMetrics(promMetrics)
	enhanced.StartCollection()
	srv.SetMetrics(enhanced)

	bus, err := eventbus.Connect(eventbus.DefaultConfig(cfg.NATSURL), logger, promMetrics)
	if err != nil {
		logger.Warn().Err(err).Msg("eventbus disabled: failed to connect to NATS")
	}
	defer bus.Close()

	mon := monitor.NewHub(logger, cfg.MonitorInterval, func() monitor.Snapshot {
		return snapshotNetworkInfo(srv)
	})
	go mon.Run()
	defer mon.Close()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/dashboard", mon.Handler())
	mux.HandleFunc("/stats", statsHandler(enhanced))
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics/monitor http listening")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	logger.Info().Str("addr", udp.LocalAddr()).Msg("netcode-server listening")
	for {
		select {
		case now := <-ticker.C:
			srv.Update(now)
			drainEvents(srv, bus, now)
		case <-stop:
			logger.Info().Msg("shutting down")
			srv.DisconnectAll(session.DisconnectedByServer)
			srv.Update(time.Now())
			_ = metricsSrv.Close()
			return
		}
	}
}

// drainEvents republishes queued connect/disconnect events onto the
// eventbus. Per-connection metrics are tracked directly by Server as
// connections open and close (see Server.SetMetrics), not duplicated
// here.
func drainEvents(srv *netcode.Server, bus *eventbus.Publisher, now time.Time) {
	bus.PublishAll(srv.Events(), now)
}

// statsHandler serves the accurate, aggregated view of enhanced's
// trackers as JSON — a richer companion to /metrics for operators who
// want one snapshot rather than scraping Prometheus counters by hand.
func statsHandler(enhanced *metrics.EnhancedMetrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(enhanced.GetAccurateStats()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

func snapshotNetworkInfo(srv *netcode.Server) monitor.Snapshot {
	return monitor.Snapshot{
		Time:    time.Now().Unix(),
		Clients: srv.NetworkInfoSnapshot(),
	}
}
