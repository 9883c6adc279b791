// Command rlbnode runs one node of the dispatch fabric with the demo game
// room workload: an HTTP surface where clients request a match and then
// join their room over WebSocket.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/rlb"
	"github.com/adred-codev/rlb/internal/config"
	"github.com/adred-codev/rlb/internal/monitoring"
	"github.com/adred-codev/rlb/internal/store"
)

// shutdownTimeout bounds the drain on SIGTERM; jobs still running after
// this are abandoned to the TTL.
const shutdownTimeout = 30 * time.Second

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	var str store.Store
	switch cfg.StoreBackend {
	case "memory":
		// Single-box mode: a one-node pool with no external datastore.
		str = store.NewMemory()
	default:
		str = store.NewRedis(store.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Logger:   logger,
		})
	}

	factory := NewRoomFactory(cfg.RoomSeats, logger)

	node, err := rlb.NewNode(rlb.Options{
		PoolID:                   cfg.PoolID,
		Store:                    str,
		Factory:                  factory,
		Mode:                     rlb.ModeAutoCreate,
		Concurrency:              cfg.Concurrency,
		ReservationHold:          cfg.ReservationHold,
		ReportInterval:           cfg.ReportInterval,
		RPCTimeout:               cfg.RPCTimeout,
		AutoDestroyCheckInterval: cfg.AutoDestroy,
		Capabilities:             []rlb.Capability{rlb.RoomFullWatcher{}},
		Logger:                   logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to start node")
	}
	logger.Info().Str("node_id", node.ID()).Msg("Fabric node running")

	sysmon, err := monitoring.NewSystemMonitor(cfg.MetricsInterval, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("System monitor unavailable")
	} else {
		sysmon.Start()
		defer sysmon.Stop()
	}

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server error")
		}
	}()

	roomSrv := newRoomServer(cfg.RoomAddr, node, factory, logger)
	go func() {
		if err := roomSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Room server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	roomSrv.Shutdown(ctx)
	metricsSrv.Shutdown(ctx)

	select {
	case <-node.Close():
		logger.Info().Msg("Node drained")
	case <-ctx.Done():
		logger.Warn().Msg("Drain timed out; exiting with jobs still active")
	}
	str.Close()
}

// newRoomServer wires the demo workload's HTTP surface: POST /match to
// request a seat, GET /join to enter the room over WebSocket.
func newRoomServer(addr string, node *rlb.Node, factory *RoomFactory, logger zerolog.Logger) *http.Server {
	log := logger.With().Str("component", "room_server").Logger()

	mux := http.NewServeMux()

	mux.HandleFunc("POST /match", func(w http.ResponseWriter, r *http.Request) {
		var req rlb.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		resp, err := node.Consume(r.Context(), req)
		switch {
		case err == nil:
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(resp)
		case errors.Is(err, rlb.ErrBadSeatCount):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, rlb.ErrNoMatch):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, rlb.ErrClosed):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		default:
			log.Error().Err(err).Msg("Match request failed")
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	})

	mux.HandleFunc("GET /join", func(w http.ResponseWriter, r *http.Request) {
		roomName := r.URL.Query().Get("room")
		player := r.URL.Query().Get("player")
		if roomName == "" || player == "" {
			http.Error(w, "room and player are required", http.StatusBadRequest)
			return
		}

		room, ok := factory.Room(roomName)
		if !ok {
			http.Error(w, "no such room on this node", http.StatusNotFound)
			return
		}

		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			log.Debug().Err(err).Msg("WebSocket upgrade failed")
			return
		}
		if err := room.Join(player, conn); err != nil {
			body := ws.NewCloseFrameBody(ws.StatusPolicyViolation, "no live reservation")
			ws.WriteFrame(conn, ws.NewCloseFrame(body))
			conn.Close()
		}
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
}
