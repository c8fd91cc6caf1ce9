package main

import (
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/meshwatch/meshsync/internal/meshsync"
)

func main() {
	logger := log.New(os.Stderr, "meshwatch ", log.LstdFlags)

	cfg := loadConfigFromEnv(logger)
	backend, err := meshsync.BuildStateBackendFromDSN(cfg.StateDSN)
	if err != nil {
		logger.Fatalf("failed to initialize state backend: %v", err)
	}

	ctrl := meshsync.NewController(meshsync.Options{
		MeshURL:              cfg.MeshURL,
		OrchestratorURL:      cfg.OrchestratorURL,
		APIBaseURL:           cfg.APIBaseURL,
		ReconnectInterval:    cfg.ReconnectInterval(),
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		AutoConnect:          cfg.AutoConnectEnabled(),
		MeshTopics:           cfg.MeshTopics,
		OrchestratorTopics:   cfg.OrchestratorTopics,
		ChatLogLimit:         cfg.ChatLogLimit,
		EventLogLimit:        cfg.EventLogLimit,
		Backend:              backend,
		Logger:               logger,
		OnStatus: func(channel string, state meshsync.ConnState, err error) {
			if err != nil {
				logger.Printf("channel %s: %s (%v)", channel, state, err)
				return
			}
			logger.Printf("channel %s: %s", channel, state)
		},
	})

	ctrl.Peers().Subscribe(func() {
		logger.Printf("peers: %d known", ctrl.Peers().Len())
	})
	ctrl.Nodes().Subscribe(func() {
		logger.Printf("nodes: %d known", ctrl.Nodes().Len())
	})
	ctrl.Workloads().Subscribe(func() {
		logger.Printf("workloads: %d known", ctrl.Workloads().Len())
	})

	var stopWatch func()
	if path := os.Getenv("MESHWATCH_CONFIG"); path != "" {
		stopWatch, err = meshsync.WatchConfig(path, logger, func(meshsync.Config) {
			logger.Printf("config changed, resetting connections")
			ctrl.Reset()
		})
		if err != nil {
			logger.Printf("config watch disabled: %v", err)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Printf("shutting down")
	if stopWatch != nil {
		stopWatch()
	}
	if err := ctrl.Close(); err != nil {
		logger.Printf("close: %v", err)
	}
}

// loadConfigFromEnv layers MESHWATCH_* variables over the optional config
// file named by MESHWATCH_CONFIG.
func loadConfigFromEnv(logger *log.Logger) meshsync.Config {
	var cfg meshsync.Config
	if path := os.Getenv("MESHWATCH_CONFIG"); path != "" {
		loaded, err := meshsync.LoadConfig(path)
		if err != nil {
			logger.Fatalf("invalid config %s: %v", path, err)
		}
		cfg = loaded
	}
	if v := strings.TrimSpace(os.Getenv("MESHWATCH_MESH_URL")); v != "" {
		cfg.MeshURL = v
	}
	if v := strings.TrimSpace(os.Getenv("MESHWATCH_ORCHESTRATOR_URL")); v != "" {
		cfg.OrchestratorURL = v
	}
	if v := strings.TrimSpace(os.Getenv("MESHWATCH_API_BASE_URL")); v != "" {
		cfg.APIBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("MESHWATCH_STATE_DSN")); v != "" {
		cfg.StateDSN = v
	}
	if d := durationEnv(logger, "MESHWATCH_RECONNECT_INTERVAL", 0); d > 0 {
		cfg.ReconnectIntervalSec = d.Seconds()
	}
	if n := intEnv(logger, "MESHWATCH_MAX_RECONNECT_ATTEMPTS", 0); n > 0 {
		cfg.MaxReconnectAttempts = n
	}
	if n := intEnv(logger, "MESHWATCH_CHAT_LOG_LIMIT", 0); n > 0 {
		cfg.ChatLogLimit = n
	}
	if n := intEnv(logger, "MESHWATCH_EVENT_LOG_LIMIT", 0); n > 0 {
		cfg.EventLogLimit = n
	}
	if v := os.Getenv("MESHWATCH_AUTO_CONNECT"); v != "" {
		enabled := v == "1" || strings.EqualFold(v, "true")
		cfg.AutoConnect = &enabled
	}
	if cfg.MeshURL == "" {
		cfg.MeshURL = "ws://127.0.0.1:8080/ws"
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "http://127.0.0.1:8080"
	}
	return cfg
}

func intEnv(logger *log.Logger, name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logger.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(logger *log.Logger, name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logger.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
