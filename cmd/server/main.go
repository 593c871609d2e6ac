// Package main provides the entry point for the Kiro gateway server: a
// Claude-compatible /v1/messages proxy onto the CodeWhisperer/Kiro upstream.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kiro-gateway/kirogate/internal/adminauth"
	"github.com/kiro-gateway/kirogate/internal/api"
	"github.com/kiro-gateway/kirogate/internal/config"
	"github.com/kiro-gateway/kirogate/internal/credstore"
	"github.com/kiro-gateway/kirogate/internal/gateway"
	"github.com/kiro-gateway/kirogate/internal/kiroauth"
	"github.com/kiro-gateway/kirogate/internal/kiroclient"
	"github.com/kiro-gateway/kirogate/internal/logging"
	"github.com/kiro-gateway/kirogate/internal/pool"
	"github.com/kiro-gateway/kirogate/internal/store"
	"github.com/kiro-gateway/kirogate/internal/watcher"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	var configPath string
	var hashAPIKey string
	flag.StringVar(&configPath, "config", "", "Configuration file path")
	flag.StringVar(&hashAPIKey, "hash-api-key", "", "Bcrypt-hash the given value for required-api-key-hash and exit")
	flag.Parse()

	if hashAPIKey != "" {
		hash, err := adminauth.HashSharedSecret(hashAPIKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hash-api-key: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	logging.SetupBaseLogger()

	if configPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			log.Fatalf("gateway: failed to get working directory: %v", err)
		}
		configPath = filepath.Join(wd, "config.yaml")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("gateway: failed to load config: %v", err)
	}

	if err = logging.ConfigureLogOutput(cfg.LoggingToFile); err != nil {
		log.Fatalf("gateway: failed to configure log output: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	log.Infof("kirogate %s (commit %s, built %s)", Version, Commit, BuildDate)

	expandAuthDir(cfg)

	chosenStore, err := openStore(cfg)
	if err != nil {
		log.Fatalf("gateway: failed to open account store: %v", err)
	}
	defer func() { _ = chosenStore.Close() }()

	accountPool, err := pool.New(store.PoolBackend{Store: chosenStore}, cfg.MaxErrorCount)
	if err != nil {
		log.Fatalf("gateway: failed to initialize account pool: %v", err)
	}

	credStore, err := credstore.New(cfg.AuthDir)
	if err != nil {
		log.Fatalf("gateway: failed to open credentials store: %v", err)
	}

	client, err := kiroclient.New(cfg)
	if err != nil {
		log.Fatalf("gateway: failed to build upstream client: %v", err)
	}

	var sideIndex *store.BoltSideIndex
	if cfg.SideIndexDBPath != "" {
		sideIndex, err = store.OpenBoltSideIndex(cfg.SideIndexDBPath)
		if err != nil {
			log.WithError(err).Warn("gateway: failed to open side-index store, usage-cache/health-history acceleration disabled")
		} else {
			defer func() { _ = sideIndex.Close() }()
		}
	}

	registry := gateway.NewRegistry(credStore, kiroauth.HTTPRefresher{})
	orchestrator := gateway.NewOrchestrator(cfg, accountPool, registry, client)
	admin := gateway.NewAdmin(cfg, accountPool, chosenStore, credStore, registry, client, sideIndex)

	var requestLogger logging.RequestLogger
	if cfg.RequestLogging {
		requestLogger = logging.NewFileRequestLogger(true, cfg.RequestLogsDir, filepath.Dir(configPath))
	}

	server := api.NewServer(cfg, orchestrator, admin, requestLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startHeartbeat(ctx, cfg, registry)

	fileWatcher, err := watcher.New(configPath, cfg.AuthDir,
		func(newCfg *config.Config) { *cfg = *newCfg },
		registry.Forget,
	)
	if err != nil {
		log.WithError(err).Warn("gateway: failed to start filesystem watcher, hot-reload disabled")
	} else if err = fileWatcher.Start(ctx); err != nil {
		log.WithError(err).Warn("gateway: failed to watch config/credentials paths, hot-reload disabled")
	} else {
		defer func() { _ = fileWatcher.Stop() }()
	}

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("gateway: server error: %v", err)
		}
	}()
	log.Infof("gateway: listening on %s:%d", cfg.Host, cfg.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("gateway: shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("gateway: graceful shutdown failed")
	}
}

func expandAuthDir(cfg *config.Config) {
	if !strings.HasPrefix(cfg.AuthDir, "~") {
		return
	}
	home, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("gateway: failed to resolve home directory: %v", err)
	}
	remainder := strings.TrimLeft(strings.TrimPrefix(cfg.AuthDir, "~"), "/\\")
	if remainder == "" {
		cfg.AuthDir = home
		return
	}
	cfg.AuthDir = filepath.Join(home, filepath.FromSlash(strings.ReplaceAll(remainder, "\\", "/")))
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.UseSQLitePool {
		s, err := store.OpenSQLStore(cfg.SQLiteDBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	}
	s, err := store.NewJSONStore(cfg.AccountPoolFilePath)
	if err != nil {
		return nil, fmt.Errorf("open json store: %w", err)
	}
	return s, nil
}

// startHeartbeat runs the token-refresh heartbeat on the configured
// interval until ctx is cancelled.
func startHeartbeat(ctx context.Context, cfg *config.Config, registry *gateway.Registry) {
	interval := time.Duration(cfg.CronRefreshTokenSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	nearWindow := time.Duration(cfg.CronNearMinutes) * time.Minute
	if nearWindow <= 0 {
		nearWindow = 10 * time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				registry.RunHeartbeats(ctx, nearWindow)
			}
		}
	}()
}
