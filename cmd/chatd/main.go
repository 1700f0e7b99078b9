package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/nbd-wtf/go-nostr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"relaychat/internal/config"
	"relaychat/internal/engine"
	"relaychat/internal/identity"
	"relaychat/internal/metrics"
	"relaychat/internal/relay"
	"relaychat/internal/store"
	"relaychat/pkg/logger"
)

func main() {
	// Missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	appLogger := logger.New(cfg.Environment)
	defer appLogger.Sync()

	keys := identity.Keys{PublicKey: cfg.PublicKey, PrivateKey: cfg.PrivateKey}
	if keys.PublicKey == "" && keys.PrivateKey != "" {
		pub, err := nostr.GetPublicKey(keys.PrivateKey)
		if err != nil {
			appLogger.Error("derive_public_key_failed", zap.Error(err))
			os.Exit(1)
		}
		keys.PublicKey = pub
	}
	if keys.PublicKey == "" {
		appLogger.Error("no_identity_configured")
		os.Exit(1)
	}
	ids := identity.NewResolver(identity.StaticKeys{Keys: keys}, nil, identity.StaticScope(cfg.ScopeTag))

	st, err := store.Open(cfg.DataDir, appLogger)
	if err != nil {
		os.Exit(1)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	mets := metrics.New(reg)
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				appLogger.Warn("metrics_listener_stopped", zap.Error(err))
			}
		}()
	}

	pool := relay.NewPool(cfg.Relays, appLogger)
	eng := engine.New(st, ids, pool, appLogger, mets, cfg.QueryTimeout)
	defer eng.Close()

	manager := relay.NewManager(pool, eng, ids, st, appLogger, mets, cfg.PollInterval, cfg.ReconnectWait)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager.Run(ctx)
	appLogger.Info("sync_started",
		zap.Strings("relays", cfg.Relays),
		zap.String("scope", cfg.ScopeTag),
		zap.String("data_dir", cfg.DataDir),
	)

	<-ctx.Done()
	appLogger.Info("shutting_down")
	manager.Close()
}
