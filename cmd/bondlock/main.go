package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hashlock-labs/bondlock/internal/api"
	"github.com/hashlock-labs/bondlock/internal/auth"
	"github.com/hashlock-labs/bondlock/internal/chain"
	"github.com/hashlock-labs/bondlock/internal/commitment"
	"github.com/hashlock-labs/bondlock/internal/config"
	"github.com/hashlock-labs/bondlock/internal/engine"
	"github.com/hashlock-labs/bondlock/internal/escrow"
	"github.com/hashlock-labs/bondlock/internal/watch"
)

const revealBlockTimeout = 5 * time.Second

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Escrow executor (on-chain vault, or book-only) ────────────────────────
	var exec escrow.Executor = escrow.NopExecutor{}
	if cfg.Chain.RPCURL != "" {
		onchain, err := chain.NewClient(cfg)
		if err != nil {
			log.Fatal("chain client init failed", zap.Error(err))
		}
		exec = onchain
		log.Info("escrow vault attached",
			zap.String("contract", onchain.ContractAddress().Hex()),
			zap.Int64("chain_id", cfg.Chain.ChainID),
		)
	} else {
		log.Info("running book-only: no settlement chain configured")
	}

	// ── Engine wiring ─────────────────────────────────────────────────────────
	registry := commitment.NewRegistry(rdb)
	ledger := escrow.NewLedger(rdb, exec, log)
	observer := watch.NewRedisFundingObserver(rdb)
	events := engine.NewEventSink(rdb, cfg.Engine.EventStream, log)
	eng := engine.New(registry, ledger, observer, events, log)

	reveals := watch.NewRevealSource(rdb, cfg.Engine.RevealStream, cfg.Engine.Consumer, log)

	// ── Goroutines ────────────────────────────────────────────────────────────
	go eng.RunRevealListener(ctx, reveals, revealBlockTimeout)
	go eng.RunSweeper(ctx, cfg.Engine.SweepInterval())

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	grp := r.Group("/api", auth.Middleware(rdb))
	api.NewHandler(eng, log).Register(grp)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
