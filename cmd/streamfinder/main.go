package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/lucasvieira/streamfinder/internal/cache"
	"github.com/lucasvieira/streamfinder/internal/config"
	"github.com/lucasvieira/streamfinder/internal/extractor"
	"github.com/lucasvieira/streamfinder/internal/metadata"
	"github.com/lucasvieira/streamfinder/internal/provider"
	"github.com/lucasvieira/streamfinder/internal/proxy"
	"github.com/lucasvieira/streamfinder/internal/resolver"
	"github.com/lucasvieira/streamfinder/internal/server"
	"github.com/lucasvieira/streamfinder/internal/subtitle"
	"github.com/lucasvieira/streamfinder/internal/util"
)

func main() {
	cfg := config.Load()
	util.IsDebug = cfg.Debug
	util.InitLogger()

	if err := run(cfg); err != nil {
		util.Fatal("startup failed", "error", err)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	store, err := cache.OpenStore(filepath.Join(cfg.DataDir, "streamfinder.db"))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	resCache := cache.New(cache.TTLPolicy{
		VOD:      cfg.VODTTL,
		Live:     cfg.LiveTTL,
		Negative: cfg.NegativeTTL,
	}, cache.WithStore(store))

	// Periodic sweep bounds memory between the opportunistic ones.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@every 5m", func() { resCache.Sweep() }); err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	launcher, err := extractor.NewLauncher(cfg.NavigationTimeout)
	if err != nil {
		return err
	}
	defer func() { _ = launcher.Close() }()

	registry := provider.NewRegistry()
	allow := extractor.NewAllowlist(registry.AllowedHosts()...)
	allow.Add(cfg.ExtraAllowedDomains...)

	pool := extractor.NewPool(cfg.BrowserPoolSize, launcher.NewSession)
	engine := extractor.NewEngine(pool, allow, extractor.Config{
		ProbeRounds:    cfg.ProbeRounds,
		ProbeDelay:     cfg.ProbeDelay,
		EarlyExitScore: cfg.EarlyExitScore,
	})

	res := resolver.New(resCache, registry, engine, metadata.NewClient(cfg.TMDBAPIKey), resolver.Options{
		Ceiling:        cfg.ResolveCeiling,
		ExtractTimeout: cfg.ExtractTimeout,
	})

	prox := proxy.New(proxy.Options{
		UpstreamTimeout: cfg.UpstreamTimeout,
		PerHostRPS:      cfg.PerHostRPS,
		PlaylistVODTTL:  cfg.VODTTL,
		PlaylistLiveTTL: cfg.LiveTTL,
	})

	srv := server.New(cfg.Listen, res, prox, subtitle.NewFetcher(), resCache, pool)
	return srv.Run(ctx)
}
