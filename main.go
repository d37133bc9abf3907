package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cryptogramllc/squibturf-sub000/internal/backend"
	"github.com/cryptogramllc/squibturf-sub000/internal/config"
	"github.com/cryptogramllc/squibturf-sub000/internal/database"
	"github.com/cryptogramllc/squibturf-sub000/internal/feed"
	"github.com/cryptogramllc/squibturf-sub000/internal/feedcache"
	"github.com/cryptogramllc/squibturf-sub000/internal/logging"
	"github.com/cryptogramllc/squibturf-sub000/internal/metrics"
	"github.com/cryptogramllc/squibturf-sub000/internal/model"
	"github.com/cryptogramllc/squibturf-sub000/internal/rss"
	"github.com/cryptogramllc/squibturf-sub000/internal/server"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg := config.MustLoad(*configPath)

	log, err := logging.New(cfg.Log.Level, logging.Format(cfg.Env, cfg.Log.Format))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %s\n", err)
		os.Exit(1)
	}
	log = log.With(zap.String("env", cfg.Env))

	err = run(cfg, log)
	if err != nil {
		log.Error("squibs stopped", zap.Error(err))
	}
	_ = log.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	snapshots, err := database.Open(ctx, cfg.Snapshot)
	if err != nil {
		return fmt.Errorf("open snapshots: %w", err)
	}
	if snapshots != nil {
		defer snapshots.Close()
		log.Info("snapshots enabled", zap.String("driver", snapshots.DatabaseType()))
	}

	backendCfg := func(path string) backend.Config {
		return backend.Config{
			BaseURL:       cfg.Backend.BaseURL,
			Path:          path,
			Timeout:       cfg.Backend.Timeout,
			RatePerSecond: cfg.Backend.RatePerSecond,
			Burst:         cfg.Backend.Burst,
		}
	}
	publicSrc := backend.NewClient(backendCfg(cfg.Backend.PublicPath), log.Named("backend.public"))

	var personalSrc feed.Source = backend.NewClient(backendCfg(cfg.Backend.PersonalPath), log.Named("backend.personal"))
	if cfg.RSS.PersonalURL != "" {
		personalSrc = rss.NewSource(cfg.RSS.PersonalURL, log.Named("rss"))
		log.Info("personal feed served from rss", zap.String("url", cfg.RSS.PersonalURL))
	}

	policy := feedcache.NewPolicy(cfg.Feed.TTL)
	opts := feed.Options{
		PageSize:          cfg.Feed.PageSize,
		FetchAll:          cfg.Feed.FetchAll,
		BackgroundRefresh: cfg.Feed.BackgroundRefresh,
		AuthorID:          cfg.Feed.AuthorID,
		Snapshots:         snapshots,
	}

	publicOpts := opts
	publicOpts.Locator = feed.FromContext(nil)
	public, err := feed.New(feedcache.NewStore(model.FeedPublic), policy, publicSrc, publicOpts, log)
	if err != nil {
		return err
	}
	personal, err := feed.New(feedcache.NewStore(model.FeedPersonal), policy, personalSrc, opts, log)
	if err != nil {
		return err
	}
	feeds := &feed.Feeds{Public: public, Personal: personal}

	if err := feeds.Restore(ctx); err != nil {
		log.Warn("restore snapshots", zap.Error(err))
	}

	srv := server.New(feeds, log.Named("http"))
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.HTTP.Addr())
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error("http shutdown", zap.Error(err))
	}
	if err := feeds.Persist(shutdownCtx); err != nil {
		log.Error("persist snapshots", zap.Error(err))
	}
	return nil
}
