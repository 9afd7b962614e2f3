// Package main runs the now-playing notifier: it polls Last.fm for every
// subscriber and keeps one Telegram message per subscriber in sync with
// what they are listening to.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"nowplaying-notifier/chat"
	"nowplaying-notifier/config"
	"nowplaying-notifier/enrich"
	"nowplaying-notifier/lastfm"
	"nowplaying-notifier/lease"
	"nowplaying-notifier/pkg/notifier"
	"nowplaying-notifier/poll"
	"nowplaying-notifier/reconcile"
	"nowplaying-notifier/server"
	"nowplaying-notifier/storage"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
	spotify "github.com/zmb3/spotify/v2"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"google.golang.org/api/option"
)

// profileStore is what the scheduler, reconciler and admin endpoints need from storage.
type profileStore interface {
	Get(ctx context.Context, subscriberID string) (*notifier.Profile, error)
	Save(ctx context.Context, p *notifier.Profile) error
	List(ctx context.Context) ([]*notifier.Profile, error)
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (default: $CONFIG_PATH, ./config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Service stopped")
}

func newLogger(cfg config.LogConfig, out *os.File) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, closeStore, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	locker, closeLocker, err := openLocker(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	source := lastfm.New(lastfm.Config{
		HTTPClient:    &http.Client{Timeout: cfg.LastFM.Timeout},
		APIKey:        cfg.LastFM.APIKey,
		BaseURL:       cfg.LastFM.BaseURL,
		RatePerSecond: cfg.LastFM.RatePerSecond,
	}, logger)

	providers, err := buildProviders(ctx, cfg.Enrich, &http.Client{Timeout: 30 * time.Second}, logger)
	if err != nil {
		return err
	}
	chain := enrich.NewChain(providers, cfg.Enrich.Timeout, logger)
	logger.Info("Enrichment chain ready", "providers", chain.Providers())

	messenger, updater, err := openMessenger(cfg, logger)
	if err != nil {
		return err
	}

	reconciler := reconcile.New(&reconcile.Config{
		Store:      store,
		Source:     source,
		Enricher:   chain,
		Messenger:  messenger,
		Locker:     locker,
		IsNotFound: storage.IsNotFound,
		Logger:     logger,
	})

	scheduler := poll.New(&poll.Config{
		Store:    store,
		Syncer:   reconciler,
		Logger:   logger,
		Interval: cfg.Poll.Interval,
		Workers:  cfg.Poll.Workers,
	})

	srv := server.New(&server.Config{
		Store:      store,
		Poller:     scheduler,
		Refresher:  reconciler,
		Locker:     locker,
		IsNotFound: storage.IsNotFound,
		Logger:     logger,
		Port:       cfg.Server.Port,
		RateLimit:  cfg.Server.RateLimit,
		TrustProxy: cfg.Server.TrustedProxies,
	})

	sup := suture.New("nowplaying-notifier", suture.Spec{
		EventHook:        (&sutureslog.Handler{Logger: logger}).MustHook(),
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          15 * time.Second,
	})
	sup.Add(scheduler)
	sup.Add(srv)
	if updater != nil {
		sup.Add(chat.NewCallbackListener(updater, reconciler, logger))
	}

	logger.Info("Starting now-playing notifier",
		"storage", cfg.Storage.Backend,
		"poll_interval", cfg.Poll.Interval.String(),
		"workers", cfg.Poll.Workers,
		"mock_telegram", cfg.MockTelegram(),
		"shared_lease", cfg.Redis.URL != "")

	if err := sup.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (profileStore, func(), error) {
	switch cfg.Backend {
	case "gcs":
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create storage client: %w", err)
		}
		closeFn := func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}
		logger.Info("Using Cloud Storage profile store", "bucket", cfg.Bucket)
		return storage.New(client, cfg.Bucket, "", logger), closeFn, nil

	case "mongo":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		if err := client.Ping(connectCtx, nil); err != nil {
			return nil, nil, fmt.Errorf("ping mongo: %w", err)
		}
		closeFn := func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := client.Disconnect(disconnectCtx); err != nil {
				logger.Warn("Failed to disconnect mongo", "error", err)
			}
		}
		logger.Info("Using MongoDB profile store", "database", cfg.MongoDatabase, "collection", cfg.MongoCollection)
		return storage.NewMongo(client.Database(cfg.MongoDatabase), cfg.MongoCollection, logger), closeFn, nil

	default:
		if err := os.MkdirAll(cfg.LocalPath, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create local storage directory: %w", err)
		}
		logger.Info("Using local profile store", "storage_path", cfg.LocalPath)
		return storage.New(nil, "", cfg.LocalPath, logger), func() {}, nil
	}
}

func openLocker(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (lease.Locker, func(), error) {
	if cfg.URL == "" {
		return lease.NewLocal(), func() {}, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}

	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Warn("Failed to close redis client", "error", err)
		}
	}
	logger.Info("Using Redis subscriber lease", "addr", opts.Addr, "ttl", cfg.LeaseTTL.String())
	return lease.NewRedis(client, "nowplaying:lease:", cfg.LeaseTTL, logger), closeFn, nil
}

// buildProviders constructs the configured providers in order. Providers
// whose credentials are missing are skipped.
func buildProviders(ctx context.Context, cfg config.EnrichConfig, client *http.Client, logger *slog.Logger) ([]enrich.Provider, error) {
	settings := enrich.BreakerSettings{
		Failures:    cfg.Breaker.Failures,
		OpenTimeout: cfg.Breaker.OpenTimeout,
	}

	var providers []enrich.Provider
	for _, name := range cfg.Providers {
		var p enrich.Provider
		switch name {
		case "itunes":
			p = enrich.NewITunes(client, "", logger)
		case "deezer":
			p = enrich.NewDeezer(client, "", logger)
		case "lastfm":
			p = enrich.NewLastFMPage(client, "", logger)
		case "spotify":
			if cfg.Spotify.ClientID == "" {
				logger.Info("Skipping provider without credentials", "provider", name)
				continue
			}
			httpClient := enrich.NewSpotifyHTTPClient(ctx, cfg.Spotify.ClientID, cfg.Spotify.ClientSecret)
			p = enrich.NewSpotify(spotify.New(httpClient), logger)
		case "youtube":
			if cfg.YouTube.APIKey == "" {
				logger.Info("Skipping provider without credentials", "provider", name)
				continue
			}
			yt, err := enrich.NewYouTube(ctx, logger, option.WithAPIKey(cfg.YouTube.APIKey))
			if err != nil {
				return nil, fmt.Errorf("create youtube provider: %w", err)
			}
			p = yt
		case "ytmusic":
			if cfg.YTMusic.URL == "" {
				logger.Info("Skipping provider without sidecar URL", "provider", name)
				continue
			}
			p = enrich.NewYTMusic(client, cfg.YTMusic.URL, logger)
		default:
			return nil, fmt.Errorf("unknown enrichment provider %q", name)
		}
		providers = append(providers, enrich.WithBreaker(p, settings, logger))
	}
	return providers, nil
}

// openMessenger returns the Telegram adapter and the update source for
// refresh callbacks, or a logging mock without a token.
func openMessenger(cfg *config.Config, logger *slog.Logger) (reconcile.Messenger, chat.Updater, error) {
	if cfg.MockTelegram() {
		logger.Info("Mock Telegram mode enabled (no TELEGRAM_TOKEN)")
		return chat.NewMockProvider(logger), nil, nil
	}

	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		return nil, nil, fmt.Errorf("create telegram bot: %w", err)
	}
	logger.Info("Telegram bot authorized", "username", bot.Self.UserName)
	return chat.NewTelegram(bot, cfg.Telegram.RatePerSecond, logger), bot, nil
}
