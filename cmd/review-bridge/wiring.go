package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/time/rate"

	"github.com/tbourn/play-review-bridge/internal/bridge"
	"github.com/tbourn/play-review-bridge/internal/chat"
	"github.com/tbourn/play-review-bridge/internal/config"
	"github.com/tbourn/play-review-bridge/internal/dispatch"
	"github.com/tbourn/play-review-bridge/internal/logging"
	"github.com/tbourn/play-review-bridge/internal/poller"
	"github.com/tbourn/play-review-bridge/internal/repo"
	"github.com/tbourn/play-review-bridge/internal/repo/postgres"
	"github.com/tbourn/play-review-bridge/internal/repo/sqlite"
	"github.com/tbourn/play-review-bridge/internal/reviewsource"
	"github.com/tbourn/play-review-bridge/internal/services"
)

const shutdownGrace = 10 * time.Second

func loadConfig(c *cli.Context) (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if path := c.String("config"); path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return config.Config{}, err
	}
	if lvl := strings.TrimSpace(c.String("log-level")); lvl != "" {
		cfg.Log.Level = lvl
	}
	return cfg, nil
}

// openStore returns an initialized store for the configured driver.
func openStore(ctx context.Context, db config.DatabaseConfig) (repo.Store, error) {
	var st repo.Store
	switch db.Driver {
	case "postgres":
		st = postgres.New(postgres.Options{
			DSN:             db.DSN,
			MaxConns:        db.MaxConns,
			MinConns:        db.MinConns,
			ConnectTimeout:  db.ConnectTimeout,
			MaxConnIdleTime: db.IdleTimeout,
		})
	case "sqlite", "":
		st = sqlite.New(sqlite.Options{
			Path:         db.SQLitePath,
			BusyTimeout:  db.BusyTimeout,
			MaxOpenConns: int(db.MaxConns),
			Tracing:      db.Trace,
		})
	default:
		return nil, fmt.Errorf("unknown database driver %q", db.Driver)
	}
	if err := st.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("open %s store: %w", db.Driver, err)
	}
	return st, nil
}

// buildBridge wires the collaborators around st.
func buildBridge(ctx context.Context, cfg config.Config, st repo.Store, log zerolog.Logger) (*bridge.Bridge, error) {
	gp, err := reviewsource.NewGooglePlay(ctx, reviewsource.Options{
		CredentialsFile: cfg.GooglePlay.CredentialsFile,
		Endpoint:        cfg.GooglePlay.Endpoint,
		Timeout:         cfg.GooglePlay.Timeout,
	}, logging.Component(log, "googleplay"))
	if err != nil {
		return nil, fmt.Errorf("google play client: %w", err)
	}
	source := reviewsource.NewBreaker(gp, reviewsource.BreakerOptions{
		Name:        "googleplay",
		Failures:    cfg.GooglePlay.BreakerFailures,
		OpenTimeout: cfg.GooglePlay.BreakerTimeout,
	}, log)

	// The gateway asks the mapping service for each room's format; the
	// service is created by the bridge, so resolve it lazily.
	var mappings *services.MappingService
	gw, err := chat.NewGateway(chat.Options{
		BaseURL:      cfg.Chat.GatewayURL,
		Token:        cfg.Chat.Token,
		Timeout:      cfg.Chat.Timeout,
		PuppetPrefix: cfg.Chat.PuppetPrefix,
		RoomFormat: func(ctx context.Context, roomID string) string {
			if mappings == nil {
				return ""
			}
			rc, err := mappings.RoomConfigFor(ctx, roomID)
			if err != nil {
				log.Debug().Err(err).Str("room_id", roomID).Msg("room format lookup")
				return ""
			}
			return rc.Format
		},
	}, logging.Component(log, "chat"))
	if err != nil {
		return nil, err
	}

	b := bridge.New(st, source, gw, log, bridgeOptions(cfg))
	mappings = b.Mappings()
	return b, nil
}

func bridgeOptions(cfg config.Config) bridge.Options {
	apps := make([]poller.AppConfig, 0, len(cfg.Apps))
	for _, a := range cfg.Apps {
		apps = append(apps, poller.AppConfig{
			AppID:             a.AppID,
			DisplayName:       a.DisplayName,
			RoomID:            a.RoomID,
			PollInterval:      a.PollInterval,
			MaxReviewsPerPoll: a.MaxReviewsPerPoll,
			LookbackDays:      a.LookbackDays,
		})
	}

	var limiter *rate.Limiter
	if cfg.Reply.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Reply.RatePerSecond), cfg.Reply.Burst)
	}

	retention := bridge.RetentionOptions{
		Inactivity: cfg.Retention.UserInactivity,
		Interval:   cfg.Retention.Interval,
	}
	if cfg.Retention.Interval == 0 {
		retention.Inactivity = 0
	}

	return bridge.Options{
		Apps: apps,
		Defaults: poller.AppConfig{
			PollInterval:      cfg.Polling.Interval,
			MaxReviewsPerPoll: cfg.Polling.MaxReviewsPerPoll,
			LookbackDays:      cfg.Polling.LookbackDays,
		},
		Poller: poller.Options{CallTimeout: cfg.Polling.CallTimeout},
		Dispatch: dispatch.Options{
			Policy:       cfg.Reply.Backoff(),
			Limiter:      limiter,
			PollInterval: cfg.Reply.PollInterval,
			BatchSize:    cfg.Reply.BatchSize,
			SendTimeout:  cfg.Reply.SendTimeout,
		},
		Retention:       retention,
		PuppetPrefix:    cfg.Chat.PuppetPrefix,
		ShutdownTimeout: shutdownGrace,
	}
}
