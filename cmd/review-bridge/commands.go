package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v2"

	"github.com/tbourn/play-review-bridge/internal/bridge"
	httpapi "github.com/tbourn/play-review-bridge/internal/http"
	"github.com/tbourn/play-review-bridge/internal/logging"
	"github.com/tbourn/play-review-bridge/internal/observability"
	"github.com/tbourn/play-review-bridge/internal/repo"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Poll configured apps, deliver replies and serve the ops API",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			log := logging.New(logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
			if err != nil {
				return fmt.Errorf("otel: %w", err)
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
				defer cancel()
				if err := shutdownOTel(sctx); err != nil {
					log.Warn().Err(err).Msg("otel shutdown")
				}
			}()

			st, err := openStore(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer st.Close()

			b, err := buildBridge(ctx, cfg, st, log)
			if err != nil {
				return err
			}

			if cfg.Server.Enabled {
				gin.SetMode(cfg.Server.GinMode)
				r := gin.New()
				httpapi.RegisterRoutes(r, b, cfg, logging.Component(log, "http"))
				b.AddService(httpapi.NewServer(cfg.Server, r, shutdownGrace, log))
			}

			log.Info().
				Str("version", version).
				Str("driver", cfg.Database.Driver).
				Int("apps", len(cfg.Apps)).
				Bool("http", cfg.Server.Enabled).
				Msg("review bridge starting")
			if err := b.Run(ctx); err != nil {
				return err
			}
			log.Info().Msg("review bridge stopped")
			return nil
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending schema migrations and exit",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			st, err := openStore(c.Context, cfg.Database)
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := repo.ApplyPending(c.Context, st, repo.Migrations())
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "applied %d migration(s)\n", n)
			return nil
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Print reply queue counts per app and state",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			st, err := openStore(c.Context, cfg.Database)
			if err != nil {
				return err
			}
			defer st.Close()

			rows, err := st.CountReplyJobsByState(c.Context)
			if err != nil {
				return err
			}
			sort.Slice(rows, func(i, j int) bool {
				if rows[i].AppID != rows[j].AppID {
					return rows[i].AppID < rows[j].AppID
				}
				return rows[i].State < rows[j].State
			})
			tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "APP\tSTATE\tCOUNT")
			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%d\n", r.AppID, r.State, r.Count)
			}
			return tw.Flush()
		},
	}
}

var _ httpapi.Service = (*bridge.Bridge)(nil)
