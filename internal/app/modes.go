package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sentimarket/probengine/internal/ingest"
	"github.com/sentimarket/probengine/internal/rules"
	"github.com/sentimarket/probengine/internal/server"
	"github.com/sentimarket/probengine/internal/server/handler"
	"github.com/sentimarket/probengine/internal/server/ws"
)

// ServerMode runs the HTTP/WebSocket API plus the background consumers that
// only need a server process (rule syncer, snapshot archiver).
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startServer(ctx, g, deps)
	a.startBackground(ctx, g, deps)
	return g.Wait()
}

// IngestMode runs only the raw-post poller; the API is served elsewhere.
func (a *App) IngestMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting ingest mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startIngest(ctx, g, deps)
	return g.Wait()
}

// FullMode runs everything in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startServer(ctx, g, deps)
	a.startIngest(ctx, g, deps)
	a.startBackground(ctx, g, deps)
	return g.Wait()
}

// startServer launches the HTTP server and the WebSocket hub.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Server.Enabled {
		a.logger.InfoContext(ctx, "http server disabled")
		return
	}

	wsHub := ws.NewHub(deps.EventBus, a.logger)
	g.Go(func() error {
		err := wsHub.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	handlers := server.Handlers{
		Health:        handler.NewHealthHandler(a.logger),
		Markets:       handler.NewMarketHandler(deps.MarketService, a.logger),
		Evidence:      handler.NewEvidenceHandler(deps.EvidenceService, a.logger),
		Probabilities: handler.NewProbabilityHandler(deps.MarketService, deps.HistoryService, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, wsHub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// startIngest launches the raw-post poller.
func (a *App) startIngest(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Ingest.Enabled {
		a.logger.InfoContext(ctx, "ingest poller disabled")
		return
	}

	poller := ingest.NewPoller(
		deps.EventBus,
		deps.MarketStore,
		deps.ScoringClient,
		deps.EvidenceService,
		deps.RateLimiter,
		ingest.Config{
			Interval:   a.cfg.Ingest.Interval.Duration,
			RateLimit:  a.cfg.Ingest.RateLimit,
			RateWindow: a.cfg.Ingest.RateWindow.Duration,
		},
		a.logger,
	)
	g.Go(func() error {
		err := poller.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})
}

// startBackground launches the rule syncer and the snapshot archiver when
// configured.
func (a *App) startBackground(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if a.cfg.Rules.Enabled {
		ruleClient := rules.NewClient(rules.Config{
			BaseURL: a.cfg.Rules.BaseURL,
			Token:   a.cfg.Rules.Token,
			Timeout: a.cfg.Rules.Timeout.Duration,
		})
		syncer := rules.NewSyncer(deps.EventBus, ruleClient, a.logger)
		syncer.SetInterval(a.cfg.Rules.SyncInterval.Duration)
		g.Go(func() error {
			err := syncer.Run(ctx)
			if err == context.Canceled {
				return nil
			}
			return err
		})
	}

	if deps.Archiver != nil && a.cfg.Engine.ArchiveRetentionDays > 0 {
		interval := a.cfg.Engine.ArchiveInterval.Duration
		if interval <= 0 {
			interval = 24 * time.Hour
		}
		g.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					cutoff := retentionCutoff(a.cfg.Engine.ArchiveRetentionDays)
					archived, err := deps.Archiver.ArchiveSnapshots(ctx, cutoff)
					if err != nil {
						a.logger.WarnContext(ctx, "snapshot archival failed",
							slog.String("error", err.Error()),
						)
						continue
					}
					if archived > 0 {
						a.logger.InfoContext(ctx, "snapshots archived",
							slog.Int64("count", archived),
							slog.Time("cutoff", cutoff),
						)
					}
				}
			}
		})
	}
}
