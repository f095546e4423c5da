// Package ingest drains queued raw posts, scores them through the external
// LLM scoring service, and feeds the resulting evidence batches into the
// engine.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sentimarket/probengine/internal/domain"
	"github.com/sentimarket/probengine/internal/scoring"
)

const (
	defaultInterval  = 10 * time.Second
	drainBatchSize   = 100
	maxMarketWorkers = 4

	// scoringRateKey buckets the scoring-service rate limit globally rather
	// than per caller.
	scoringRateKey = "ratelimit:scoring"
)

// Scorer turns raw posts into a scored evidence batch. Implemented by the
// scoring service client.
type Scorer interface {
	ScorePosts(ctx context.Context, market domain.Market, posts []scoring.RawPost) (domain.EvidenceBatch, error)
}

// Ingestor applies a scored batch to a market. Implemented by the evidence
// service.
type Ingestor interface {
	IngestBatch(ctx context.Context, marketID string, batch domain.EvidenceBatch) (domain.ProbabilityState, error)
}

// Config tunes the poller.
type Config struct {
	Interval time.Duration

	// RateLimit caps scoring-service calls per RateWindow. Zero disables
	// limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Poller drains StreamRawPosts on an interval, scores the queued posts per
// market, and hands the batches to the evidence service. Scoring runs with no
// market lock held; only the commit inside IngestBatch is serialized.
type Poller struct {
	bus      domain.EventBus
	markets  domain.MarketStore
	scorer   Scorer
	ingestor Ingestor
	limiter  domain.RateLimiter
	logger   *slog.Logger

	cfg    Config
	lastID string
}

// NewPoller creates a Poller. limiter may be nil to disable scoring-call rate
// limiting.
func NewPoller(
	bus domain.EventBus,
	markets domain.MarketStore,
	scorer Scorer,
	ingestor Ingestor,
	limiter domain.RateLimiter,
	cfg Config,
	logger *slog.Logger,
) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	return &Poller{
		bus:      bus,
		markets:  markets,
		scorer:   scorer,
		ingestor: ingestor,
		limiter:  limiter,
		cfg:      cfg,
		lastID:   "0",
		logger:   logger.With(slog.String("component", "ingest_poller")),
	}
}

// Run drains the raw-post stream on the configured interval until the context
// is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.InfoContext(ctx, "ingest poller started",
		slog.Duration("interval", p.cfg.Interval),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.Drain(ctx); err != nil {
				p.logger.WarnContext(ctx, "drain failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Drain reads all queued raw posts, groups them per market, and processes
// each market concurrently. Per-market failures are logged and do not stop
// other markets; the stream cursor only advances past entries that were read.
func (p *Poller) Drain(ctx context.Context) error {
	for {
		msgs, err := p.bus.StreamRead(ctx, domain.StreamRawPosts, p.lastID, drainBatchSize)
		if err != nil {
			return fmt.Errorf("ingest: read raw posts: %w", err)
		}
		if len(msgs) == 0 {
			return nil
		}

		byMarket := make(map[string][]scoring.RawPost)
		for _, msg := range msgs {
			var ev domain.RawPostEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				p.logger.WarnContext(ctx, "skipping malformed raw post",
					slog.String("stream_id", msg.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			byMarket[ev.MarketID] = append(byMarket[ev.MarketID], scoring.RawPost{
				PostID:    ev.PostID,
				Author:    ev.Author,
				Text:      ev.Text,
				CreatedAt: ev.CreatedAt,
			})
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxMarketWorkers)
		for marketID, posts := range byMarket {
			g.Go(func() error {
				p.processMarket(gctx, marketID, posts)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		p.lastID = msgs[len(msgs)-1].ID
		if len(msgs) < drainBatchSize {
			return nil
		}
	}
}

// processMarket scores and ingests one market's queued posts. Failures are
// logged only; the posts stay journaled on the stream for operators to replay.
func (p *Poller) processMarket(ctx context.Context, marketID string, posts []scoring.RawPost) {
	market, err := p.markets.GetByID(ctx, marketID)
	if err != nil {
		p.logger.WarnContext(ctx, "skipping posts for unknown market",
			slog.String("market_id", marketID),
			slog.Int("posts", len(posts)),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := p.waitForSlot(ctx); err != nil {
		p.logger.WarnContext(ctx, "scoring rate limit wait aborted",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
		return
	}

	batch, err := p.scorer.ScorePosts(ctx, market, posts)
	if err != nil {
		var extErr *domain.ExternalServiceError
		if errors.As(err, &extErr) {
			p.logger.WarnContext(ctx, "scoring service unavailable",
				slog.String("market_id", marketID),
				slog.String("service", extErr.Service),
				slog.String("error", err.Error()),
			)
		} else {
			p.logger.ErrorContext(ctx, "scoring failed",
				slog.String("market_id", marketID),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	if len(batch.Results) == 0 {
		return
	}

	state, err := p.ingestor.IngestBatch(ctx, marketID, batch)
	if err != nil {
		p.logger.ErrorContext(ctx, "batch ingestion failed",
			slog.String("market_id", marketID),
			slog.Int("payloads", len(batch.Results)),
			slog.String("error", err.Error()),
		)
		return
	}

	p.logger.InfoContext(ctx, "batch ingested",
		slog.String("market_id", marketID),
		slog.Int("posts", len(posts)),
		slog.Int("payloads", len(batch.Results)),
		slog.Int("outcomes", len(state.Probabilities)),
	)
}

// waitForSlot blocks until the scoring rate limit admits another call. With
// no limiter configured it returns immediately. Limiter errors fail open.
func (p *Poller) waitForSlot(ctx context.Context) error {
	if p.limiter == nil || p.cfg.RateLimit <= 0 {
		return nil
	}
	for {
		allowed, err := p.limiter.Allow(ctx, scoringRateKey, p.cfg.RateLimit, p.cfg.RateWindow)
		if err != nil {
			p.logger.WarnContext(ctx, "rate limiter unavailable, proceeding",
				slog.String("error", err.Error()),
			)
			return nil
		}
		if allowed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}
