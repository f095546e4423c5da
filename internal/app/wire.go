package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/sentimarket/probengine/internal/blob/s3"
	"github.com/sentimarket/probengine/internal/cache/redis"
	"github.com/sentimarket/probengine/internal/config"
	"github.com/sentimarket/probengine/internal/correction"
	"github.com/sentimarket/probengine/internal/domain"
	"github.com/sentimarket/probengine/internal/engine"
	"github.com/sentimarket/probengine/internal/notify"
	"github.com/sentimarket/probengine/internal/scoring"
	"github.com/sentimarket/probengine/internal/service"
	"github.com/sentimarket/probengine/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	MarketStore      domain.MarketStore
	ProbabilityStore domain.ProbabilityStore
	EvidenceStore    domain.EvidenceStore
	AuditStore       domain.AuditStore

	// Redis
	StateCache  domain.StateCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	EventBus    domain.EventBus

	// Engine and services
	Manager         *engine.Manager
	MarketService   *service.MarketService
	EvidenceService *service.EvidenceService
	HistoryService  *service.HistoryService

	// External collaborators
	ScoringClient *scoring.Client
	Sidecar       *correction.Client

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.PoolMaxConns,
		MinConns: cfg.Database.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.MarketStore = postgres.NewMarketStore(pool)
	deps.ProbabilityStore = postgres.NewProbabilityStore(pool)
	deps.EvidenceStore = postgres.NewEvidenceStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.StateCache = redis.NewStateCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.EventBus = redis.NewEventBus(redisClient)

	// --- S3 snapshot archival (optional) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewSnapshotArchiver(
			deps.BlobWriter,
			deps.BlobReader,
			deps.ProbabilityStore,
			deps.AuditStore,
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- External collaborators ---
	deps.ScoringClient = scoring.New(scoring.Config{
		BaseURL: cfg.Scoring.BaseURL,
		APIKey:  cfg.Scoring.APIKey,
		Secret:  cfg.Scoring.Secret,
		Timeout: cfg.Scoring.Timeout.Duration,
	})
	if cfg.Correction.Enabled {
		deps.Sidecar = correction.New(correction.Config{
			BaseURL: cfg.Correction.BaseURL,
			APIKey:  cfg.Correction.APIKey,
			Secret:  cfg.Correction.Secret,
			Timeout: cfg.Correction.Timeout.Duration,
		})
	}

	// --- Engine and services ---
	deps.Manager = engine.NewManager(deps.ProbabilityStore, deps.LockManager, deps.EventBus, logger)
	if ttl := cfg.Engine.LockTTL.Duration; ttl > 0 {
		deps.Manager.SetLockTTL(ttl)
	}

	deps.MarketService = service.NewMarketService(
		deps.MarketStore,
		deps.ProbabilityStore,
		deps.Manager,
		deps.StateCache,
		deps.AuditStore,
		deps.Notifier,
		logger,
	)

	var meta service.MetaSource
	var corr service.Corrector
	if deps.Sidecar != nil {
		meta = deps.Sidecar
		corr = deps.Sidecar
	}
	deps.EvidenceService = service.NewEvidenceService(
		deps.MarketStore,
		deps.EvidenceStore,
		deps.Manager,
		deps.StateCache,
		meta,
		corr,
		cfg.Engine.DefaultTemperature,
		logger,
	)

	deps.HistoryService = service.NewHistoryService(deps.Manager, deps.EvidenceStore, logger)

	return deps, cleanup, nil
}

// retentionCutoff converts the configured retention in days to an absolute
// archive cutoff.
func retentionCutoff(days int) time.Time {
	return time.Now().UTC().AddDate(0, 0, -days)
}
