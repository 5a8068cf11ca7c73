package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/storyline/internal/backend"
	"horse.fit/storyline/internal/cli"
	"horse.fit/storyline/internal/clustering"
	"horse.fit/storyline/internal/config"
	"horse.fit/storyline/internal/db"
	"horse.fit/storyline/internal/embedding"
	"horse.fit/storyline/internal/httpapi"
	"horse.fit/storyline/internal/indexqueue"
	"horse.fit/storyline/internal/intake"
	"horse.fit/storyline/internal/logging"
	"horse.fit/storyline/internal/retrieval"
)

// runtime holds every service one command may need, wired from config.
type runtime struct {
	cfg        *config.Config
	logger     zerolog.Logger
	pool       *db.Pool
	index      backend.Backend
	embedder   *embedding.Client
	queue      *indexqueue.Queue
	assigner   *clustering.Assigner
	maintainer *clustering.Maintainer
	engine     *retrieval.Engine
	intake     *intake.Service
}

func loadConfigAndLogger(envLoader *cli.EnvLoader) (*config.Config, zerolog.Logger, error) {
	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

func openRuntime(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*runtime, error) {
	pool, err := db.NewPool(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	rt := &runtime{cfg: cfg, logger: logger, pool: pool, index: backend.Disabled{}}
	if cfg.SearchBackendEnabled {
		index, err := backend.OpenSQLite(ctx, cfg.SearchIndexPath, logging.WithComponent(logger, "backend"))
		if err != nil {
			_ = pool.Close()
			return nil, fmt.Errorf("failed to open search index: %w", err)
		}
		rt.index = index
	} else {
		logger.Warn().Msg("search backend disabled; queries use the relational store")
	}

	if endpoint := strings.TrimSpace(cfg.EmbeddingEndpoint); endpoint != "" {
		rt.embedder = embedding.NewClient(embedding.Options{
			Endpoint:       endpoint,
			Dimensions:     cfg.EmbeddingDimensions,
			RequestTimeout: cfg.EmbeddingTimeout(),
		})
	}

	rt.queue = indexqueue.New(rt.index, indexqueue.Options{
		MaxBatchSize:  cfg.MaxBatchSize,
		MaxBatchDelay: cfg.MaxBatchDelay(),
		MaxRetries:    cfg.MaxRetries,
	}, logging.WithComponent(logger, "indexqueue"))

	rt.assigner = clustering.NewAssigner(rt.index, pool, clustering.AssignerOptions{
		Threshold:   cfg.AssignmentSimilarityThreshold,
		Window:      cfg.Window(),
		Candidates:  cfg.AssignCandidates,
		TitleWeight: cfg.TitleSignalWeight,
	}, logger)

	rt.maintainer = clustering.NewMaintainer(pool, rt.index, rt.queue, rt.assigner, clustering.MaintenanceOptionsFrom(cfg.Clustering), logger)

	var queryEmbedder retrieval.QueryEmbedder
	var articleEmbedder intake.Embedder
	if rt.embedder != nil {
		queryEmbedder = rt.embedder
		articleEmbedder = rt.embedder
	}

	rt.engine = retrieval.NewEngine(rt.index, pool, queryEmbedder, retrieval.Options{
		Timeout: cfg.SearchTimeout(),
	}, logger)

	var enqueuer intake.Enqueuer
	if cfg.SearchBackendEnabled {
		enqueuer = rt.queue
	}

	rt.intake = intake.NewService(pool, rt.assigner, articleEmbedder, enqueuer, intake.Options{
		Dimensions:       cfg.EmbeddingDimensions,
		EmbeddingTimeout: cfg.EmbeddingTimeout(),
	}, logger)

	return rt, nil
}

// Close flushes the index queue before releasing the backend and database.
func (r *runtime) Close(timeout time.Duration) error {
	if r == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = indexqueue.DefaultFlushTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if r.queue != nil {
		report := r.queue.Close(ctx)
		if report.Dropped > 0 {
			errs = append(errs, fmt.Errorf("index queue dropped %d documents on close", report.Dropped))
		}
	}
	if r.index != nil {
		if err := r.index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close search index: %w", err))
		}
	}
	if r.pool != nil {
		if err := r.pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}

// healthChecks checks the database, the search backend and the embedding
// service.
func (r *runtime) healthChecks() map[string]httpapi.HealthCheck {
	return map[string]httpapi.HealthCheck{
		"database": func(ctx context.Context) error {
			return r.pool.Ping(ctx)
		},
		"search_backend": func(ctx context.Context) error {
			err := r.index.Ping(ctx)
			if backend.IsDisabled(err) {
				return httpapi.ErrCheckDisabled
			}
			return err
		},
		"embedding": func(ctx context.Context) error {
			if r.embedder == nil {
				return httpapi.ErrCheckDisabled
			}
			health, err := r.embedder.Health(ctx)
			if err != nil {
				return err
			}
			if !strings.EqualFold(strings.TrimSpace(health.Status), "ok") {
				return fmt.Errorf("embedding service status %q", health.Status)
			}
			return nil
		},
	}
}
