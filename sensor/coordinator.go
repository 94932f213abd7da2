package sensor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/anp-fuel-prices/models"
	"github.com/aluiziolira/anp-fuel-prices/parser"
	"github.com/aluiziolira/anp-fuel-prices/pipeline"
	"github.com/aluiziolira/anp-fuel-prices/scraper"
)

// Refresher resolves the current data file, downloads it and builds its
// snapshot.
type Refresher interface {
	LatestLink(ctx context.Context) (models.CandidateLink, error)
	Download(ctx context.Context, link models.CandidateLink) ([]byte, error)
	Build(ctx context.Context, content []byte, link models.CandidateLink, filter models.Filter) (*models.Snapshot, error)
}

// Exporter receives every applied snapshot.
type Exporter interface {
	Submit(snapshot *models.Snapshot) error
}

// Coordinator runs refresh cycles and publishes their outcome on a board.
type Coordinator struct {
	refresher Refresher
	board     *Board
	filter    models.Filter
	cache     *lru.Cache[string, *models.Snapshot]
	exporter  Exporter
	logger    *slog.Logger
	newID     func() string
	now       func() time.Time
}

// NewCoordinator builds a coordinator for filter. cacheSize is the number of
// extracted tables kept by content digest; 0 disables the cache. The data
// file is downloaded on every cycle either way.
func NewCoordinator(refresher Refresher, board *Board, filter models.Filter, cacheSize int, logger *slog.Logger) (*Coordinator, error) {
	if refresher == nil {
		return nil, fmt.Errorf("refresher is nil")
	}
	if board == nil {
		return nil, fmt.Errorf("board is nil")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	c := &Coordinator{
		refresher: refresher,
		board:     board,
		filter:    filter,
		logger:    logger,
		newID:     uuid.NewString,
		now:       time.Now,
	}
	if cacheSize > 0 {
		cache, err := lru.New[string, *models.Snapshot](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("create snapshot cache: %w", err)
		}
		c.cache = cache
	}
	return c, nil
}

// WithExporter sends every applied snapshot to e.
func (c *Coordinator) WithExporter(e Exporter) {
	c.exporter = e
}

// RunOnce performs one refresh cycle. On failure the board keeps its
// previous snapshot and the error is returned.
func (c *Coordinator) RunOnce(ctx context.Context) (*models.Snapshot, error) {
	cycleID := c.newID()
	logger := c.logger.With(slog.String("cycle_id", cycleID))
	start := c.now()

	snapshot, cached, err := c.refresh(ctx)
	if err != nil {
		if ctx.Err() != nil {
			logger.Debug("refresh cancelled", slog.Any("error", err))
			return nil, err
		}
		c.fail(logger, err)
		return nil, err
	}

	snapshot.CycleID = cycleID
	c.board.Apply(snapshot)

	outcome := "success"
	if len(snapshot.Table) == 0 {
		outcome = "empty"
		logger.Warn("no rows matched filter",
			slog.String("state", c.filter.State),
			slog.String("city", c.filter.City),
			slog.String("source_url", snapshot.SourceURL),
		)
	}
	c.board.metrics.refreshed(outcome, c.now())

	logger.Info("refresh completed",
		slog.String("source_url", snapshot.SourceURL),
		slog.Int("products", len(snapshot.Table)),
		slog.Bool("cached", cached),
		slog.Duration("elapsed", c.now().Sub(start)),
	)

	if c.exporter != nil {
		if err := c.exporter.Submit(snapshot); err != nil {
			logger.Error("export failed", slog.Any("error", err))
		}
	}
	return snapshot, nil
}

// Run refreshes immediately and then every interval until ctx is done.
// Failed cycles do not stop the loop.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("refresh interval must be positive")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		_, _ = c.RunOnce(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) refresh(ctx context.Context) (*models.Snapshot, bool, error) {
	link, err := c.refresher.LatestLink(ctx)
	if err != nil {
		return nil, false, err
	}
	content, err := c.refresher.Download(ctx, link)
	if err != nil {
		return nil, false, err
	}

	key := c.cacheKey(content)
	if c.cache != nil {
		if hit, ok := c.cache.Get(key); ok {
			c.board.metrics.cacheHit()
			snapshot := *hit
			snapshot.SourceURL = link.URL
			snapshot.PublishedAt = link.PublishedAt
			snapshot.Table = hit.Table.Clone()
			snapshot.RefreshedAt = c.now().UTC()
			return &snapshot, true, nil
		}
	}

	snapshot, err := c.refresher.Build(ctx, content, link, c.filter)
	if err != nil {
		return nil, false, err
	}
	if c.cache != nil {
		stored := *snapshot
		stored.Table = snapshot.Table.Clone()
		c.cache.Add(key, &stored)
	}
	return snapshot, false, nil
}

// cacheKey identifies an extraction by the file content and the filter.
// Extraction is deterministic, so equal keys give equal tables.
func (c *Coordinator) cacheKey(content []byte) string {
	return fmt.Sprintf("%016x|%s|%s", xxhash.Sum64(content),
		parser.NormalizeText(c.filter.State), parser.NormalizeText(c.filter.City))
}

func (c *Coordinator) fail(logger *slog.Logger, err error) {
	errorType := ErrorType(err)
	c.board.Fail(err)
	c.board.metrics.failed(errorType)

	var notFound scraper.LinkNotFoundError
	if errors.As(err, &notFound) {
		logger.Warn("refresh skipped, keeping previous prices",
			slog.String("error_type", errorType),
			slog.Any("error", err),
		)
		return
	}
	logger.Error("refresh failed, keeping previous prices",
		slog.String("error_type", errorType),
		slog.Any("error", err),
	)
}

// ErrorType maps a refresh error to a short label for logs and metrics.
func ErrorType(err error) string {
	var parseErr pipeline.ParseError
	if errors.As(err, &parseErr) {
		return "parse"
	}
	var missing parser.MissingColumnError
	if errors.As(err, &missing) {
		return "missing_column"
	}
	return scraper.ErrorTypeLabel(err)
}
