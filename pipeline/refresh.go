package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aluiziolira/anp-fuel-prices/models"
	"github.com/aluiziolira/anp-fuel-prices/scraper"
)

// Source downloads a URL. phase labels the request for metrics and logs.
type Source interface {
	Fetch(ctx context.Context, phase, url string) ([]byte, error)
}

// LinkFinder picks the data file link on the index page.
type LinkFinder interface {
	Resolve(page []byte) (models.CandidateLink, error)
}

// Refresher runs one fetch, resolve, download, extract cycle. It keeps no
// state between calls.
type Refresher struct {
	source   Source
	links    LinkFinder
	indexURL string
	opts     ExtractOptions
	logger   *slog.Logger
	now      func() time.Time
}

// NewRefresher wires the collaborators of a refresh. A nil logger discards
// diagnostics.
func NewRefresher(source Source, links LinkFinder, indexURL string, opts ExtractOptions, logger *slog.Logger) (*Refresher, error) {
	if source == nil {
		return nil, fmt.Errorf("source is nil")
	}
	if links == nil {
		return nil, fmt.Errorf("link finder is nil")
	}
	if indexURL == "" {
		return nil, fmt.Errorf("index url cannot be empty")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Refresher{
		source:   source,
		links:    links,
		indexURL: indexURL,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// LatestLink downloads the index page and resolves the newest data file.
func (r *Refresher) LatestLink(ctx context.Context) (models.CandidateLink, error) {
	page, err := r.source.Fetch(ctx, scraper.PhaseIndex, r.indexURL)
	if err != nil {
		return models.CandidateLink{}, err
	}

	link, err := r.links.Resolve(page)
	if err != nil {
		var notFound scraper.LinkNotFoundError
		if errors.As(err, &notFound) {
			notFound.IndexURL = r.indexURL
			return models.CandidateLink{}, notFound
		}
		return models.CandidateLink{}, fmt.Errorf("resolve link: %w", err)
	}

	attrs := []any{slog.String("url", link.URL)}
	if link.PublishedAt != nil {
		attrs = append(attrs, slog.String("published_at", link.PublishedAt.Format(time.DateOnly)))
	}
	r.logger.Debug("data file resolved", attrs...)
	return link, nil
}

// Download fetches the data file behind link.
func (r *Refresher) Download(ctx context.Context, link models.CandidateLink) ([]byte, error) {
	content, err := r.source.Fetch(ctx, scraper.PhaseFile, link.URL)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return content, nil
}

// Build extracts the rows of content matching filter into a snapshot of
// link.
func (r *Refresher) Build(ctx context.Context, content []byte, link models.CandidateLink, filter models.Filter) (*models.Snapshot, error) {
	extraction, err := Extract(content, r.opts, filter, r.logger)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &models.Snapshot{
		Filter:      filter,
		SourceURL:   link.URL,
		PublishedAt: link.PublishedAt,
		PeriodStart: extraction.PeriodStart,
		PeriodEnd:   extraction.PeriodEnd,
		RefreshedAt: r.now().UTC(),
		Table:       extraction.Table,
	}, nil
}

// Refresh resolves the newest data file and builds its price table for
// filter. On any error no snapshot is returned.
func (r *Refresher) Refresh(ctx context.Context, filter models.Filter) (*models.Snapshot, error) {
	link, err := r.LatestLink(ctx)
	if err != nil {
		return nil, err
	}
	content, err := r.Download(ctx, link)
	if err != nil {
		return nil, err
	}
	return r.Build(ctx, content, link, filter)
}
