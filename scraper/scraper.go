// Package scraper downloads the publisher's index page and data files and
// finds the newest data file link on the index page.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/aluiziolira/anp-fuel-prices/config"
	"github.com/gocolly/colly/v2"
)

// Fetch phases, used as metric labels.
const (
	PhaseIndex = "index"
	PhaseFile  = "file"
)

// Fetcher wraps a colly collector for synchronous, retried GET requests.
type Fetcher struct {
	cfg       *config.Config
	collector *colly.Collector
	logger    *slog.Logger
	Metrics   *Metrics
}

// NewFetcher builds a fetcher configured from cfg. A nil logger discards
// diagnostics.
func NewFetcher(cfg *config.Config, logger *slog.Logger) (*Fetcher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	collector := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(cfg.MaxBodySize),
	)

	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = !cfg.RespectRobotsTxt
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	return &Fetcher{
		cfg:       cfg,
		collector: collector,
		logger:    logger,
		Metrics:   NewMetrics(),
	}, nil
}

// WithTransport replaces the HTTP transport used for every request.
func (f *Fetcher) WithTransport(transport http.RoundTripper) {
	f.collector.WithTransport(transport)
}

// Fetch downloads rawURL and returns the response body. Failures that may
// be transient are retried up to MaxRetries times with exponential backoff.
// The returned error is a FetchError, or the context error on cancellation.
func (f *Fetcher) Fetch(ctx context.Context, phase, rawURL string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		body, err := f.fetchOnce(ctx, phase, rawURL)
		if err == nil {
			return body, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		category := ErrorTypeLabel(err)
		f.Metrics.IncError(category)
		if attempt >= f.cfg.MaxRetries || !retryable(err) {
			return nil, err
		}

		delay := f.backoff(attempt + 1)
		f.Metrics.IncRetries()
		f.logger.Warn("fetch failed, retrying",
			slog.String("phase", phase),
			slog.String("url", rawURL),
			slog.String("category", category),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

type fetchResult struct {
	body   []byte
	status int
	err    error
}

// fetchOnce issues a single request on a cloned collector so callbacks do
// not leak between calls. colly has no context support, so cancellation is
// honoured by abandoning the request; it ends at the collector timeout.
func (f *Fetcher) fetchOnce(ctx context.Context, phase, rawURL string) ([]byte, error) {
	c := f.collector.Clone()
	done := make(chan fetchResult, 1)

	go func() {
		var res fetchResult
		c.OnResponse(func(r *colly.Response) {
			res.status = r.StatusCode
			res.body = r.Body
		})
		c.OnError(func(r *colly.Response, err error) {
			if r != nil {
				res.status = r.StatusCode
			}
		})
		res.err = c.Visit(rawURL)
		done <- res
	}()

	start := time.Now()
	f.Metrics.IncRequest(phase)
	f.logger.Debug("fetch started", slog.String("phase", phase), slog.String("url", rawURL))

	var res fetchResult
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-done:
	}
	f.Metrics.ObserveDuration(phase, time.Since(start))

	if res.err == nil && res.status != http.StatusOK {
		res.err = fmt.Errorf("unexpected status %d", res.status)
	}
	if res.err != nil {
		return nil, FetchError{
			Phase:      phase,
			URL:        rawURL,
			StatusCode: res.status,
			Err:        classifyError(res.err, res.status),
		}
	}

	f.Metrics.AddBytes(phase, len(res.body))
	f.logger.Debug("fetch finished",
		slog.String("phase", phase),
		slog.String("url", rawURL),
		slog.Int("bytes", len(res.body)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return res.body, nil
}

func (f *Fetcher) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := f.cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := f.cfg.RetryBackoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}

func classifyError(err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{Err: err}
	}

	if statusCode != 0 {
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("http status %d", statusCode)
		}
		switch {
		case statusCode == http.StatusForbidden:
			return ErrForbidden{Err: wrapped}
		case statusCode == http.StatusNotFound:
			return ErrNotFound{Err: wrapped}
		case statusCode == http.StatusTooManyRequests:
			return ErrRateLimited{Err: wrapped}
		case statusCode >= http.StatusInternalServerError:
			return ErrServer{Err: wrapped}
		}
	}

	return err
}
