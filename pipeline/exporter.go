package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aluiziolira/anp-fuel-prices/models"
	"github.com/aluiziolira/anp-fuel-prices/parser"
)

var (
	// ErrExporterClosed is returned when Submit is called after shutdown.
	ErrExporterClosed = errors.New("exporter: closed")
	// ErrExporterCloseTimeout is returned when pending snapshots are not
	// written before the drain timeout.
	ErrExporterCloseTimeout = errors.New("exporter: close timed out")
	// ErrExporterQueueFull is returned when Submit finds the queue full.
	// The snapshot is dropped.
	ErrExporterQueueFull = errors.New("exporter: queue full")
)

// drainTimeout bounds how long Close waits for queued snapshots.
var drainTimeout = 10 * time.Second

// Exporter writes snapshots in the background so a slow disk never delays
// a refresh cycle. When the queue is full new snapshots are dropped and
// counted. Snapshots built from a data file that was already exported for
// the same filter are skipped.
type Exporter struct {
	writer OutputWriter
	logger *slog.Logger
	queue  chan *models.Snapshot

	wg sync.WaitGroup

	exported   map[string]struct{}
	exportedMu sync.Mutex

	stats stats

	mu     sync.Mutex // guards closed/err
	closed bool
	err    error

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewExporter starts the background writer. A nil logger discards
// diagnostics.
func NewExporter(writer OutputWriter, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	e := &Exporter{
		writer:   writer,
		logger:   logger,
		queue:    make(chan *models.Snapshot, 16),
		exported: make(map[string]struct{}),
		stats:    newStats(),
		shutdown: make(chan struct{}),
	}
	e.wg.Add(1)
	go e.worker()
	return e
}

// Submit queues a snapshot for export without blocking. It returns
// ErrExporterQueueFull when the snapshot had to be dropped.
func (e *Exporter) Submit(snapshot *models.Snapshot) error {
	if snapshot == nil {
		return nil
	}

	closed, err := e.state()
	if err != nil {
		return err
	}
	if closed {
		return ErrExporterClosed
	}
	return e.enqueue(snapshot)
}

// Close waits for queued snapshots to be written, up to the drain timeout.
// The writer itself is left open.
func (e *Exporter) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.signalShutdown()
	e.closeOnce.Do(func() {
		close(e.queue)
	})

	drained := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return e.Err()
	case <-time.After(drainTimeout):
		return ErrExporterCloseTimeout
	}
}

// Err returns the first write error.
func (e *Exporter) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Stats returns the number of exported, skipped and dropped snapshots.
func (e *Exporter) Stats() map[string]int64 {
	return e.stats.snapshot()
}

func (e *Exporter) worker() {
	defer e.wg.Done()

	for snapshot := range e.queue {
		key := exportKey(snapshot)
		if e.seen(key) {
			e.stats.add("skipped_unchanged")
			e.logger.Debug("snapshot already exported", slog.String("source_url", snapshot.SourceURL))
			continue
		}
		if len(snapshot.Table) == 0 {
			e.stats.add("skipped_empty")
			continue
		}

		if err := e.writer.Write(snapshot); err != nil {
			e.setErr(fmt.Errorf("write snapshot: %w", err))
			return
		}
		e.markExported(key)
		e.stats.add("exported")
		e.logger.Debug("snapshot exported",
			slog.String("cycle_id", snapshot.CycleID),
			slog.Int("products", len(snapshot.Table)),
		)
	}
}

func exportKey(snapshot *models.Snapshot) string {
	return parser.NormalizeText(snapshot.Filter.State) + "|" +
		parser.NormalizeText(snapshot.Filter.City) + "|" + snapshot.SourceURL
}

func (e *Exporter) seen(key string) bool {
	e.exportedMu.Lock()
	defer e.exportedMu.Unlock()
	_, ok := e.exported[key]
	return ok
}

func (e *Exporter) markExported(key string) {
	e.exportedMu.Lock()
	e.exported[key] = struct{}{}
	e.exportedMu.Unlock()
}

func (e *Exporter) enqueue(snapshot *models.Snapshot) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrExporterClosed
		}
	}()

	select {
	case <-e.shutdown:
		return ErrExporterClosed
	case e.queue <- snapshot:
		return nil
	default:
		e.stats.add("dropped")
		return ErrExporterQueueFull
	}
}

func (e *Exporter) setErr(err error) {
	e.mu.Lock()
	if e.err != nil {
		e.mu.Unlock()
		return
	}
	e.err = err
	e.closed = true
	e.mu.Unlock()

	e.logger.Error("export stopped", slog.Any("error", err))
	e.signalShutdown()
}

func (e *Exporter) state() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed, e.err
}

func (e *Exporter) signalShutdown() {
	e.shutdownOnce.Do(func() {
		close(e.shutdown)
	})
}

type stats struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newStats() stats {
	return stats{counts: make(map[string]int64)}
}

func (s *stats) add(kind string) {
	s.mu.Lock()
	s.counts[kind]++
	s.mu.Unlock()
}

func (s *stats) snapshot() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}
