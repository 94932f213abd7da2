package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/anp-fuel-prices/models"
)

type mockWriter struct {
	mu        sync.Mutex
	snapshots []*models.Snapshot
	writeErr  error
}

func (mw *mockWriter) Write(snapshot *models.Snapshot) error {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	if mw.writeErr != nil {
		return mw.writeErr
	}
	mw.snapshots = append(mw.snapshots, snapshot)
	return nil
}

func (mw *mockWriter) Close() error { return nil }

func (mw *mockWriter) Validate() error { return nil }

func (mw *mockWriter) written() int {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	return len(mw.snapshots)
}

type blockingWriter struct {
	blockCh chan struct{}
}

func (bw *blockingWriter) Write(*models.Snapshot) error {
	<-bw.blockCh
	return nil
}

func (bw *blockingWriter) Close() error { return nil }

func (bw *blockingWriter) Validate() error { return nil }

func TestExporterSkipsUnchangedAndEmpty(t *testing.T) {
	writer := &mockWriter{}
	e := NewExporter(writer, nil)

	first := testSnapshot()
	repeat := testSnapshot()
	repeat.CycleID = "cycle-2"
	empty := &models.Snapshot{
		Filter:    models.Filter{State: "PARANA"},
		SourceURL: newerURL,
		Table:     models.PriceTable{},
	}
	newer := testSnapshot()
	newer.SourceURL = "https://www.gov.br/anp/arquivos/resumo_semanal_lpc_2025-01-19_2025-01-25.xlsx"

	for _, s := range []*models.Snapshot{first, repeat, empty, newer, nil} {
		if err := e.Submit(s); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := writer.written(); got != 2 {
		t.Fatalf("written snapshots = %d, want 2", got)
	}
	stats := e.Stats()
	if stats["exported"] != 2 || stats["skipped_unchanged"] != 1 || stats["skipped_empty"] != 1 {
		t.Fatalf("unexpected stats: %v", stats)
	}
}

func TestExporterSubmitAfterClose(t *testing.T) {
	e := NewExporter(&mockWriter{}, nil)
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := e.Submit(testSnapshot()); !errors.Is(err, ErrExporterClosed) {
		t.Fatalf("err = %v, want ErrExporterClosed", err)
	}
}

func TestExporterStopsOnWriteError(t *testing.T) {
	writeErr := errors.New("disk full")
	e := NewExporter(&mockWriter{writeErr: writeErr}, nil)

	if err := e.Submit(testSnapshot()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := e.Close(); !errors.Is(err, writeErr) {
		t.Fatalf("close err = %v, want %v", err, writeErr)
	}
	if err := e.Submit(testSnapshot()); !errors.Is(err, writeErr) {
		t.Fatalf("submit after failure = %v, want %v", err, writeErr)
	}
}

func TestExporterCloseTimeout(t *testing.T) {
	writer := &blockingWriter{blockCh: make(chan struct{})}
	e := NewExporter(writer, nil)

	if err := e.Submit(testSnapshot()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	previousTimeout := drainTimeout
	drainTimeout = 25 * time.Millisecond
	t.Cleanup(func() {
		drainTimeout = previousTimeout
		close(writer.blockCh)
	})

	if err := e.Close(); !errors.Is(err, ErrExporterCloseTimeout) {
		t.Fatalf("expected close timeout error, got %v", err)
	}
}

func TestExporterDropsWhenQueueFull(t *testing.T) {
	writer := &blockingWriter{blockCh: make(chan struct{})}
	e := NewExporter(writer, nil)
	t.Cleanup(func() {
		close(writer.blockCh)
		_ = e.Close()
	})

	var dropped int
	for i := 0; i < 18; i++ {
		s := testSnapshot()
		s.SourceURL = fmt.Sprintf("%s?week=%d", newerURL, i)

		done := make(chan error, 1)
		go func() { done <- e.Submit(s) }()
		select {
		case err := <-done:
			if errors.Is(err, ErrExporterQueueFull) {
				dropped++
			} else if err != nil {
				t.Fatalf("submit %d: %v", i, err)
			}
		case <-time.After(time.Second):
			t.Fatalf("submit %d blocked on a full queue", i)
		}
	}

	if dropped == 0 {
		t.Fatal("expected at least one snapshot to be dropped")
	}
	if got := e.Stats()["dropped"]; got != int64(dropped) {
		t.Fatalf("dropped stat = %d, want %d", got, dropped)
	}
}

func TestExporterKeyIgnoresFilterSpelling(t *testing.T) {
	writer := &mockWriter{}
	e := NewExporter(writer, nil)

	upper := testSnapshot()
	mixed := testSnapshot()
	mixed.Filter = models.Filter{State: "Santa Catarina", City: " Tubarão "}

	for _, s := range []*models.Snapshot{upper, mixed} {
		if err := e.Submit(s); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := writer.written(); got != 1 {
		t.Fatalf("written snapshots = %d, want 1", got)
	}
	if stats := e.Stats(); stats["exported"] != 1 || stats["skipped_unchanged"] != 1 {
		t.Fatalf("unexpected stats: %v", stats)
	}
}
