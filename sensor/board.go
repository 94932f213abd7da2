package sensor

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/aluiziolira/anp-fuel-prices/models"
)

// Reading is the state of one sensor. A nil Value is an unknown state.
type Reading struct {
	Definition
	Value   *float64 `json:"value"`
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Unit    string   `json:"unit,omitempty"`
	Samples int      `json:"samples"`
}

// Board keeps the last good snapshot and serves sensor readings from it.
// A failed refresh never touches the snapshot.
type Board struct {
	defs    []Definition
	metrics *Metrics
	now     func() time.Time

	mu        sync.RWMutex
	snapshot  *models.Snapshot
	lastErr   error
	lastErrAt time.Time
}

// NewBoard creates an empty board for defs. metrics may be nil.
func NewBoard(defs []Definition, metrics *Metrics) *Board {
	return &Board{
		defs:    defs,
		metrics: metrics,
		now:     time.Now,
	}
}

// Apply replaces the current snapshot as a whole and republishes the price
// gauges.
func (b *Board) Apply(snapshot *models.Snapshot) {
	if snapshot == nil {
		return
	}
	next := *snapshot
	next.Table = snapshot.Table.Clone()
	if next.Table == nil {
		next.Table = models.PriceTable{}
	}

	b.mu.Lock()
	b.snapshot = &next
	b.lastErr = nil
	b.lastErrAt = time.Time{}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.Price.Reset()
		for product, price := range next.Table {
			b.metrics.setPrice(product, "average", price.Average)
			b.metrics.setPrice(product, "min", price.Min)
			b.metrics.setPrice(product, "max", price.Max)
		}
	}
}

// Fail records a refresh failure. The previous snapshot stays published.
func (b *Board) Fail(err error) {
	if err == nil {
		return
	}
	b.mu.Lock()
	b.lastErr = err
	b.lastErrAt = b.now().UTC()
	b.mu.Unlock()
}

// Snapshot returns a copy of the current snapshot, or nil before the first
// successful refresh.
func (b *Board) Snapshot() *models.Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.snapshot == nil {
		return nil
	}
	out := *b.snapshot
	out.Table = b.snapshot.Table.Clone()
	return &out
}

// LastError returns the error of the latest refresh if it failed.
func (b *Board) LastError() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastErr
}

// Readings returns one reading per sensor definition, in definition order.
func (b *Board) Readings() []Reading {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Reading, 0, len(b.defs))
	for _, def := range b.defs {
		reading := Reading{Definition: def}
		if b.snapshot != nil {
			if price, ok := b.snapshot.Table[def.Product]; ok {
				reading.Value = price.Average
				reading.Min = price.Min
				reading.Max = price.Max
				reading.Unit = price.Unit
				reading.Samples = price.Samples
			}
		}
		out = append(out, reading)
	}
	return out
}

type boardResponse struct {
	Snapshot    *models.Snapshot `json:"snapshot"`
	Readings    []Reading        `json:"readings"`
	LastError   string           `json:"last_error,omitempty"`
	LastErrorAt *time.Time       `json:"last_error_at,omitempty"`
}

// ServeHTTP renders the snapshot and readings as JSON.
func (b *Board) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	resp := boardResponse{
		Snapshot: b.Snapshot(),
		Readings: b.Readings(),
	}
	b.mu.RLock()
	if b.lastErr != nil {
		resp.LastError = b.lastErr.Error()
		at := b.lastErrAt
		resp.LastErrorAt = &at
	}
	b.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
