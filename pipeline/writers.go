package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/aluiziolira/anp-fuel-prices/models"
)

// OutputWriter persists refreshed snapshots.
type OutputWriter interface {
	Write(snapshot *models.Snapshot) error
	Close() error
	Validate() error
}

// csvHeader is the column layout of exported price rows.
var csvHeader = []string{"refreshed_at", "state", "city", "product", "unit", "average", "min", "max", "samples", "source_url"}

// Record is one exported product row of a snapshot.
type Record struct {
	CycleID     string    `json:"cycle_id,omitempty"`
	RefreshedAt time.Time `json:"refreshed_at"`
	State       string    `json:"state"`
	City        string    `json:"city,omitempty"`
	Product     string    `json:"product"`
	Unit        string    `json:"unit,omitempty"`
	Average     *float64  `json:"average"`
	Min         *float64  `json:"min,omitempty"`
	Max         *float64  `json:"max,omitempty"`
	Samples     int       `json:"samples"`
	SourceURL   string    `json:"source_url"`
}

// Records flattens a snapshot into one record per product, ordered by name.
func Records(snapshot *models.Snapshot) []Record {
	if snapshot == nil {
		return nil
	}
	out := make([]Record, 0, len(snapshot.Table))
	for _, product := range snapshot.Table.Products() {
		price := snapshot.Table[product]
		out = append(out, Record{
			CycleID:     snapshot.CycleID,
			RefreshedAt: snapshot.RefreshedAt,
			State:       snapshot.Filter.State,
			City:        snapshot.Filter.City,
			Product:     product,
			Unit:        price.Unit,
			Average:     price.Average,
			Min:         price.Min,
			Max:         price.Max,
			Samples:     price.Samples,
			SourceURL:   snapshot.SourceURL,
		})
	}
	return out
}

// CSVWriter writes price rows to CSV.
type CSVWriter struct {
	file   *os.File
	writer *csv.Writer
	mu     sync.Mutex
}

// NewCSVWriter initialises a CSV writer and writes the header row.
func NewCSVWriter(filename string) (*CSVWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create csv file: %w", err)
	}

	writer := csv.NewWriter(f)
	if err := writer.Write(csvHeader); err != nil {
		f.Close()
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("flush csv header: %w", err)
	}

	return &CSVWriter{
		file:   f,
		writer: writer,
	}, nil
}

// Write appends one row per product of the snapshot.
func (cw *CSVWriter) Write(snapshot *models.Snapshot) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	for _, rec := range Records(snapshot) {
		row := []string{
			rec.RefreshedAt.Format(time.RFC3339),
			rec.State,
			rec.City,
			rec.Product,
			rec.Unit,
			formatPrice(rec.Average),
			formatPrice(rec.Min),
			formatPrice(rec.Max),
			strconv.Itoa(rec.Samples),
			rec.SourceURL,
		}
		if err := cw.writer.Write(row); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	return nil
}

// Close flushes and closes the file handle.
func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return cw.file.Close()
}

// Validate ensures the file has content.
func (cw *CSVWriter) Validate() error {
	info, err := cw.file.Stat()
	if err != nil {
		return fmt.Errorf("stat csv file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("csv file is empty")
	}
	return nil
}

// JSONWriter writes newline-delimited JSON price rows.
type JSONWriter struct {
	file    *os.File
	writer  *bufio.Writer
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewJSONWriter initialises the JSON writer.
func NewJSONWriter(filename string) (*JSONWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create json file: %w", err)
	}

	buffer := bufio.NewWriter(f)
	return &JSONWriter{
		file:    f,
		writer:  buffer,
		encoder: json.NewEncoder(buffer),
	}, nil
}

// Write appends one JSON line per product of the snapshot.
func (jw *JSONWriter) Write(snapshot *models.Snapshot) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	for _, rec := range Records(snapshot) {
		if err := jw.encoder.Encode(rec); err != nil {
			return fmt.Errorf("encode json record: %w", err)
		}
	}

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	return nil
}

// Close flushes buffers and closes the underlying file.
func (jw *JSONWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	return jw.file.Close()
}

// Validate ensures the JSON file has data.
func (jw *JSONWriter) Validate() error {
	info, err := jw.file.Stat()
	if err != nil {
		return fmt.Errorf("stat json file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("json file is empty")
	}
	return nil
}

func formatPrice(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
