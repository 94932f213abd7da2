package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/aluiziolira/anp-fuel-prices/models"
)

// DualWriter exports every snapshot to a CSV file and a JSONL file.
type DualWriter struct {
	csv  *CSVWriter
	json *JSONWriter
	mu   sync.Mutex
}

// NewDualWriter opens both outputs. If the second one cannot be opened the
// first is closed again.
func NewDualWriter(csvFilename, jsonFilename string) (*DualWriter, error) {
	csvWriter, err := NewCSVWriter(csvFilename)
	if err != nil {
		return nil, fmt.Errorf("open csv output: %w", err)
	}
	jsonWriter, err := NewJSONWriter(jsonFilename)
	if err != nil {
		csvWriter.Close()
		return nil, fmt.Errorf("open json output: %w", err)
	}
	return &DualWriter{csv: csvWriter, json: jsonWriter}, nil
}

// Write stops at the first failing output.
func (dw *DualWriter) Write(snapshot *models.Snapshot) error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	if err := dw.csv.Write(snapshot); err != nil {
		return fmt.Errorf("csv output: %w", err)
	}
	if err := dw.json.Write(snapshot); err != nil {
		return fmt.Errorf("json output: %w", err)
	}
	return nil
}

// Close closes both outputs and joins their errors.
func (dw *DualWriter) Close() error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	var errs []error
	if err := dw.csv.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close csv output: %w", err))
	}
	if err := dw.json.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close json output: %w", err))
	}
	return errors.Join(errs...)
}

func (dw *DualWriter) Validate() error {
	return errors.Join(dw.csv.Validate(), dw.json.Validate())
}
