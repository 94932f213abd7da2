// Package pipeline turns a downloaded price spreadsheet into a price table
// and exports the resulting snapshots.
package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/aluiziolira/anp-fuel-prices/config"
	"github.com/aluiziolira/anp-fuel-prices/models"
	"github.com/aluiziolira/anp-fuel-prices/parser"
)

// maxHeaderScan bounds the header search when the offset is automatic.
const maxHeaderScan = 50

// DefaultPrecision is the number of decimal places kept in averages.
const DefaultPrecision = 2

// ParseError indicates the downloaded content is not a readable spreadsheet.
type ParseError struct {
	Err error
}

func (e ParseError) Error() string {
	return fmt.Errorf("parse spreadsheet: %w", e.Err).Error()
}

func (e ParseError) Unwrap() error {
	return e.Err
}

// ExtractOptions selects the sheet and header row to read.
type ExtractOptions struct {
	// SheetName is matched ignoring case and accents; empty uses the active sheet.
	SheetName string
	// HeaderOffset is the number of rows before the header row, or
	// config.AutoHeaderOffset to search for it.
	HeaderOffset int
	// Precision is the number of decimals kept in aggregated averages.
	Precision int32
}

// Row is one data row after normalization. Prices that failed to convert
// are kept as invalid amounts.
type Row struct {
	Line    int
	State   string
	City    string
	Product string
	Unit    string
	Average parser.Amount
	Min     parser.Amount
	Max     parser.Amount
}

// Extraction is the outcome of reading one spreadsheet.
type Extraction struct {
	Table         models.PriceTable
	Sheet         string
	HeaderRow     int
	DataRows      int
	Matched       int
	InvalidPrices int
	PeriodStart   *time.Time
	PeriodEnd     *time.Time
}

// Extract reads the spreadsheet in content, keeps the rows matching filter
// and aggregates them per product. An empty match is not an error: the
// returned table is empty.
func Extract(content []byte, opts ExtractOptions, filter models.Filter, logger *slog.Logger) (*Extraction, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		if f != nil {
			f.Close()
		}
		return nil, ParseError{Err: err}
	}
	defer f.Close()

	sheet, err := pickSheet(f, opts.SheetName)
	if err != nil {
		return nil, ParseError{Err: err}
	}

	rows, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, ParseError{Err: fmt.Errorf("read sheet %q: %w", sheet, err)}
	}

	required := requiredFields(filter)
	headerIdx, cols, err := locateHeader(rows, opts.HeaderOffset, required)
	if err != nil {
		return nil, err
	}

	wantState := parser.NormalizeText(filter.State)
	wantCity := parser.NormalizeText(filter.City)

	result := &Extraction{
		Sheet:     sheet,
		HeaderRow: headerIdx,
	}
	var matched []Row
	for i := headerIdx + 1; i < len(rows); i++ {
		raw := rows[i]
		if blank(raw) {
			continue
		}
		result.DataRows++

		row := normalizeRow(raw, cols, i+1)
		if row.Product == "" || row.State != wantState {
			continue
		}
		if wantCity != "" && row.City != wantCity {
			continue
		}

		if !row.Average.Valid {
			result.InvalidPrices++
			logger.Debug("price conversion failed",
				slog.Int("line", row.Line),
				slog.String("product", row.Product),
				slog.String("value", cols.Cell(raw, parser.FieldAverage)),
				slog.String("reason", row.Average.Reason),
			)
		}
		if result.PeriodStart == nil {
			result.PeriodStart = parseDate(cols.Cell(raw, parser.FieldPeriodStart))
			result.PeriodEnd = parseDate(cols.Cell(raw, parser.FieldPeriodEnd))
		}
		matched = append(matched, row)
	}

	precision := opts.Precision
	if precision <= 0 {
		precision = DefaultPrecision
	}
	result.Matched = len(matched)
	result.Table = Aggregate(matched, precision)

	logger.Debug("spreadsheet extracted",
		slog.String("sheet", sheet),
		slog.Int("header_row", headerIdx+1),
		slog.Int("data_rows", result.DataRows),
		slog.Int("matched", result.Matched),
		slog.Int("invalid_prices", result.InvalidPrices),
		slog.Int("products", len(result.Table)),
	)
	return result, nil
}

// Aggregate builds the price table from filtered rows. The average is the
// mean of the valid row averages, rounded to precision; Min and Max are the
// extremes of the valid row minimums and maximums.
func Aggregate(rows []Row, precision int32) models.PriceTable {
	type acc struct {
		sum      decimal.Decimal
		n        int
		min, max *decimal.Decimal
		unit     string
	}

	byProduct := make(map[string]*acc)
	for _, row := range rows {
		a, ok := byProduct[row.Product]
		if !ok {
			a = &acc{}
			byProduct[row.Product] = a
		}
		if a.unit == "" {
			a.unit = row.Unit
		}
		if row.Average.Valid {
			a.sum = a.sum.Add(row.Average.Value)
			a.n++
		}
		if row.Min.Valid && (a.min == nil || row.Min.Value.LessThan(*a.min)) {
			v := row.Min.Value
			a.min = &v
		}
		if row.Max.Valid && (a.max == nil || row.Max.Value.GreaterThan(*a.max)) {
			v := row.Max.Value
			a.max = &v
		}
	}

	table := make(models.PriceTable, len(byProduct))
	for product, a := range byProduct {
		price := models.Price{Unit: a.unit, Samples: a.n}
		if a.n > 0 {
			mean := a.sum.Div(decimal.NewFromInt(int64(a.n))).Round(precision)
			price.Average = parser.Amount{Value: mean, Valid: true}.Float()
		}
		if a.min != nil {
			price.Min = parser.Amount{Value: *a.min, Valid: true}.Float()
		}
		if a.max != nil {
			price.Max = parser.Amount{Value: *a.max, Valid: true}.Float()
		}
		table[product] = price
	}
	return table
}

func requiredFields(filter models.Filter) []parser.Field {
	required := []parser.Field{parser.FieldState, parser.FieldProduct, parser.FieldAverage}
	if strings.TrimSpace(filter.City) != "" {
		required = append(required, parser.FieldCity)
	}
	return required
}

func pickSheet(f *excelize.File, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		sheet := f.GetSheetName(f.GetActiveSheetIndex())
		if sheet == "" {
			return "", fmt.Errorf("workbook has no sheets")
		}
		return sheet, nil
	}

	want := parser.NormalizeText(name)
	for _, sheet := range f.GetSheetList() {
		if parser.NormalizeText(sheet) == want {
			return sheet, nil
		}
	}
	return "", fmt.Errorf("sheet %q not found", name)
}

// locateHeader returns the zero-based header row index and its columns.
func locateHeader(rows [][]string, offset int, required []parser.Field) (int, parser.Columns, error) {
	if offset != config.AutoHeaderOffset {
		if offset < 0 || offset >= len(rows) {
			return 0, nil, ParseError{Err: fmt.Errorf("header offset %d beyond last row %d", offset, len(rows))}
		}
		cols, err := parser.ResolveColumns(rows[offset], required)
		if err != nil {
			return 0, nil, err
		}
		return offset, cols, nil
	}

	var bestErr error
	best := -1
	for i := 0; i < len(rows) && i < maxHeaderScan; i++ {
		if blank(rows[i]) {
			continue
		}
		cols, err := parser.ResolveColumns(rows[i], required)
		if err == nil {
			return i, cols, nil
		}
		var missing parser.MissingColumnError
		if errors.As(err, &missing) && len(cols) > best {
			best = len(cols)
			bestErr = err
		}
	}
	if bestErr == nil {
		bestErr = parser.MissingColumnError{Field: required[0]}
	}
	return 0, nil, bestErr
}

func normalizeRow(raw []string, cols parser.Columns, line int) Row {
	row := Row{
		Line:    line,
		State:   parser.NormalizeText(cols.Cell(raw, parser.FieldState)),
		City:    parser.NormalizeText(cols.Cell(raw, parser.FieldCity)),
		Product: parser.NormalizeText(cols.Cell(raw, parser.FieldProduct)),
		Unit:    strings.TrimSpace(cols.Cell(raw, parser.FieldUnit)),
		Average: parser.ParseAmount(cols.Cell(raw, parser.FieldAverage)),
	}
	if cols.Index(parser.FieldMin) >= 0 {
		row.Min = parser.ParseAmount(cols.Cell(raw, parser.FieldMin))
	}
	if cols.Index(parser.FieldMax) >= 0 {
		row.Max = parser.ParseAmount(cols.Cell(raw, parser.FieldMax))
	}
	return row
}

func blank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

var dateLayouts = []string{time.DateOnly, "02/01/2006", "2/1/2006"}

// parseDate accepts raw Excel serial dates and the common text layouts.
func parseDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if serial, err := strconv.ParseFloat(raw, 64); err == nil {
		if t, err := excelize.ExcelDateToTime(serial, false); err == nil {
			return &t
		}
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t
		}
	}
	return nil
}
