package parser

import (
	"fmt"
	"strings"
)

// Field is a semantic column of the price spreadsheet.
type Field string

const (
	FieldState       Field = "state"
	FieldCity        Field = "city"
	FieldProduct     Field = "product"
	FieldAverage     Field = "average"
	FieldMin         Field = "min"
	FieldMax         Field = "max"
	FieldUnit        Field = "unit"
	FieldPeriodStart Field = "period_start"
	FieldPeriodEnd   Field = "period_end"
)

// AllFields lists every field the resolver knows, in lookup order.
var AllFields = []Field{
	FieldState,
	FieldCity,
	FieldProduct,
	FieldAverage,
	FieldMin,
	FieldMax,
	FieldUnit,
	FieldPeriodStart,
	FieldPeriodEnd,
}

// fieldKeywords holds normalized substrings that identify each field's header.
var fieldKeywords = map[Field][]string{
	FieldState:       {"ESTADO", "UNIDADE DA FEDERACAO"},
	FieldCity:        {"MUNICIPIO", "CIDADE"},
	FieldProduct:     {"PRODUTO", "COMBUSTIVEL"},
	FieldAverage:     {"PRECO MEDIO"},
	FieldMin:         {"PRECO MINIMO"},
	FieldMax:         {"PRECO MAXIMO"},
	FieldUnit:        {"UNIDADE DE MEDIDA"},
	FieldPeriodStart: {"DATA INICIAL"},
	FieldPeriodEnd:   {"DATA FINAL"},
}

// Keywords returns the header keywords recognized for field.
func Keywords(field Field) []string {
	return append([]string(nil), fieldKeywords[field]...)
}

// MissingColumnError reports a required field with no matching header.
type MissingColumnError struct {
	Field Field
}

func (e MissingColumnError) Error() string {
	return fmt.Sprintf("missing column for field %q", string(e.Field))
}

// Columns maps fields to zero-based column indexes.
type Columns map[Field]int

// Index returns the column of field, or -1 when it was not resolved.
func (c Columns) Index(field Field) int {
	if idx, ok := c[field]; ok {
		return idx
	}
	return -1
}

// Cell returns the row value for field, or "" when the field is unresolved
// or the row is shorter than the column index.
func (c Columns) Cell(row []string, field Field) string {
	idx := c.Index(field)
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}

// ResolveColumns scans the header row once and picks, for each known field,
// the first header containing one of its keywords. Fields in required that
// stay unresolved produce a MissingColumnError for the first of them; the
// partial mapping is returned alongside it.
func ResolveColumns(headers []string, required []Field) (Columns, error) {
	normalized := make([]string, len(headers))
	for i, header := range headers {
		normalized[i] = NormalizeText(header)
	}

	cols := make(Columns, len(AllFields))
	for _, field := range AllFields {
		if idx := findHeader(normalized, fieldKeywords[field]); idx >= 0 {
			cols[field] = idx
		}
	}

	for _, field := range required {
		if _, ok := cols[field]; !ok {
			return cols, MissingColumnError{Field: field}
		}
	}
	return cols, nil
}

func findHeader(headers []string, keywords []string) int {
	for i, header := range headers {
		if header == "" {
			continue
		}
		for _, keyword := range keywords {
			if strings.Contains(header, keyword) {
				return i
			}
		}
	}
	return -1
}
