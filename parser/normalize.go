// Package parser normalizes spreadsheet text and coerces locale-formatted
// price cells into numbers.
package parser

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeText turns any cell value into a comparable token: diacritics
// stripped, upper case, surrounding whitespace trimmed and inner runs of
// whitespace collapsed to a single space.
func NormalizeText(v any) string {
	var s string
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		s = value
	default:
		s = fmt.Sprint(value)
	}

	// Transformers keep state, so each call gets its own chain.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if stripped, _, err := transform.String(t, s); err == nil {
		s = stripped
	}

	return strings.Join(strings.Fields(strings.ToUpper(s)), " ")
}

// Reasons attached to an invalid Amount.
const (
	ReasonEmpty     = "empty"
	ReasonMalformed = "malformed"
)

// Amount is the outcome of converting one price cell. Invalid amounts carry
// the reason instead of failing the whole extraction.
type Amount struct {
	Value  decimal.Decimal
	Valid  bool
	Reason string
}

// Float returns the amount as a float64 pointer, nil when invalid.
func (a Amount) Float() *float64 {
	if !a.Valid {
		return nil
	}
	f := a.Value.InexactFloat64()
	return &f
}

// ParseAmount converts a price cell written with ',' as the decimal separator
// ("5,67", "R$ 1.234,56") or with '.' ("5.67", raw numeric cells).
func ParseAmount(raw string) Amount {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "R$")
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)

	if s == "" || s == "-" {
		return Amount{Reason: ReasonEmpty}
	}

	if comma := strings.LastIndex(s, ","); comma >= 0 {
		if strings.LastIndex(s, ".") < comma {
			s = strings.ReplaceAll(s, ".", "")
		}
		s = strings.ReplaceAll(s, ",", ".")
	}

	value, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{Reason: ReasonMalformed}
	}
	return Amount{Value: value, Valid: true}
}
