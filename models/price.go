// Package models defines data structures shared by the fuel price pipeline.
package models

import (
	"sort"
	"time"
)

// Price holds the aggregated prices of one product. Average is the single
// value view; Min, Average and Max together form the triple view. A nil
// pointer means the source had no usable value.
type Price struct {
	Average *float64 `json:"average"`
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Unit    string   `json:"unit,omitempty"`
	Samples int      `json:"samples"`
}

// PriceTable maps a normalized product name to its prices.
type PriceTable map[string]Price

// Products returns the product names in lexical order.
func (t PriceTable) Products() []string {
	out := make([]string, 0, len(t))
	for product := range t {
		out = append(out, product)
	}
	sort.Strings(out)
	return out
}

// Averages flattens the table into product -> average, skipping products
// without an average.
func (t PriceTable) Averages() map[string]float64 {
	out := make(map[string]float64, len(t))
	for product, price := range t {
		if price.Average == nil {
			continue
		}
		out[product] = *price.Average
	}
	return out
}

// Clone returns a deep copy of the table.
func (t PriceTable) Clone() PriceTable {
	if t == nil {
		return nil
	}
	out := make(PriceTable, len(t))
	for product, price := range t {
		out[product] = Price{
			Average: copyFloat(price.Average),
			Min:     copyFloat(price.Min),
			Max:     copyFloat(price.Max),
			Unit:    price.Unit,
			Samples: price.Samples,
		}
	}
	return out
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Filter selects the rows of a spreadsheet. City is optional; without it
// prices are aggregated across every city of the state.
type Filter struct {
	State string `json:"state"`
	City  string `json:"city,omitempty"`
}

// CandidateLink is a link on the index page that may point at a data file.
type CandidateLink struct {
	URL         string     `json:"url"`
	Text        string     `json:"text,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// Snapshot is a price table together with where and when it was produced.
type Snapshot struct {
	CycleID     string     `json:"cycle_id"`
	Filter      Filter     `json:"filter"`
	SourceURL   string     `json:"source_url"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	PeriodStart *time.Time `json:"period_start,omitempty"`
	PeriodEnd   *time.Time `json:"period_end,omitempty"`
	RefreshedAt time.Time  `json:"refreshed_at"`
	Table       PriceTable `json:"prices"`
}
