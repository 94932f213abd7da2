package scraper

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/anp-fuel-prices/models"
	"github.com/aluiziolira/anp-fuel-prices/parser"
)

var (
	// isoDateRegexp finds ISO dates embedded in file names and link text.
	isoDateRegexp = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
	// weeklyFileRegexp matches the weekly summary spreadsheet file names,
	// e.g. resumo_semanal_lpc_2025-01-12_2025-01-18.xlsx.
	weeklyFileRegexp = regexp.MustCompile(`(?i)resumo[_-]?semanal[^/]*\d{4}-\d{2}-\d{2}[^/]*\.xlsx?$`)
)

// DefaultTextKeywords identify weekly average price links by their text.
var DefaultTextKeywords = []string{
	"RESUMO SEMANAL",
	"PRECOS MEDIOS SEMANAIS",
}

// LinkResolver finds the newest data file link on the publisher's index page.
type LinkResolver struct {
	// Base resolves relative hrefs.
	Base *url.URL
	// TextKeywords are normalized substrings matched against anchor text.
	TextKeywords []string
	// HrefPattern is matched against the last path segment of the href.
	HrefPattern *regexp.Regexp
}

// NewLinkResolver returns a resolver with the default weekly-summary patterns.
func NewLinkResolver(base string) (*LinkResolver, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse publisher url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("publisher url must include a host")
	}
	return &LinkResolver{
		Base:         parsed,
		TextKeywords: DefaultTextKeywords,
		HrefPattern:  weeklyFileRegexp,
	}, nil
}

// Candidates lists matching links in document order, resolved to absolute
// URLs, without duplicates.
func (r *LinkResolver) Candidates(page []byte) ([]models.CandidateLink, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parse index page: %w", err)
	}

	seen := make(map[string]struct{})
	var out []models.CandidateLink
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href := strings.TrimSpace(sel.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		text := strings.Join(strings.Fields(sel.Text()), " ")
		if !r.matches(href, text) {
			return
		}

		abs, err := r.absolute(href)
		if err != nil {
			return
		}
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}

		out = append(out, models.CandidateLink{
			URL:         abs,
			Text:        text,
			PublishedAt: latestDate(href, text),
		})
	})
	return out, nil
}

// Resolve picks the newest candidate. Links with a parseable date win by
// date, earliest in document order on ties. Without any date the first
// match in document order is taken, relying on the page listing the newest
// file first.
func (r *LinkResolver) Resolve(page []byte) (models.CandidateLink, error) {
	candidates, err := r.Candidates(page)
	if err != nil {
		return models.CandidateLink{}, err
	}
	if len(candidates) == 0 {
		return models.CandidateLink{}, LinkNotFoundError{}
	}

	best := -1
	for i, c := range candidates {
		if c.PublishedAt == nil {
			continue
		}
		if best < 0 || c.PublishedAt.After(*candidates[best].PublishedAt) {
			best = i
		}
	}
	if best < 0 {
		best = 0
	}
	return candidates[best], nil
}

func (r *LinkResolver) matches(href, text string) bool {
	if r.HrefPattern != nil {
		file := href
		if u, err := url.Parse(href); err == nil {
			file = path.Base(u.Path)
		}
		if r.HrefPattern.MatchString(file) {
			return true
		}
	}

	normalized := parser.NormalizeText(text)
	if normalized == "" {
		return false
	}
	for _, keyword := range r.TextKeywords {
		if strings.Contains(normalized, parser.NormalizeText(keyword)) {
			return true
		}
	}
	return false
}

func (r *LinkResolver) absolute(href string) (string, error) {
	ref, err := url.Parse(href)
	if err != nil {
		return "", err
	}
	if ref.IsAbs() || r.Base == nil {
		return ref.String(), nil
	}
	return r.Base.ResolveReference(ref).String(), nil
}

// latestDate returns the maximum valid ISO date found in the href, falling
// back to the link text.
func latestDate(href, text string) *time.Time {
	for _, source := range []string{href, text} {
		var latest *time.Time
		for _, match := range isoDateRegexp.FindAllString(source, -1) {
			parsed, err := time.Parse(time.DateOnly, match)
			if err != nil {
				continue
			}
			if latest == nil || parsed.After(*latest) {
				p := parsed
				latest = &p
			}
		}
		if latest != nil {
			return latest
		}
	}
	return nil
}
