package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// AutoHeaderOffset makes the extractor search for the header row instead of
// skipping a fixed number of rows.
const AutoHeaderOffset = -1

// Config holds pipeline and daemon configuration.
type Config struct {
	IndexURL         string
	PublisherURL     string
	State            string
	City             string
	SheetName        string
	HeaderOffset     int
	Precision        int
	RefreshInterval  time.Duration
	Timeout          time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
	RetryBackoffMax  time.Duration
	MaxBodySize      int
	CacheSize        int
	OutputFile       string
	OutputFormat     string // csv, json, dual, or empty for none
	MetricsAddr      string
	UserAgent        string
	Verbose          bool
	Once             bool
	RespectRobotsTxt bool
}

// DefaultConfig returns defaults for the ANP weekly survey.
func DefaultConfig() *Config {
	return &Config{
		IndexURL:         "https://www.gov.br/anp/pt-br/assuntos/precos-e-defesa-da-concorrencia/precos/levantamento-de-precos-de-combustiveis-ultimas-semanas-pesquisadas",
		PublisherURL:     "https://www.gov.br",
		State:            "SANTA CATARINA",
		City:             "",
		SheetName:        "",
		HeaderOffset:     AutoHeaderOffset,
		Precision:        2,
		RefreshInterval:  30 * time.Minute,
		Timeout:          30 * time.Second,
		MaxRetries:       1,
		RetryBackoff:     2 * time.Second,
		RetryBackoffMax:  10 * time.Second,
		MaxBodySize:      64 * 1024 * 1024,
		CacheSize:        8,
		OutputFile:       "",
		OutputFormat:     "",
		MetricsAddr:      "",
		UserAgent:        "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		Verbose:          false,
		Once:             false,
		RespectRobotsTxt: false,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if err := validateURL("index URL", c.IndexURL); err != nil {
		return err
	}
	if err := validateURL("publisher URL", c.PublisherURL); err != nil {
		return err
	}
	if strings.TrimSpace(c.State) == "" {
		return fmt.Errorf("state cannot be empty")
	}
	if c.HeaderOffset < AutoHeaderOffset {
		return fmt.Errorf("header offset must be %d (auto) or non-negative", AutoHeaderOffset)
	}
	if c.Precision < 1 || c.Precision > 6 {
		return fmt.Errorf("precision must be between 1 and 6")
	}
	if !c.Once && c.RefreshInterval <= 0 {
		return fmt.Errorf("refresh interval must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.MaxBodySize <= 0 {
		return fmt.Errorf("max body size must be positive")
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("cache size cannot be negative")
	}
	switch c.OutputFormat {
	case "":
	case "csv", "json", "dual":
		if c.OutputFile == "" {
			return fmt.Errorf("output file cannot be empty when output format is %s", c.OutputFormat)
		}
	default:
		return fmt.Errorf("output format must be csv, json, or dual")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	return nil
}

func validateURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host", name)
	}
	return nil
}
