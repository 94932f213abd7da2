package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every environment variable the daemon reads.
const EnvPrefix = "FUELPRICES_"

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(filenames ...string) error {
	if len(filenames) == 0 {
		filenames = []string{".env"}
	}
	for _, name := range filenames {
		if err := godotenv.Load(name); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

// EnvString returns the trimmed value of FUELPRICES_<key> when set.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt parses FUELPRICES_<key> as an integer.
func EnvInt(key string) (int, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	return value, true, nil
}

// EnvDuration parses FUELPRICES_<key> as a time.Duration ("30m", "10s").
func EnvDuration(key string) (time.Duration, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
	}
	return value, true, nil
}

// ApplyEnv overrides cfg fields from the environment.
func ApplyEnv(cfg *Config) error {
	strs := map[string]*string{
		"INDEX_URL":     &cfg.IndexURL,
		"PUBLISHER_URL": &cfg.PublisherURL,
		"STATE":         &cfg.State,
		"CITY":          &cfg.City,
		"SHEET":         &cfg.SheetName,
		"OUTPUT":        &cfg.OutputFile,
		"FORMAT":        &cfg.OutputFormat,
		"METRICS_ADDR":  &cfg.MetricsAddr,
		"USER_AGENT":    &cfg.UserAgent,
	}
	for key, dst := range strs {
		if value, ok := EnvString(key); ok {
			*dst = value
		}
	}

	ints := map[string]*int{
		"HEADER_OFFSET": &cfg.HeaderOffset,
		"PRECISION":     &cfg.Precision,
		"MAX_RETRIES":   &cfg.MaxRetries,
		"MAX_BODY_SIZE": &cfg.MaxBodySize,
		"CACHE_SIZE":    &cfg.CacheSize,
	}
	for key, dst := range ints {
		value, ok, err := EnvInt(key)
		if err != nil {
			return err
		}
		if ok {
			*dst = value
		}
	}

	durations := map[string]*time.Duration{
		"INTERVAL":          &cfg.RefreshInterval,
		"TIMEOUT":           &cfg.Timeout,
		"RETRY_BACKOFF":     &cfg.RetryBackoff,
		"RETRY_BACKOFF_MAX": &cfg.RetryBackoffMax,
	}
	for key, dst := range durations {
		value, ok, err := EnvDuration(key)
		if err != nil {
			return err
		}
		if ok {
			*dst = value
		}
	}
	return nil
}
