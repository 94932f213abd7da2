package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aluiziolira/anp-fuel-prices/config"
	"github.com/aluiziolira/anp-fuel-prices/models"
	"github.com/aluiziolira/anp-fuel-prices/pipeline"
	"github.com/aluiziolira/anp-fuel-prices/scraper"
	"github.com/aluiziolira/anp-fuel-prices/sensor"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	cfg := config.DefaultConfig()
	if err := config.ApplyEnv(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid environment: %v\n", err)
		os.Exit(1)
	}

	flag.StringVar(&cfg.IndexURL, "index-url", cfg.IndexURL, "Page listing the weekly price spreadsheets")
	flag.StringVar(&cfg.PublisherURL, "publisher-url", cfg.PublisherURL, "Base URL for relative spreadsheet links")
	flag.StringVar(&cfg.State, "state", cfg.State, "State to filter (accents and case ignored)")
	flag.StringVar(&cfg.City, "city", cfg.City, "City to filter; empty averages the whole state")
	flag.StringVar(&cfg.SheetName, "sheet", cfg.SheetName, "Sheet to read; empty uses the active sheet")
	flag.IntVar(&cfg.HeaderOffset, "header-offset", cfg.HeaderOffset, "Rows before the header row, -1 to detect it")
	flag.IntVar(&cfg.Precision, "precision", cfg.Precision, "Decimal places kept in averages")
	flag.DurationVar(&cfg.RefreshInterval, "interval", cfg.RefreshInterval, "Time between refreshes")
	flag.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Timeout per HTTP request")
	flag.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "Retries for transient fetch failures")
	flag.DurationVar(&cfg.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "Initial retry backoff")
	flag.DurationVar(&cfg.RetryBackoffMax, "retry-backoff-max", cfg.RetryBackoffMax, "Maximum retry backoff")
	flag.IntVar(&cfg.CacheSize, "cache-size", cfg.CacheSize, "Extracted tables cached by file content, 0 disables it")
	flag.BoolVar(&cfg.RespectRobotsTxt, "respect-robots", cfg.RespectRobotsTxt, "Respect robots.txt directives")
	flag.StringVar(&cfg.OutputFile, "output", cfg.OutputFile, "Export file path")
	outputFormat := flag.String("format", cfg.OutputFormat, "Export format: csv, json, or dual; empty disables export")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Listen address for /metrics and /prices (e.g. :9090)")
	flag.BoolVar(&cfg.Once, "once", cfg.Once, "Refresh once, print the prices and exit")
	flag.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Enable verbose logging")

	flag.Parse()
	cfg.OutputFormat = strings.ToLower(*outputFormat)

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	filter := models.Filter{State: cfg.State, City: cfg.City}
	slog.Info("starting fuel price refresher",
		slog.String("index_url", cfg.IndexURL),
		slog.String("state", filter.State),
		slog.String("city", filter.City),
		slog.Duration("interval", cfg.RefreshInterval),
		slog.Bool("once", cfg.Once),
	)

	fetcher, err := scraper.NewFetcher(cfg, logger)
	if err != nil {
		slog.Error("initialising fetcher", slog.Any("error", err))
		os.Exit(1)
	}
	resolver, err := scraper.NewLinkResolver(cfg.PublisherURL)
	if err != nil {
		slog.Error("initialising link resolver", slog.Any("error", err))
		os.Exit(1)
	}
	opts := pipeline.ExtractOptions{
		SheetName:    cfg.SheetName,
		HeaderOffset: cfg.HeaderOffset,
		Precision:    int32(cfg.Precision),
	}
	refresher, err := pipeline.NewRefresher(fetcher, resolver, cfg.IndexURL, opts, logger)
	if err != nil {
		slog.Error("initialising refresher", slog.Any("error", err))
		os.Exit(1)
	}

	board := sensor.NewBoard(sensor.Definitions(), sensor.NewMetrics(fetcher.Metrics.Registry))
	coordinator, err := sensor.NewCoordinator(refresher, board, filter, cfg.CacheSize, logger)
	if err != nil {
		slog.Error("initialising coordinator", slog.Any("error", err))
		os.Exit(1)
	}

	var (
		writer   pipeline.OutputWriter
		exporter *pipeline.Exporter
	)
	if cfg.OutputFormat != "" {
		writer, err = createWriter(cfg.OutputFormat, cfg.OutputFile)
		if err != nil {
			slog.Error("creating writer", slog.Any("error", err))
			os.Exit(1)
		}
		exporter = pipeline.NewExporter(writer, logger)
		coordinator.WithExporter(exporter)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var server *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(fetcher.Metrics.Registry, promhttp.HandlerOpts{}))
		mux.Handle("/prices", board)
		server = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server failed", slog.Any("error", err))
			}
		}()
		slog.Info("http server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	exitCode := 0
	if cfg.Once {
		snapshot, err := coordinator.RunOnce(ctx)
		if err != nil {
			exitCode = 1
		} else {
			printSummary(snapshot, board.Readings())
		}
	} else {
		go func() {
			<-ctx.Done()
			slog.Info("shutdown signal received, finishing current cycle")
		}()
		if err := coordinator.Run(ctx, cfg.RefreshInterval); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("refresh loop stopped", slog.Any("error", err))
			exitCode = 1
		}
	}

	if exporter != nil {
		if err := exporter.Close(); err != nil {
			slog.Error("exporter shutdown failed", slog.Any("error", err))
			exitCode = 1
		}
		if err := writer.Validate(); err != nil {
			slog.Warn("output validation failed", slog.Any("error", err))
		}
		if err := writer.Close(); err != nil {
			slog.Error("close writer", slog.Any("error", err))
			exitCode = 1
		}
		slog.Info("export finished", slog.Any("stats", exporter.Stats()))
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	if exitCode != 0 {
		stop()
		os.Exit(exitCode)
	}
}

func createWriter(format, filename string) (pipeline.OutputWriter, error) {
	switch format {
	case "json":
		return pipeline.NewJSONWriter(filename)
	case "csv":
		return pipeline.NewCSVWriter(filename)
	case "dual":
		base := strings.TrimSuffix(filename, ".csv")
		return pipeline.NewDualWriter(base+".csv", base+".jsonl")
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

func printSummary(snapshot *models.Snapshot, readings []sensor.Reading) {
	fmt.Printf("\nPrices for %s", snapshot.Filter.State)
	if snapshot.Filter.City != "" {
		fmt.Printf(" / %s", snapshot.Filter.City)
	}
	fmt.Println()
	if snapshot.PeriodStart != nil && snapshot.PeriodEnd != nil {
		fmt.Printf("Survey week: %s to %s\n", snapshot.PeriodStart.Format(time.DateOnly), snapshot.PeriodEnd.Format(time.DateOnly))
	}
	fmt.Printf("Source: %s\n", snapshot.SourceURL)

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Sensor", "Average", "Min", "Max", "Unit", "Samples"})
	for _, r := range readings {
		t.AppendRow(table.Row{r.Name, formatPrice(r.Value), formatPrice(r.Min), formatPrice(r.Max), r.Unit, r.Samples})
	}
	t.SetStyle(table.StyleRounded)
	t.Render()
}

func formatPrice(v *float64) string {
	if v == nil {
		return "unknown"
	}
	return strconv.FormatFloat(*v, 'f', 3, 64)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
