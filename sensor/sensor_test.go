package sensor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/aluiziolira/anp-fuel-prices/config"
	"github.com/aluiziolira/anp-fuel-prices/models"
	"github.com/aluiziolira/anp-fuel-prices/parser"
	"github.com/aluiziolira/anp-fuel-prices/pipeline"
	"github.com/aluiziolira/anp-fuel-prices/scraper"
)

const fileURL = "https://www.gov.br/anp/arquivos/resumo_semanal_lpc_2025-01-12_2025-01-18.xlsx"

func ptr(v float64) *float64 { return &v }

type fakeRefresher struct {
	mu            sync.Mutex
	link          models.CandidateLink
	linkErr       error
	content       []byte
	table         models.PriceTable
	downloadErr   error
	buildErr      error
	linkCalls     int
	downloadCalls int
	buildCalls    int
}

func (f *fakeRefresher) LatestLink(ctx context.Context) (models.CandidateLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linkCalls++
	if err := ctx.Err(); err != nil {
		return models.CandidateLink{}, err
	}
	return f.link, f.linkErr
}

func (f *fakeRefresher) Download(ctx context.Context, link models.CandidateLink) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloadCalls++
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	return f.content, nil
}

func (f *fakeRefresher) Build(ctx context.Context, content []byte, link models.CandidateLink, filter models.Filter) (*models.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buildCalls++
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	return &models.Snapshot{
		Filter:      filter,
		SourceURL:   link.URL,
		RefreshedAt: time.Now().UTC(),
		Table:       f.table.Clone(),
	}, nil
}

type recordingExporter struct {
	submitted []*models.Snapshot
}

func (r *recordingExporter) Submit(s *models.Snapshot) error {
	r.submitted = append(r.submitted, s)
	return nil
}

func newTestCoordinator(t *testing.T, refresher Refresher, cacheSize int) (*Coordinator, *Board, *Metrics) {
	t.Helper()
	metrics := NewMetrics(prometheus.NewRegistry())
	board := NewBoard(Definitions(), metrics)
	c, err := NewCoordinator(refresher, board, models.Filter{State: "SANTA CATARINA", City: "TUBARAO"}, cacheSize, nil)
	require.NoError(t, err)
	return c, board, metrics
}

func TestDefinitions(t *testing.T) {
	defs := Definitions()
	require.Len(t, defs, len(KnownFuels))

	seen := make(map[string]bool)
	for _, def := range defs {
		require.False(t, seen[def.UniqueID], "duplicate id %s", def.UniqueID)
		seen[def.UniqueID] = true
	}

	diesel := NewDefinition("Óleo Diesel S10")
	require.Equal(t, "Preço Óleo Diesel S10", diesel.Name)
	require.Equal(t, "ha_fuel_prices_oleo_diesel_s10", diesel.UniqueID)
	require.Equal(t, "OLEO DIESEL S10", diesel.Product)
}

func TestRunOnceAppliesSnapshot(t *testing.T) {
	refresher := &fakeRefresher{
		link:  models.CandidateLink{URL: fileURL},
		table: models.PriceTable{"GASOLINA COMUM": {Average: ptr(5.67), Samples: 1}},
	}
	c, board, metrics := newTestCoordinator(t, refresher, 0)
	exporter := &recordingExporter{}
	c.WithExporter(exporter)
	c.newID = func() string { return "cycle-1" }

	snapshot, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, "cycle-1", snapshot.CycleID)
	require.Len(t, exporter.submitted, 1)

	readings := board.Readings()
	require.Len(t, readings, len(KnownFuels))
	for _, r := range readings {
		if r.Product == "GASOLINA COMUM" {
			require.NotNil(t, r.Value)
			require.InDelta(t, 5.67, *r.Value, 1e-9)
			continue
		}
		require.Nil(t, r.Value, "sensor %s should be unknown", r.Name)
	}

	require.InDelta(t, 5.67, testutil.ToFloat64(metrics.Price.WithLabelValues("GASOLINA COMUM", "average")), 1e-9)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.RefreshesTotal.WithLabelValues("success")))
}

func TestFailedRefreshKeepsPreviousSnapshot(t *testing.T) {
	refresher := &fakeRefresher{
		link:  models.CandidateLink{URL: fileURL},
		table: models.PriceTable{"GNV": {Average: ptr(4.99), Samples: 1}},
	}
	c, board, metrics := newTestCoordinator(t, refresher, 0)

	_, err := c.RunOnce(context.Background())
	require.NoError(t, err)

	tests := []struct {
		name        string
		linkErr     error
		downloadErr error
		buildErr    error
		errorType   string
	}{
		{name: "fetch", downloadErr: scraper.FetchError{Phase: scraper.PhaseFile, URL: fileURL, StatusCode: 503, Err: scraper.ErrServer{Err: errors.New("503")}}, errorType: "server"},
		{name: "link", linkErr: scraper.LinkNotFoundError{IndexURL: "https://www.gov.br/anp"}, errorType: "link_not_found"},
		{name: "parse", buildErr: pipeline.ParseError{Err: errors.New("zip: not a valid zip file")}, errorType: "parse"},
		{name: "column", buildErr: parser.MissingColumnError{Field: parser.FieldAverage}, errorType: "missing_column"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			refresher.linkErr = tt.linkErr
			refresher.downloadErr = tt.downloadErr
			refresher.buildErr = tt.buildErr

			snapshot, err := c.RunOnce(context.Background())
			require.Error(t, err)
			require.Nil(t, snapshot)
			require.Equal(t, tt.errorType, ErrorType(err))

			current := board.Snapshot()
			require.NotNil(t, current)
			require.InDelta(t, 4.99, *current.Table["GNV"].Average, 1e-9)
			require.Equal(t, err, board.LastError())
			require.Equal(t, 1.0, testutil.ToFloat64(metrics.FailuresTotal.WithLabelValues(tt.errorType)))
		})
	}
}

func TestEmptyResultPublishesUnknownState(t *testing.T) {
	refresher := &fakeRefresher{
		link:  models.CandidateLink{URL: fileURL},
		table: models.PriceTable{"GNV": {Average: ptr(4.99), Samples: 1}},
	}
	c, board, metrics := newTestCoordinator(t, refresher, 0)

	_, err := c.RunOnce(context.Background())
	require.NoError(t, err)

	refresher.table = models.PriceTable{}
	_, err = c.RunOnce(context.Background())
	require.NoError(t, err)

	for _, r := range board.Readings() {
		require.Nil(t, r.Value)
	}
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.RefreshesTotal.WithLabelValues("empty")))
	require.Equal(t, 0, testutil.CollectAndCount(metrics.Price))
}

func TestCacheSkipsExtractionForKnownContent(t *testing.T) {
	refresher := &fakeRefresher{
		link:    models.CandidateLink{URL: fileURL},
		content: []byte("week 2025-01-12"),
		table:   models.PriceTable{"GLP": {Average: ptr(110), Samples: 1}},
	}
	c, board, metrics := newTestCoordinator(t, refresher, 4)

	for i := 0; i < 3; i++ {
		_, err := c.RunOnce(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, 3, refresher.linkCalls)
	require.Equal(t, 3, refresher.downloadCalls)
	require.Equal(t, 1, refresher.buildCalls)
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.CacheHits))
	require.InDelta(t, 110, *board.Snapshot().Table["GLP"].Average, 1e-9)

	nextURL := "https://www.gov.br/anp/arquivos/resumo_semanal_lpc_2025-01-19_2025-01-25.xlsx"
	refresher.link = models.CandidateLink{URL: nextURL}
	_, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, refresher.buildCalls, "same bytes under a new url reuse the extraction")
	require.Equal(t, nextURL, board.Snapshot().SourceURL)

	refresher.content = []byte("week 2025-01-19")
	refresher.table = models.PriceTable{"GLP": {Average: ptr(112), Samples: 1}}
	_, err = c.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, refresher.buildCalls)
	require.InDelta(t, 112, *board.Snapshot().Table["GLP"].Average, 1e-9)
}

func TestCacheDisabled(t *testing.T) {
	refresher := &fakeRefresher{
		link:    models.CandidateLink{URL: fileURL},
		content: []byte("week 2025-01-12"),
		table:   models.PriceTable{"GLP": {Average: ptr(110), Samples: 1}},
	}
	c, _, _ := newTestCoordinator(t, refresher, 0)

	for i := 0; i < 2; i++ {
		_, err := c.RunOnce(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, 2, refresher.downloadCalls)
	require.Equal(t, 2, refresher.buildCalls)
}

func tubaraoWorkbook(t *testing.T, price string) []byte {
	t.Helper()

	f := excelize.NewFile()
	defer f.Close()

	rows := [][]any{
		{"Estado", "Município", "Produto", "Preço Médio Revenda"},
		{"SANTA CATARINA", "TUBARAO", "GASOLINA COMUM", price},
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, 11+i)
		values := row
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &values))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	return buf.Bytes()
}

func TestRepublishedFileAtSameURLIsExtractedAgain(t *testing.T) {
	const indexURL = "https://www.gov.br/anp/precos"
	cfg := config.DefaultConfig()
	cfg.MaxRetries = 0
	fetcher, err := scraper.NewFetcher(cfg, nil)
	require.NoError(t, err)
	transport := httpmock.NewMockTransport()
	fetcher.WithTransport(transport)

	resolver, err := scraper.NewLinkResolver("https://www.gov.br")
	require.NoError(t, err)
	refresher, err := pipeline.NewRefresher(fetcher, resolver, indexURL,
		pipeline.ExtractOptions{HeaderOffset: 10, Precision: pipeline.DefaultPrecision}, nil)
	require.NoError(t, err)

	c, board, metrics := newTestCoordinator(t, refresher, cfg.CacheSize)

	transport.RegisterResponder("GET", indexURL, httpmock.NewStringResponder(200,
		`<a href="/anp/arquivos/resumo_semanal_lpc_2025-01-12_2025-01-18.xlsx">Resumo semanal</a>`))
	transport.RegisterResponder("GET", fileURL, httpmock.NewBytesResponder(200, tubaraoWorkbook(t, "5,67")))

	_, err = c.RunOnce(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 5.67, *board.Snapshot().Table["GASOLINA COMUM"].Average, 1e-9)

	transport.RegisterResponder("GET", fileURL, httpmock.NewBytesResponder(200, tubaraoWorkbook(t, "5,99")))

	_, err = c.RunOnce(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 5.99, *board.Snapshot().Table["GASOLINA COMUM"].Average, 1e-9)
	require.Equal(t, 0.0, testutil.ToFloat64(metrics.CacheHits))
	require.Equal(t, 2, transport.GetCallCountInfo()["GET "+fileURL])
}

func TestRunOnceCancelledLeavesBoardUntouched(t *testing.T) {
	refresher := &fakeRefresher{link: models.CandidateLink{URL: fileURL}}
	c, board, _ := newTestCoordinator(t, refresher, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.RunOnce(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Nil(t, board.Snapshot())
	require.NoError(t, board.LastError())
}

func TestRunStopsOnCancel(t *testing.T) {
	refresher := &fakeRefresher{
		link:  models.CandidateLink{URL: fileURL},
		table: models.PriceTable{"GLP": {Average: ptr(110), Samples: 1}},
	}
	c, board, _ := newTestCoordinator(t, refresher, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, time.Hour)
	}()

	require.Eventually(t, func() bool { return board.Snapshot() != nil }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestRunRejectsNonPositiveInterval(t *testing.T) {
	c, _, _ := newTestCoordinator(t, &fakeRefresher{}, 0)
	require.Error(t, c.Run(context.Background(), 0))
}

func TestBoardServeHTTP(t *testing.T) {
	board := NewBoard(Definitions(), nil)
	board.Apply(&models.Snapshot{
		CycleID:   "cycle-1",
		Filter:    models.Filter{State: "SANTA CATARINA"},
		SourceURL: fileURL,
		Table:     models.PriceTable{"GNV": {Average: ptr(4.99), Samples: 2}},
	})
	board.Fail(scraper.LinkNotFoundError{})

	rec := httptest.NewRecorder()
	board.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/prices", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Snapshot  models.Snapshot `json:"snapshot"`
		Readings  []Reading       `json:"readings"`
		LastError string          `json:"last_error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, fileURL, body.Snapshot.SourceURL)
	require.Len(t, body.Readings, len(KnownFuels))
	require.NotEmpty(t, body.LastError)

	rec = httptest.NewRecorder()
	board.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/prices", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestBoardApplyCopiesTable(t *testing.T) {
	board := NewBoard(Definitions(), nil)
	table := models.PriceTable{"GNV": {Average: ptr(4.99)}}
	board.Apply(&models.Snapshot{Table: table})

	table["GNV"] = models.Price{Average: ptr(1)}
	require.InDelta(t, 4.99, *board.Snapshot().Table["GNV"].Average, 1e-9)
}
