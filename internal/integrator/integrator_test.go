package integrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bananahana720/phx-property-collector/internal/cache"
	"github.com/bananahana720/phx-property-collector/internal/collect"
	"github.com/bananahana720/phx-property-collector/internal/config"
	"github.com/bananahana720/phx-property-collector/internal/errs"
	"github.com/bananahana720/phx-property-collector/internal/extract"
	"github.com/bananahana720/phx-property-collector/internal/llm"
	"github.com/bananahana720/phx-property-collector/internal/model"
	"github.com/bananahana720/phx-property-collector/internal/repo"
	"github.com/bananahana720/phx-property-collector/internal/resources"
	"github.com/bananahana720/phx-property-collector/internal/validate"
)

// stubCollector replays a fixed stream of items for zip queries.
type stubCollector struct {
	items  []collect.Item
	closed bool
}

func (s *stubCollector) Name() string                  { return "stub" }
func (s *stubCollector) Supports(q collect.Query) bool { return q.Zip != "" }
func (s *stubCollector) Close() error                  { s.closed = true; return nil }

func (s *stubCollector) Collect(ctx context.Context, _ collect.Query) (<-chan collect.Item, error) {
	ch := make(chan collect.Item)
	go func() {
		defer close(ch)
		for _, item := range s.items {
			select {
			case ch <- item:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// recordFields builds a complete assessor extraction response for marker.
func recordFields(marker string) map[string]any {
	return map[string]any{
		"apn":              "101-01-" + marker,
		"street":           marker + " Main St",
		"city":             "Phoenix",
		"state":            "AZ",
		"zip":              "85031",
		"bedrooms":         3,
		"bathrooms":        2.0,
		"living_area_sqft": 1850,
		"year_built":       1987,
		"assessed_value":   320000,
	}
}

// markerServer answers /api/generate with the field map whose marker
// appears in the prompt, so each payload extracts to a distinct record.
func markerServer(t *testing.T, byMarker map[string]map[string]any) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string `json:"prompt"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		for marker, fields := range byMarker {
			if strings.Contains(req.Prompt, marker) {
				body, err := json.Marshal(fields)
				require.NoError(t, err)
				_ = json.NewEncoder(w).Encode(map[string]any{"response": string(body), "done": true})
				return
			}
		}
		t.Errorf("no marker matched prompt")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func payload(marker string) *collect.RawPayload {
	return collect.NewRawPayload(model.SourceMaricopa, marker, collect.ContentJSON,
		[]byte(`{"marker":"`+marker+`"}`))
}

type fixture struct {
	integrator *Integrator
	store      *repo.MemoryRepository
	collector  *stubCollector
}

func newFixture(t *testing.T, srv *httptest.Server, items []collect.Item) *fixture {
	t.Helper()
	client := llm.NewClient(config.LLMConfig{
		BaseURL:     srv.URL,
		Model:       "test-model",
		TimeoutSecs: 5,
		MaxRetries:  1,
	})
	monitor := resources.NewMonitorWithSampler(config.ResourcesConfig{
		MaxMemoryMB:           1024,
		MaxCPUPercent:         90,
		MaxConcurrentRequests: 4,
	}, func() (resources.Sample, error) {
		return resources.Sample{MemoryMB: 64, CPUPercent: 10}, nil
	})
	optimizer := resources.NewBatchSizeOptimizer(config.BatchConfig{
		MinSize: 1, MaxSize: 10, InitialSize: 2,
	})
	artifacts := cache.NewMemory(100, time.Hour)
	store := repo.NewMemoryRepository()
	collector := &stubCollector{items: items}

	g := New(
		[]collect.Collector{collector},
		extract.New(client, artifacts, monitor),
		validate.New(),
		store,
		monitor,
		optimizer,
		artifacts,
	)
	return &fixture{integrator: g, store: store, collector: collector}
}

func TestRunPersistsSurvivors(t *testing.T) {
	srv := markerServer(t, map[string]map[string]any{
		"rec-a": recordFields("rec-a"),
		"rec-b": recordFields("rec-b"),
	})
	f := newFixture(t, srv, []collect.Item{
		{Payload: payload("rec-a")},
		{Payload: payload("rec-b")},
	})

	results, err := f.integrator.Run(context.Background(), collect.Query{Zip: "85031"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Success)
		assert.True(t, r.SavedToDB)
		assert.NotEmpty(t, r.PropertyID)
	}

	got, err := f.store.Get(context.Background(), model.DerivePropertyID(model.SourceMaricopa, "101-01-rec-a"))
	require.NoError(t, err)
	assert.Equal(t, "rec-a Main St", got.Address.Street)

	runs := f.store.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, "zip:85031", runs[0].Query)
	assert.Equal(t, 2, runs[0].Total)
	assert.Equal(t, 2, runs[0].Successful)
	assert.Zero(t, runs[0].Failed)
}

func TestRunIsolatesBadRecords(t *testing.T) {
	invalid := recordFields("rec-bad")
	invalid["bedrooms"] = 99 // out of range, rejected by validation
	srv := markerServer(t, map[string]map[string]any{
		"rec-a":   recordFields("rec-a"),
		"rec-bad": invalid,
	})
	f := newFixture(t, srv, []collect.Item{
		{Payload: payload("rec-a")},
		{Payload: payload("rec-bad")},
		{Err: errs.New(errs.KindDataCollection, "fetch failed")},
	})

	results, err := f.integrator.Run(context.Background(), collect.Query{Zip: "85031"})
	require.NoError(t, err)
	require.Len(t, results, 3)

	var ok, failed int
	for _, r := range results {
		if r.Success {
			ok++
		} else {
			failed++
			require.Error(t, r.Err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 2, failed)

	// The validation reject is routine; the errors collection stays empty.
	assert.Empty(t, f.store.Errors())

	m := f.integrator.Metrics()
	assert.Equal(t, 3, m.TotalProcessed)
	assert.Equal(t, 1, m.Successful)
	assert.Equal(t, 2, m.Failed)
}

func TestProcessOneReturnsFirstResult(t *testing.T) {
	srv := markerServer(t, map[string]map[string]any{"rec-a": recordFields("rec-a")})
	f := newFixture(t, srv, []collect.Item{{Payload: payload("rec-a")}})

	r, err := f.integrator.ProcessOne(context.Background(), collect.Query{Zip: "85031"})
	require.NoError(t, err)
	assert.True(t, r.Success)
}

func TestProcessOneEmptyStream(t *testing.T) {
	srv := markerServer(t, nil)
	f := newFixture(t, srv, nil)

	_, err := f.integrator.ProcessOne(context.Background(), collect.Query{Zip: "85031"})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindDataCollection))
}

func TestProcessQueryUnsupported(t *testing.T) {
	srv := markerServer(t, nil)
	f := newFixture(t, srv, nil)

	_, err := f.integrator.ProcessQuery(context.Background(), collect.Query{APN: "101-01-001A"})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConfiguration))
}

func TestProcessBatchChunksAndCounts(t *testing.T) {
	srv := markerServer(t, map[string]map[string]any{"rec-a": recordFields("rec-a")})
	f := newFixture(t, srv, []collect.Item{{Payload: payload("rec-a")}})

	queries := []collect.Query{
		{Zip: "85031"}, {Zip: "85031"}, {Zip: "85031"},
	}
	results := f.integrator.ProcessBatch(context.Background(), queries)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.True(t, r.Success)
	}
}

func TestProcessBatchRecordsMemoryDelta(t *testing.T) {
	srv := markerServer(t, map[string]map[string]any{"rec-a": recordFields("rec-a")})

	// Memory grows with every sample, so the before/after readings around a
	// chunk differ.
	client := llm.NewClient(config.LLMConfig{
		BaseURL:     srv.URL,
		Model:       "test-model",
		TimeoutSecs: 5,
		MaxRetries:  1,
	})
	mem := 100.0
	monitor := resources.NewMonitorWithSampler(config.ResourcesConfig{
		MaxMemoryMB: 1024, MaxCPUPercent: 90, MaxConcurrentRequests: 4,
	}, func() (resources.Sample, error) {
		mem += 8
		return resources.Sample{MemoryMB: mem, CPUPercent: 10}, nil
	})
	optimizer := resources.NewBatchSizeOptimizer(config.BatchConfig{MinSize: 1, MaxSize: 10, InitialSize: 2})
	artifacts := cache.NewMemory(100, time.Hour)
	store := repo.NewMemoryRepository()
	g := New(
		[]collect.Collector{&stubCollector{items: []collect.Item{{Payload: payload("rec-a")}}}},
		extract.New(client, artifacts, monitor),
		validate.New(),
		store,
		monitor,
		optimizer,
		artifacts,
	)

	results := g.ProcessBatch(context.Background(), []collect.Query{{Zip: "85031"}})
	require.Len(t, results, 1)

	obs, ok := optimizer.Last()
	require.True(t, ok)
	assert.Greater(t, obs.MemoryDelta, 0.0)
}

func TestCloseRejectsNewWorkAndReleasesCollectors(t *testing.T) {
	srv := markerServer(t, nil)
	f := newFixture(t, srv, nil)

	require.NoError(t, f.integrator.Close(context.Background()))
	assert.True(t, f.collector.closed)

	_, err := f.integrator.ProcessQuery(context.Background(), collect.Query{Zip: "85031"})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConfiguration))

	// Close is idempotent.
	require.NoError(t, f.integrator.Close(context.Background()))
}

func TestRunRecordsFatalErrors(t *testing.T) {
	// Unreachable model server: extraction fails with a transport error.
	badClient := llm.NewClient(config.LLMConfig{
		BaseURL:     "http://127.0.0.1:1",
		Model:       "test-model",
		TimeoutSecs: 1,
		MaxRetries:  1,
	})
	monitor := resources.NewMonitorWithSampler(config.ResourcesConfig{
		MaxMemoryMB: 1024, MaxCPUPercent: 90, MaxConcurrentRequests: 2,
	}, func() (resources.Sample, error) { return resources.Sample{}, errors.New("no sample") })
	artifacts := cache.NewMemory(10, time.Hour)
	store := repo.NewMemoryRepository()
	g := New(
		[]collect.Collector{&stubCollector{items: []collect.Item{{Payload: payload("rec-a")}}}},
		extract.New(badClient, artifacts, monitor),
		validate.New(),
		store,
		monitor,
		resources.NewBatchSizeOptimizer(config.BatchConfig{MinSize: 1, MaxSize: 10, InitialSize: 2}),
		artifacts,
	)

	results, err := g.Run(context.Background(), collect.Query{Zip: "85031"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)

	recs := store.Errors()
	require.Len(t, recs, 1)
	assert.Equal(t, errs.KindLLMExtraction.String(), recs[0].Kind)
}
