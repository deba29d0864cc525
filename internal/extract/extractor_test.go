package extract

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bananahana720/phx-property-collector/internal/cache"
	"github.com/bananahana720/phx-property-collector/internal/collect"
	"github.com/bananahana720/phx-property-collector/internal/config"
	"github.com/bananahana720/phx-property-collector/internal/errs"
	"github.com/bananahana720/phx-property-collector/internal/llm"
	"github.com/bananahana720/phx-property-collector/internal/model"
	"github.com/bananahana720/phx-property-collector/internal/resources"
)

// modelServer serves /api/generate with a fixed field map and counts calls.
func modelServer(t *testing.T, fields map[string]any) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		body, err := json.Marshal(fields)
		require.NoError(t, err)
		_ = json.NewEncoder(w).Encode(map[string]any{"response": string(body), "done": true})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &calls
}

func testExtractor(t *testing.T, srv *httptest.Server) *Extractor {
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
	return New(client, cache.NewMemory(100, time.Hour), monitor)
}

func assessorFields() map[string]any {
	return map[string]any{
		"apn":               "101-01-001A",
		"street":            "123 Main St",
		"city":              "Phoenix",
		"state":             "arizona",
		"zip":               "85031",
		"bedrooms":          "3",
		"bathrooms":         2.5,
		"living_area_sqft":  "2,850 sqft",
		"lot_size":          7500,
		"year_built":        1987,
		"pool":              "yes",
		"assessed_value":    "$320,000",
		"market_value":      410000.0,
		"tax_amount_annual": 2456.78,
		"tax_year":          2025,
	}
}

func TestExtractAssessorRecord(t *testing.T) {
	srv, calls := modelServer(t, assessorFields())
	e := testExtractor(t, srv)

	payload := collect.NewRawPayload(model.SourceMaricopa, "101-01-001A", collect.ContentJSON, []byte(`{"raw":1}`))
	p, err := e.Extract(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))

	assert.Equal(t, model.DerivePropertyID(model.SourceMaricopa, "101-01-001A"), p.PropertyID)
	assert.Equal(t, "123 Main St", p.Address.Street)
	assert.Equal(t, "AZ", p.Address.State)
	assert.Equal(t, "85031", p.Address.Zip)
	assert.NotEmpty(t, p.Address.Full)

	assert.Equal(t, 3, p.Features.Bedrooms)
	assert.InDelta(t, 2.5, p.Features.Bathrooms, 1e-9)
	assert.Equal(t, 2850, p.Features.SquareFeet)
	assert.Equal(t, 7500, p.Features.LotSize)
	assert.Equal(t, model.LotSqft, p.Features.LotUnits, "lot units default to sqft when present size has no units")
	assert.True(t, p.Features.Pool)

	assert.Equal(t, "101-01-001A", p.TaxInfo.APN)
	assert.InDelta(t, 320000, p.TaxInfo.AssessedValue, 1e-9)
	assert.Equal(t, 2025, p.TaxInfo.TaxYear)

	require.Len(t, p.PriceHistory, 2)
	kinds := []model.PriceKind{p.PriceHistory[0].Kind, p.PriceHistory[1].Kind}
	assert.Contains(t, kinds, model.PriceAssessed)
	assert.Contains(t, kinds, model.PriceMarket)

	require.Len(t, p.Sources, 1)
	assert.Equal(t, model.SourceMaricopa, p.Sources[0].SourceTag)
	assert.Equal(t, payload.Hash, p.Sources[0].RawDataHash)
	assert.Greater(t, p.Sources[0].QualityScore, 0.5)
}

func TestExtractMLSListing(t *testing.T) {
	srv, _ := modelServer(t, map[string]any{
		"street":        "456 Oak Ave",
		"city":          "Phoenix",
		"state":         "AZ",
		"zip":           "85033",
		"listing_price": "$512,500",
		"bedrooms":      4,
	})
	e := testExtractor(t, srv)

	payload := collect.NewRawPayload(model.SourcePhoenixMLS, "/homedetails/456-oak-ave/555222", collect.ContentHTML, []byte(`<html></html>`))
	p, err := e.Extract(context.Background(), payload)
	require.NoError(t, err)

	require.Len(t, p.PriceHistory, 1)
	assert.Equal(t, model.PriceListing, p.PriceHistory[0].Kind)
	assert.InDelta(t, 512500, p.PriceHistory[0].Amount, 1e-9)
	assert.Equal(t, model.DerivePropertyID(model.SourcePhoenixMLS, "/homedetails/456-oak-ave/555222"), p.PropertyID)
}

func TestExtractCacheHitSkipsModel(t *testing.T) {
	srv, calls := modelServer(t, assessorFields())
	e := testExtractor(t, srv)

	payload := collect.NewRawPayload(model.SourceMaricopa, "101-01-001A", collect.ContentJSON, []byte(`{"raw":1}`))
	first, err := e.Extract(context.Background(), payload)
	require.NoError(t, err)

	second, err := e.Extract(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls), "second extraction must come from cache")
	assert.Equal(t, first.PropertyID, second.PropertyID)
	assert.Equal(t, first.TaxInfo, second.TaxInfo)
}

func TestExtractDistinctPayloadsMissCache(t *testing.T) {
	srv, calls := modelServer(t, assessorFields())
	e := testExtractor(t, srv)

	_, err := e.Extract(context.Background(), collect.NewRawPayload(model.SourceMaricopa, "a", collect.ContentJSON, []byte(`{"raw":1}`)))
	require.NoError(t, err)
	_, err = e.Extract(context.Background(), collect.NewRawPayload(model.SourceMaricopa, "b", collect.ContentJSON, []byte(`{"raw":2}`)))
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}

func TestExtractIncompleteAddress(t *testing.T) {
	srv, _ := modelServer(t, map[string]any{
		"apn":  "101-01-001A",
		"city": "Phoenix",
	})
	e := testExtractor(t, srv)

	_, err := e.Extract(context.Background(), collect.NewRawPayload(model.SourceMaricopa, "101-01-001A", collect.ContentJSON, []byte(`{}`)))
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindNormalization))
}

func TestExtractAssessorMissingAPN(t *testing.T) {
	srv, _ := modelServer(t, map[string]any{
		"street": "123 Main St",
		"zip":    "85031",
	})
	e := testExtractor(t, srv)

	_, err := e.Extract(context.Background(), collect.NewRawPayload(model.SourceMaricopa, "x", collect.ContentJSON, []byte(`{}`)))
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindNormalization))
	assert.Contains(t, err.Error(), "apn")
}

func TestSchemaFor(t *testing.T) {
	assert.Equal(t, "mls_listing", schemaFor(model.SourcePhoenixMLS).Name)
	assert.Equal(t, "assessor_property", schemaFor(model.SourceMaricopa).Name)
}

func TestQualityScore(t *testing.T) {
	assert.InDelta(t, 0.5, qualityScore(10, 20), 1e-9)
	assert.InDelta(t, 1.0, qualityScore(25, 20), 1e-9, "coverage clamps at 1")
	assert.Zero(t, qualityScore(5, 0))
}
