package extract

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/bananahana720/phx-property-collector/internal/cache"
	"github.com/bananahana720/phx-property-collector/internal/collect"
	"github.com/bananahana720/phx-property-collector/internal/errs"
	"github.com/bananahana720/phx-property-collector/internal/llm"
	"github.com/bananahana720/phx-property-collector/internal/model"
	"github.com/bananahana720/phx-property-collector/internal/resources"
)

// admissionPoll is how long the extractor waits between admission checks
// when the resource monitor is saturated.
const admissionPoll = 250 * time.Millisecond

// defaultConfidence is attached to price events when the model provides no
// per-field confidence signal.
const defaultConfidence = 0.8

// Extractor converts one raw payload into one canonical Property, checking
// the artifact cache before calling the model under admission control.
type Extractor struct {
	llm     *llm.Client
	cache   cache.Cache
	monitor *resources.Monitor
}

// New creates an Extractor.
func New(llmClient *llm.Client, artifactCache cache.Cache, monitor *resources.Monitor) *Extractor {
	return &Extractor{llm: llmClient, cache: artifactCache, monitor: monitor}
}

// Extract runs the full pipeline for one payload. A cache hit returns the
// stored record without touching the model; identical payloads are
// therefore idempotent across calls.
func (e *Extractor) Extract(ctx context.Context, payload *collect.RawPayload) (*model.Property, error) {
	schema := schemaFor(payload.Source)
	fingerprint := cache.Fingerprint(payload.Hash, schema.Version, e.llm.Model(), llm.PromptVersion)

	if artifact, ok, err := e.cache.Get(ctx, fingerprint, cache.KindExtraction); err != nil {
		zap.L().Warn("extraction cache read failed", zap.Error(err))
	} else if ok {
		var p model.Property
		if err := json.Unmarshal(artifact, &p); err == nil {
			return &p, nil
		}
		// Unreadable artifact: drop it and fall through to the model.
		_ = e.cache.Invalidate(ctx, fingerprint)
	}

	fields, err := e.callModel(ctx, payload, schema)
	if err != nil {
		return nil, err
	}

	property, err := e.normalize(payload, fields)
	if err != nil {
		return nil, err
	}

	if artifact, err := json.Marshal(property); err == nil {
		if err := e.cache.Set(ctx, fingerprint, cache.KindExtraction, artifact); err != nil {
			zap.L().Warn("extraction cache write failed", zap.Error(err))
		}
	}
	return property, nil
}

// callModel acquires admission and runs structured extraction.
func (e *Extractor) callModel(ctx context.Context, payload *collect.RawPayload, schema llm.Schema) (map[string]any, error) {
	opID := payload.Source + ":" + payload.ExternalID
	for !e.monitor.CheckAvailability(opID) {
		timer := time.NewTimer(admissionPoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errs.Wrap(errs.KindLLMExtraction, ctx.Err(), "cancelled waiting for admission").
				With("op", opID)
		case <-timer.C:
		}
	}

	e.monitor.TrackStart(opID)
	defer e.monitor.TrackEnd(opID)

	kind := llm.ContentJSON
	if payload.ContentKind == collect.ContentHTML {
		kind = llm.ContentHTML
	}
	return e.llm.ExtractStructuredData(ctx, payload.Data, schema, kind)
}

// normalize applies source-specific coercions and assembles the canonical
// record. Missing required fields surface a normalization error.
func (e *Extractor) normalize(payload *collect.RawPayload, fields map[string]any) (*model.Property, error) {
	p := &model.Property{
		LastUpdated: payload.CollectedAt,
	}

	street, _ := coerceString(fields["street"])
	city, _ := coerceString(fields["city"])
	state, _ := coerceString(fields["state"])
	zip, _ := coerceString(fields["zip"])
	p.Address = model.Address{
		Street: street,
		City:   city,
		State:  normalizeState(state),
		Zip:    zip,
	}
	p.Address.Full = p.Address.Compose()

	if p.Address.Street == "" || p.Address.Zip == "" {
		return nil, errs.New(errs.KindNormalization, "address incomplete after coercion").
			With("source", payload.Source).With("external_id", payload.ExternalID)
	}

	covered := 4 // street, city, state, zip counted below as one block each
	total := len(schemaFor(payload.Source).Fields)

	if v, ok := coerceInt(fields["bedrooms"]); ok {
		p.Features.Bedrooms = v
		covered++
	}
	if v, ok := coerceFloat(fields["bathrooms"]); ok {
		p.Features.Bathrooms = v
		covered++
	}
	if v, ok := coerceInt(fields["half_baths"]); ok {
		p.Features.HalfBaths = v
		covered++
	}
	if v, ok := coerceInt(fields["living_area_sqft"]); ok {
		p.Features.SquareFeet = v
		covered++
	}
	if v, ok := coerceInt(fields["lot_size"]); ok {
		p.Features.LotSize = v
		covered++
	}
	if v, ok := coerceString(fields["lot_units"]); ok {
		p.Features.LotUnits = model.LotUnits(normalizeLotUnits(v))
		covered++
	} else if p.Features.LotSize > 0 {
		p.Features.LotUnits = model.LotSqft
	}
	if v, ok := coerceInt(fields["year_built"]); ok {
		p.Features.YearBuilt = v
		covered++
	}
	if v, ok := coerceInt(fields["garage_spaces"]); ok {
		p.Features.GarageSpaces = v
		covered++
	}
	if v, ok := coerceBool(fields["pool"]); ok {
		p.Features.Pool = v
		covered++
	}
	if v, ok := coerceBool(fields["fireplace"]); ok {
		p.Features.Fireplace = v
		covered++
	}
	if v, ok := coerceString(fields["hvac"]); ok {
		p.Features.HVAC = v
		covered++
	}

	externalID := payload.ExternalID
	switch payload.Source {
	case model.SourceMaricopa:
		apn, ok := coerceString(fields["apn"])
		if !ok {
			return nil, errs.New(errs.KindNormalization, "assessor record missing apn").
				With("external_id", payload.ExternalID)
		}
		covered++
		externalID = apn
		p.TaxInfo.APN = apn
		if v, ok := coerceFloat(fields["assessed_value"]); ok {
			p.TaxInfo.AssessedValue = v
			covered++
			p.PriceHistory = append(p.PriceHistory, model.PriceEvent{
				Date: payload.CollectedAt, Amount: v,
				Kind: model.PriceAssessed, Confidence: defaultConfidence,
			})
		}
		if v, ok := coerceFloat(fields["market_value"]); ok {
			covered++
			p.PriceHistory = append(p.PriceHistory, model.PriceEvent{
				Date: payload.CollectedAt, Amount: v,
				Kind: model.PriceMarket, Confidence: defaultConfidence,
			})
		}
		if v, ok := coerceFloat(fields["tax_amount_annual"]); ok {
			p.TaxInfo.TaxAmountAnnual = v
			covered++
		}
		if v, ok := coerceInt(fields["tax_year"]); ok {
			p.TaxInfo.TaxYear = v
			covered++
		}
	case model.SourcePhoenixMLS:
		if v, ok := coerceFloat(fields["listing_price"]); ok {
			covered++
			p.PriceHistory = append(p.PriceHistory, model.PriceEvent{
				Date: payload.CollectedAt, Amount: v,
				Kind: model.PriceListing, Confidence: defaultConfidence,
			})
		}
	default:
		return nil, eris.Errorf("extract: unknown source %q", payload.Source)
	}

	model.SortPriceHistory(p.PriceHistory)
	p.PropertyID = model.DerivePropertyID(payload.Source, externalID)
	p.Sources = []model.SourceRecord{{
		SourceTag:    payload.Source,
		CollectedAt:  payload.CollectedAt,
		RawDataHash:  payload.Hash,
		QualityScore: qualityScore(covered, total),
	}}
	return p, nil
}

// qualityScore maps non-null field coverage into [0, 1].
func qualityScore(covered, total int) float64 {
	if total <= 0 {
		return 0
	}
	score := float64(covered) / float64(total)
	if score > 1 {
		score = 1
	}
	return score
}
