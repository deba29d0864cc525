package repo

import (
	"time"

	"github.com/bananahana720/phx-property-collector/internal/model"
)

// mergeProperties folds incoming into existing and returns the merged
// record. Rules, applied in order:
//
//   - price_history: events are keyed by (date, kind); new keys append,
//     colliding keys keep the higher-confidence event. The merged
//     history stays sorted by date.
//   - sources: unioned by (source_tag, raw_data_hash) so re-collecting
//     identical raw data does not grow the list.
//   - scalars (address, features, tax): the incoming value wins when it
//     is non-zero and comes from a source of equal or better quality
//     than the best already recorded; otherwise the existing value is
//     kept. Zero-valued incoming fields never clobber existing data.
//
// Neither argument is mutated.
func mergeProperties(existing, incoming *model.Property) *model.Property {
	merged := *existing
	merged.LastUpdated = incoming.LastUpdated
	if merged.LastUpdated.Before(existing.LastUpdated) {
		merged.LastUpdated = existing.LastUpdated
	}

	merged.PriceHistory = mergePrices(existing.PriceHistory, incoming.PriceHistory)
	merged.Sources = mergeSources(existing.Sources, incoming.Sources)
	if len(incoming.Warnings) > 0 {
		merged.Warnings = incoming.Warnings
	}

	incomingWins := incoming.BestQuality() >= existing.BestQuality()
	merged.Address = mergeAddress(existing.Address, incoming.Address, incomingWins)
	merged.Features = mergeFeatures(existing.Features, incoming.Features, incomingWins)
	merged.TaxInfo = mergeTax(existing.TaxInfo, incoming.TaxInfo, incomingWins)
	return &merged
}

type priceKey struct {
	date time.Time
	kind model.PriceKind
}

func mergePrices(existing, incoming []model.PriceEvent) []model.PriceEvent {
	out := make([]model.PriceEvent, len(existing))
	copy(out, existing)
	index := make(map[priceKey]int, len(out))
	for i, ev := range out {
		index[priceKey{ev.Date.UTC().Truncate(24 * time.Hour), ev.Kind}] = i
	}
	for _, ev := range incoming {
		k := priceKey{ev.Date.UTC().Truncate(24 * time.Hour), ev.Kind}
		if i, ok := index[k]; ok {
			if ev.Confidence > out[i].Confidence {
				out[i] = ev
			}
			continue
		}
		index[k] = len(out)
		out = append(out, ev)
	}
	model.SortPriceHistory(out)
	return out
}

func mergeSources(existing, incoming []model.SourceRecord) []model.SourceRecord {
	type srcKey struct{ tag, hash string }
	out := make([]model.SourceRecord, len(existing))
	copy(out, existing)
	seen := make(map[srcKey]bool, len(out))
	for _, s := range out {
		seen[srcKey{s.SourceTag, s.RawDataHash}] = true
	}
	for _, s := range incoming {
		k := srcKey{s.SourceTag, s.RawDataHash}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, s)
	}
	return out
}

func mergeAddress(old, in model.Address, incomingWins bool) model.Address {
	out := old
	if in.Street != "" && (out.Street == "" || incomingWins) {
		out.Street = in.Street
	}
	if in.City != "" && (out.City == "" || incomingWins) {
		out.City = in.City
	}
	if in.State != "" && (out.State == "" || incomingWins) {
		out.State = in.State
	}
	if in.Zip != "" && (out.Zip == "" || incomingWins) {
		out.Zip = in.Zip
	}
	out.Full = out.Compose()
	return out
}

func mergeFeatures(old, in model.Features, incomingWins bool) model.Features {
	out := old
	if in.Bedrooms != 0 && (out.Bedrooms == 0 || incomingWins) {
		out.Bedrooms = in.Bedrooms
	}
	if in.Bathrooms != 0 && (out.Bathrooms == 0 || incomingWins) {
		out.Bathrooms = in.Bathrooms
	}
	if in.HalfBaths != 0 && (out.HalfBaths == 0 || incomingWins) {
		out.HalfBaths = in.HalfBaths
	}
	if in.SquareFeet != 0 && (out.SquareFeet == 0 || incomingWins) {
		out.SquareFeet = in.SquareFeet
	}
	if in.LotSize != 0 && (out.LotSize == 0 || incomingWins) {
		out.LotSize = in.LotSize
		out.LotUnits = in.LotUnits
	}
	if in.YearBuilt != 0 && (out.YearBuilt == 0 || incomingWins) {
		out.YearBuilt = in.YearBuilt
	}
	if in.GarageSpaces != 0 && (out.GarageSpaces == 0 || incomingWins) {
		out.GarageSpaces = in.GarageSpaces
	}
	if in.HVAC != "" && (out.HVAC == "" || incomingWins) {
		out.HVAC = in.HVAC
	}
	// booleans only ever upgrade to true
	out.Pool = out.Pool || in.Pool
	out.Fireplace = out.Fireplace || in.Fireplace
	return out
}

func mergeTax(old, in model.TaxInfo, incomingWins bool) model.TaxInfo {
	out := old
	if in.APN != "" && (out.APN == "" || incomingWins) {
		out.APN = in.APN
	}
	if in.AssessedValue != 0 && (out.AssessedValue == 0 || incomingWins) {
		out.AssessedValue = in.AssessedValue
	}
	if in.TaxAmountAnnual != 0 && (out.TaxAmountAnnual == 0 || incomingWins) {
		out.TaxAmountAnnual = in.TaxAmountAnnual
	}
	if in.TaxYear != 0 && (out.TaxYear == 0 || incomingWins) {
		out.TaxYear = in.TaxYear
	}
	return out
}
