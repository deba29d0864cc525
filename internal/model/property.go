// Package model defines the canonical property record shared by the
// extractor, validator, and repository.
package model

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Source tags identify where a raw payload came from.
const (
	SourceMaricopa   = "maricopa"
	SourcePhoenixMLS = "phoenix_mls"
)

// PriceKind classifies a price-history event.
type PriceKind string

const (
	PriceListing  PriceKind = "listing"
	PriceAssessed PriceKind = "assessed"
	PriceMarket   PriceKind = "market"
	PriceSale     PriceKind = "sale"
)

// LotUnits is the unit of a lot-size measurement.
type LotUnits string

const (
	LotSqft  LotUnits = "sqft"
	LotAcres LotUnits = "acres"
)

// Address is a normalized US street address.
type Address struct {
	Street string `json:"street" bson:"street"`
	City   string `json:"city" bson:"city"`
	State  string `json:"state" bson:"state"`
	Zip    string `json:"zip" bson:"zip"`
	Full   string `json:"full" bson:"full"`
}

// Compose renders the normalized full string from the parts.
func (a *Address) Compose() string {
	parts := make([]string, 0, 3)
	if a.Street != "" {
		parts = append(parts, a.Street)
	}
	if a.City != "" {
		parts = append(parts, a.City)
	}
	tail := strings.TrimSpace(strings.Join([]string{a.State, a.Zip}, " "))
	if tail != "" {
		parts = append(parts, tail)
	}
	return strings.Join(parts, ", ")
}

// Features holds the physical attributes of a property.
type Features struct {
	Bedrooms     int      `json:"bedrooms" bson:"bedrooms"`
	Bathrooms    float64  `json:"bathrooms" bson:"bathrooms"`
	HalfBaths    int      `json:"half_baths" bson:"half_baths"`
	SquareFeet   int      `json:"square_feet" bson:"square_feet"`
	LotSize      int      `json:"lot_size" bson:"lot_size"`
	LotUnits     LotUnits `json:"lot_units" bson:"lot_units"`
	YearBuilt    int      `json:"year_built" bson:"year_built"`
	GarageSpaces int      `json:"garage_spaces" bson:"garage_spaces"`
	Pool         bool     `json:"pool" bson:"pool"`
	Fireplace    bool     `json:"fireplace" bson:"fireplace"`
	HVAC         string   `json:"hvac,omitempty" bson:"hvac,omitempty"`
}

// PriceEvent is one entry in a property's price history.
type PriceEvent struct {
	Date       time.Time `json:"date" bson:"date"`
	Amount     float64   `json:"amount" bson:"amount"`
	Kind       PriceKind `json:"kind" bson:"kind"`
	Confidence float64   `json:"confidence" bson:"confidence"`
}

// TaxInfo holds county assessment data.
type TaxInfo struct {
	APN             string  `json:"apn" bson:"apn"`
	AssessedValue   float64 `json:"assessed_value" bson:"assessed_value"`
	TaxAmountAnnual float64 `json:"tax_amount_annual" bson:"tax_amount_annual"`
	TaxYear         int     `json:"tax_year" bson:"tax_year"`
}

// SourceRecord records one collection of the property from an upstream.
type SourceRecord struct {
	SourceTag    string    `json:"source_tag" bson:"source_tag"`
	CollectedAt  time.Time `json:"collected_at" bson:"collected_at"`
	RawDataHash  string    `json:"raw_data_hash" bson:"raw_data_hash"`
	QualityScore float64   `json:"quality_score" bson:"quality_score"`
}

// Property is the canonical record persisted to the document store.
type Property struct {
	PropertyID   string         `json:"property_id" bson:"property_id"`
	Address      Address        `json:"address" bson:"address"`
	Features     Features       `json:"features" bson:"features"`
	PriceHistory []PriceEvent   `json:"price_history" bson:"price_history"`
	TaxInfo      TaxInfo        `json:"tax_info" bson:"tax_info"`
	Sources      []SourceRecord `json:"sources" bson:"sources"`
	Warnings     []string       `json:"warnings,omitempty" bson:"warnings,omitempty"`
	LastUpdated  time.Time      `json:"last_updated" bson:"last_updated"`
}

// DerivePropertyID produces the stable identifier for a property. The ID is
// a prefix of the SHA-256 over source tag and the source's external ID (APN
// for the assessor, canonical URL path for MLS), so repeated collections of
// the same listing land on the same document.
func DerivePropertyID(sourceTag, externalID string) string {
	h := sha256.Sum256([]byte(sourceTag + "|" + strings.ToLower(strings.TrimSpace(externalID))))
	return fmt.Sprintf("%s-%x", sourceTag, h[:12])
}

// SortPriceHistory orders events by date ascending, kind as tie-break.
func SortPriceHistory(events []PriceEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Date.Equal(events[j].Date) {
			return events[i].Date.Before(events[j].Date)
		}
		return events[i].Kind < events[j].Kind
	})
}

// LatestSource returns the most recently collected source record, or nil.
func (p *Property) LatestSource() *SourceRecord {
	var latest *SourceRecord
	for i := range p.Sources {
		if latest == nil || p.Sources[i].CollectedAt.After(latest.CollectedAt) {
			latest = &p.Sources[i]
		}
	}
	return latest
}

// BestQuality returns the highest source quality score, or 0.
func (p *Property) BestQuality() float64 {
	best := 0.0
	for _, s := range p.Sources {
		if s.QualityScore > best {
			best = s.QualityScore
		}
	}
	return best
}
