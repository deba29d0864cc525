// Package extract turns raw upstream payloads into canonical property
// records. Raw content goes through the local model with a per-source
// schema, then source-specific normalizers coerce the loose model output
// into typed fields.
package extract

import "github.com/bananahana720/phx-property-collector/internal/llm"

// assessorSchema names the fields extracted from county assessor JSON.
var assessorSchema = llm.Schema{
	Name:    "assessor_property",
	Version: "2024-07",
	Fields: []llm.SchemaField{
		{Name: "apn", Type: "string", Description: "assessor parcel number"},
		{Name: "street", Type: "string", Description: "street address line"},
		{Name: "city", Type: "string", Description: "city name"},
		{Name: "state", Type: "string", Description: "two-letter state code"},
		{Name: "zip", Type: "string", Description: "5 or 9 digit zip code"},
		{Name: "bedrooms", Type: "int", Description: "bedroom count"},
		{Name: "bathrooms", Type: "decimal", Description: "full bathroom count, may be fractional"},
		{Name: "half_baths", Type: "int", Description: "half bathroom count"},
		{Name: "living_area_sqft", Type: "int", Description: "interior living area in square feet"},
		{Name: "lot_size", Type: "int", Description: "lot size value"},
		{Name: "lot_units", Type: "string", Description: "lot size units, sqft or acres"},
		{Name: "year_built", Type: "int", Description: "construction year"},
		{Name: "garage_spaces", Type: "int", Description: "garage parking spaces"},
		{Name: "pool", Type: "bool", Description: "whether the property has a pool"},
		{Name: "fireplace", Type: "bool", Description: "whether the property has a fireplace"},
		{Name: "hvac", Type: "string", Description: "heating and cooling description"},
		{Name: "assessed_value", Type: "decimal", Description: "county assessed value in dollars"},
		{Name: "market_value", Type: "decimal", Description: "full cash or market value in dollars"},
		{Name: "tax_amount_annual", Type: "decimal", Description: "annual property tax in dollars"},
		{Name: "tax_year", Type: "int", Description: "tax year of the assessment"},
	},
}

// mlsSchema names the fields extracted from MLS listing HTML.
var mlsSchema = llm.Schema{
	Name:    "mls_listing",
	Version: "2024-07",
	Fields: []llm.SchemaField{
		{Name: "street", Type: "string", Description: "street address line"},
		{Name: "city", Type: "string", Description: "city name"},
		{Name: "state", Type: "string", Description: "two-letter state code"},
		{Name: "zip", Type: "string", Description: "5 or 9 digit zip code"},
		{Name: "listing_price", Type: "decimal", Description: "current asking price in dollars"},
		{Name: "bedrooms", Type: "int", Description: "bedroom count"},
		{Name: "bathrooms", Type: "decimal", Description: "bathroom count, may be fractional"},
		{Name: "half_baths", Type: "int", Description: "half bathroom count"},
		{Name: "living_area_sqft", Type: "int", Description: "interior living area in square feet"},
		{Name: "lot_size", Type: "int", Description: "lot size value"},
		{Name: "lot_units", Type: "string", Description: "lot size units, sqft or acres"},
		{Name: "year_built", Type: "int", Description: "construction year"},
		{Name: "garage_spaces", Type: "int", Description: "garage parking spaces"},
		{Name: "pool", Type: "bool", Description: "whether the listing mentions a pool"},
		{Name: "fireplace", Type: "bool", Description: "whether the listing mentions a fireplace"},
		{Name: "hvac", Type: "string", Description: "heating and cooling description"},
	},
}

// schemaFor picks the extraction schema for a source tag.
func schemaFor(source string) llm.Schema {
	if source == "phoenix_mls" {
		return mlsSchema
	}
	return assessorSchema
}
