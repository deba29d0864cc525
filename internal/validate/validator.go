// Package validate checks canonical records against schema and business
// rules before persistence. The validator is total: every record yields a
// decision and no rule may panic out of it.
package validate

import (
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/bananahana720/phx-property-collector/internal/model"
)

// Result is the validation decision. Fatal errors block persistence;
// warnings ride along on the record.
type Result struct {
	IsValid  bool
	Errors   []string
	Warnings []string
}

var zipPattern = regexp.MustCompile(`^\d{5}(-\d{4})?$`)
var statePattern = regexp.MustCompile(`^[A-Z]{2}$`)

// rule inspects a record and appends findings to the result.
type rule func(p *model.Property, r *Result)

// Validator runs the rule chain.
type Validator struct {
	rules []rule

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New creates a Validator with the standard rule chain.
func New() *Validator {
	v := &Validator{nowFunc: time.Now}
	v.rules = []rule{
		v.requiredFields,
		v.ranges,
		v.addressWellFormed,
		v.crossField,
	}
	return v
}

// Validate applies every rule. A panicking rule is converted into a fatal
// error instead of escaping.
func (v *Validator) Validate(p *model.Property) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("validator rule panicked", zap.Any("panic", r))
			result.Errors = append(result.Errors, fmt.Sprintf("internal validation failure: %v", r))
			result.IsValid = false
		}
	}()

	if p == nil {
		return Result{IsValid: false, Errors: []string{"record is nil"}}
	}
	for _, r := range v.rules {
		r(p, &result)
	}
	result.IsValid = len(result.Errors) == 0
	return result
}

func (v *Validator) requiredFields(p *model.Property, r *Result) {
	if p.PropertyID == "" {
		r.Errors = append(r.Errors, "property_id is empty")
	}
	if len(p.Sources) == 0 {
		r.Errors = append(r.Errors, "record has no source provenance")
		return
	}
	// Assessor records must carry the parcel number; MLS records must carry
	// at least one listing price.
	switch p.Sources[0].SourceTag {
	case model.SourceMaricopa:
		if p.TaxInfo.APN == "" {
			r.Errors = append(r.Errors, "assessor record missing apn")
		}
	case model.SourcePhoenixMLS:
		if !hasPriceKind(p, model.PriceListing) {
			r.Warnings = append(r.Warnings, "mls record has no listing price")
		}
	}
}

func (v *Validator) ranges(p *model.Property, r *Result) {
	for i, ev := range p.PriceHistory {
		if ev.Amount < 0 {
			r.Errors = append(r.Errors, fmt.Sprintf("price_history[%d] amount is negative", i))
		}
		if ev.Confidence < 0 || ev.Confidence > 1 {
			r.Errors = append(r.Errors, fmt.Sprintf("price_history[%d] confidence outside [0,1]", i))
		}
	}
	if p.TaxInfo.AssessedValue < 0 {
		r.Errors = append(r.Errors, "assessed_value is negative")
	}
	if p.TaxInfo.TaxAmountAnnual < 0 {
		r.Errors = append(r.Errors, "tax_amount_annual is negative")
	}

	f := p.Features
	if f.Bedrooms < 0 || f.Bedrooms > 20 {
		r.Errors = append(r.Errors, fmt.Sprintf("bedrooms %d outside [0,20]", f.Bedrooms))
	}
	if f.Bathrooms < 0 || f.Bathrooms > 20 {
		r.Errors = append(r.Errors, fmt.Sprintf("bathrooms %.1f outside [0,20]", f.Bathrooms))
	}
	if f.SquareFeet <= 0 {
		r.Errors = append(r.Errors, "square_feet must be positive")
	}
	if f.YearBuilt != 0 {
		maxYear := v.nowFunc().Year() + 1
		if f.YearBuilt < 1800 || f.YearBuilt > maxYear {
			r.Errors = append(r.Errors, fmt.Sprintf("year_built %d outside [1800,%d]", f.YearBuilt, maxYear))
		}
	}
	for _, s := range p.Sources {
		if s.QualityScore < 0 || s.QualityScore > 1 {
			r.Errors = append(r.Errors, "source quality_score outside [0,1]")
		}
	}
}

func (v *Validator) addressWellFormed(p *model.Property, r *Result) {
	a := p.Address
	if a.Street == "" || a.City == "" || a.State == "" || a.Zip == "" {
		r.Errors = append(r.Errors, "address requires street, city, state, and zip")
		return
	}
	if !statePattern.MatchString(a.State) {
		r.Errors = append(r.Errors, fmt.Sprintf("state %q is not a 2-letter code", a.State))
	}
	if !zipPattern.MatchString(a.Zip) {
		r.Errors = append(r.Errors, fmt.Sprintf("zip %q does not match the US pattern", a.Zip))
	}
}

// crossField flags an assessed value wildly above market as suspicious.
// Soft: a warning, never fatal.
func (v *Validator) crossField(p *model.Property, r *Result) {
	if p.TaxInfo.AssessedValue <= 0 {
		return
	}
	market := latestAmount(p, model.PriceMarket)
	if market > 0 && p.TaxInfo.AssessedValue > 10*market {
		r.Warnings = append(r.Warnings,
			fmt.Sprintf("assessed_value %.0f exceeds 10x market value %.0f", p.TaxInfo.AssessedValue, market))
	}
}

func hasPriceKind(p *model.Property, kind model.PriceKind) bool {
	for _, ev := range p.PriceHistory {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

func latestAmount(p *model.Property, kind model.PriceKind) float64 {
	var amount float64
	var latest time.Time
	for _, ev := range p.PriceHistory {
		if ev.Kind == kind && (latest.IsZero() || ev.Date.After(latest)) {
			latest = ev.Date
			amount = ev.Amount
		}
	}
	return amount
}
