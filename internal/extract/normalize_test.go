package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCoerceInt(t *testing.T) {
	cases := []struct {
		in   any
		want int
		ok   bool
	}{
		{float64(3), 3, true},
		{4, 4, true},
		{"2,850", 2850, true},
		{"2,850 sqft", 2850, true},
		{"$450,000", 450000, true},
		{" 1987 ", 1987, true},
		{"n/a", 0, false},
		{"", 0, false},
		{nil, 0, false},
		{true, 0, false},
	}
	for _, c := range cases {
		got, ok := coerceInt(c.in)
		assert.Equal(t, c.ok, ok, "input %v", c.in)
		assert.Equal(t, c.want, got, "input %v", c.in)
	}
}

func TestCoerceFloat(t *testing.T) {
	cases := []struct {
		in   any
		want float64
		ok   bool
	}{
		{2.5, 2.5, true},
		{3, 3.0, true},
		{"1.5 acres", 1.5, true},
		{"$2,850.00", 2850, true},
		{"-1.25", -1.25, true},
		{"unknown", 0, false},
		{nil, 0, false},
	}
	for _, c := range cases {
		got, ok := coerceFloat(c.in)
		assert.Equal(t, c.ok, ok, "input %v", c.in)
		assert.InDelta(t, c.want, got, 1e-9, "input %v", c.in)
	}
}

func TestCoerceBool(t *testing.T) {
	cases := []struct {
		in   any
		want bool
		ok   bool
	}{
		{true, true, true},
		{false, false, true},
		{float64(1), true, true},
		{float64(0), false, true},
		{"yes", true, true},
		{"Y", true, true},
		{"TRUE", true, true},
		{"no", false, true},
		{"0", false, true},
		{"", false, true},
		{"maybe", false, false},
		{nil, false, false},
	}
	for _, c := range cases {
		got, ok := coerceBool(c.in)
		assert.Equal(t, c.ok, ok, "input %v", c.in)
		assert.Equal(t, c.want, got, "input %v", c.in)
	}
}

func TestCoerceString(t *testing.T) {
	s, ok := coerceString("  123 Main St  ")
	assert.True(t, ok)
	assert.Equal(t, "123 Main St", s)

	_, ok = coerceString("   ")
	assert.False(t, ok)
	_, ok = coerceString(42)
	assert.False(t, ok)
}

func TestNormalizeState(t *testing.T) {
	assert.Equal(t, "AZ", normalizeState("az"))
	assert.Equal(t, "AZ", normalizeState("Arizona"))
	assert.Equal(t, "AZ", normalizeState(" ARIZONA "))
	assert.Equal(t, "NM", normalizeState("nm"))
}

func TestNormalizeLotUnits(t *testing.T) {
	assert.Equal(t, "acres", normalizeLotUnits("Acres"))
	assert.Equal(t, "acres", normalizeLotUnits("ac"))
	assert.Equal(t, "sqft", normalizeLotUnits("sq ft"))
	assert.Equal(t, "sqft", normalizeLotUnits(""))
}
