package extract

import (
	"strconv"
	"strings"
)

// coerceInt converts loose model output to an int. Accepts numbers and
// strings with commas, dollar signs, and unit suffixes ("2,850 sqft").
func coerceInt(v any) (int, bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case float64:
		return int(t), true
	case int:
		return t, true
	case string:
		f, ok := parseLooseNumber(t)
		if !ok {
			return 0, false
		}
		return int(f), true
	default:
		return 0, false
	}
}

// coerceFloat converts loose model output to a float64.
func coerceFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		return parseLooseNumber(t)
	default:
		return 0, false
	}
}

// coerceBool converts loose model output to a bool. The truthy set is
// {yes, true, 1, y} case-insensitively.
func coerceBool(v any) (bool, bool) {
	switch t := v.(type) {
	case nil:
		return false, false
	case bool:
		return t, true
	case float64:
		return t != 0, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "yes", "true", "1", "y":
			return true, true
		case "no", "false", "0", "n", "":
			return false, true
		default:
			return false, false
		}
	default:
		return false, false
	}
}

// coerceString trims and returns a non-empty string.
func coerceString(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// parseLooseNumber strips currency formatting and trailing units before
// parsing: "$2,850.00" → 2850, "1.5 acres" → 1.5.
func parseLooseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")

	// Cut at the first character that cannot be part of a number.
	end := len(s)
	for i, r := range s {
		if (r < '0' || r > '9') && r != '.' && r != '-' {
			end = i
			break
		}
	}
	s = strings.TrimSpace(s[:end])
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// normalizeState uppercases a state code; full names for Arizona collapse
// to the code since every record in scope is in-state.
func normalizeState(s string) string {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "arizona") {
		return "AZ"
	}
	return strings.ToUpper(s)
}

// normalizeLotUnits maps loose unit strings to the canonical pair.
func normalizeLotUnits(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "acre", "acres", "ac":
		return "acres"
	default:
		return "sqft"
	}
}
