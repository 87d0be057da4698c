package configutil

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Schema describes a vendor settings map. Allowed restricts string values of
// the named keys to a fixed set.
type Schema struct {
	Required     []string
	Optional     []string
	Allowed      map[string][]string
	AllowUnknown bool
}

// ValidateSettings validates a settings map against a schema.
// Keys are normalized to be case/underscore/hyphen insensitive.
func ValidateSettings(input map[string]any, schema Schema) error {
	required := make(map[string]string, len(schema.Required))
	known := make(map[string]struct{}, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Required {
		required[normalizeKey(k)] = k
		known[normalizeKey(k)] = struct{}{}
	}
	for _, k := range schema.Optional {
		known[normalizeKey(k)] = struct{}{}
	}
	allowed := make(map[string][]string, len(schema.Allowed))
	for k, values := range schema.Allowed {
		allowed[normalizeKey(k)] = values
		known[normalizeKey(k)] = struct{}{}
	}

	var missing, unknown, invalid []string
	seen := make(map[string]bool, len(input))
	for k, v := range input {
		nk := normalizeKey(k)
		seen[nk] = true
		if _, ok := known[nk]; !ok && !schema.AllowUnknown {
			unknown = append(unknown, k)
		}
		if reqKey, ok := required[nk]; ok && isEmptyValue(v) {
			missing = append(missing, reqKey)
		}
		if values, ok := allowed[nk]; ok && !isEmptyValue(v) {
			if err := Choice(fmt.Sprint(v), k, values...); err != nil {
				invalid = append(invalid, err.Error())
			}
		}
	}
	for nk, reqKey := range required {
		if !seen[nk] {
			missing = append(missing, reqKey)
		}
	}

	if len(missing) == 0 && len(unknown) == 0 && len(invalid) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(unknown)
	sort.Strings(invalid)
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(missing, ", "))
	}
	if len(unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(unknown, ", "))
	}
	parts = append(parts, invalid...)
	return errors.New(strings.Join(parts, "; "))
}

// Choice checks value against a closed set, ignoring case and surrounding
// space.
func Choice(value, path string, choices ...string) error {
	v := strings.ToLower(strings.TrimSpace(value))
	for _, c := range choices {
		if v == strings.ToLower(c) {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of [%s], got %q", path, strings.Join(choices, ", "), value)
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val) == ""
	default:
		return false
	}
}
