package changelog

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/edgeflare/repcore/pkg/replica"
)

// NormalizeKey stringifies a row-key tuple in sorted column-name order, so
// that logically identical keys produce byte-identical rowKey strings
// regardless of the producer's column order (spec §3, §4.3; testable
// property "Normalized keys").
//
// encoding/json already renders map[string]any keys in sorted order, so the
// normalization here is about the *value* conventions (bytes as base64
// text, everything else as its natural JSON scalar), not about re-deriving
// sort order ourselves.
func NormalizeKey(key replica.Row) (string, error) {
	if len(key) == 0 {
		return "", nil
	}

	names := make([]string, 0, len(key))
	for name := range key {
		names = append(names, name)
	}
	sort.Strings(names)

	obj := make(map[string]any, len(key))
	for _, name := range names {
		v, err := nativeValue(key[name])
		if err != nil {
			return "", fmt.Errorf("changelog: normalize key column %s: %w", name, err)
		}
		obj[name] = v
	}

	b, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("changelog: normalize key: %w", err)
	}
	return string(b), nil
}

func nativeValue(v replica.Value) (any, error) {
	switch v.Kind() {
	case replica.KindNull:
		return nil, nil
	case replica.KindInt64:
		return v.Int64Value(), nil
	case replica.KindFloat64:
		return v.Float64Value(), nil
	case replica.KindText:
		return v.TextValue(), nil
	case replica.KindBytes:
		return base64.StdEncoding.EncodeToString(v.BytesValue()), nil
	default:
		return nil, fmt.Errorf("unsupported key value kind %v", v.Kind())
	}
}
