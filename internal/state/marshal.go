package state

import (
	"fmt"

	"github.com/roach88/entityevents/internal/value"
)

// marshalParameters converts parameters to canonical JSON TEXT for storage.
// Identical parameter sets always produce identical bytes.
func marshalParameters(params value.Object) (string, error) {
	if params == nil {
		params = value.Object{}
	}
	data, err := value.MarshalCanonical(params)
	if err != nil {
		return "", fmt.Errorf("marshal parameters: %w", err)
	}
	return string(data), nil
}

// unmarshalParameters parses canonical JSON TEXT back into an object.
// Large integers keep full precision (no float64 round-trip).
func unmarshalParameters(data string) (value.Object, error) {
	if data == "" || data == "{}" {
		return value.Object{}, nil
	}
	var obj value.Object
	if err := obj.UnmarshalJSON([]byte(data)); err != nil {
		return nil, fmt.Errorf("unmarshal parameters: %w", err)
	}
	return obj, nil
}

// nullableText maps an empty payload to SQL NULL.
func nullableText(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}

// marshalProperties stores a property bag as a JSON array of [key, value]
// pairs so the bag's insertion order survives. Keys missing from order
// follow in canonical order.
func marshalProperties(props value.Object, order []string) (string, error) {
	pairs := make(value.Array, 0, len(props))
	seen := make(map[string]bool, len(props))
	for _, k := range order {
		v, ok := props[k]
		if !ok || seen[k] {
			continue
		}
		seen[k] = true
		pairs = append(pairs, value.Array{value.String(k), v})
	}
	for _, k := range props.SortedKeys() {
		if !seen[k] {
			pairs = append(pairs, value.Array{value.String(k), props[k]})
		}
	}
	data, err := value.MarshalCanonical(pairs)
	if err != nil {
		return "", fmt.Errorf("marshal properties: %w", err)
	}
	return string(data), nil
}

// unmarshalProperties parses the pair array written by marshalProperties
// and returns the bag with its keys in stored order.
func unmarshalProperties(data string) (value.Object, []string, error) {
	if data == "" || data == "[]" {
		return value.Object{}, nil, nil
	}
	parsed, err := value.Parse([]byte(data))
	if err != nil {
		return nil, nil, fmt.Errorf("unmarshal properties: %w", err)
	}
	pairs, ok := parsed.(value.Array)
	if !ok {
		return nil, nil, fmt.Errorf("unmarshal properties: want an array of pairs")
	}
	props := make(value.Object, len(pairs))
	keys := make([]string, 0, len(pairs))
	for i, p := range pairs {
		pair, ok := p.(value.Array)
		if !ok || len(pair) != 2 {
			return nil, nil, fmt.Errorf("unmarshal properties: entry %d is not a pair", i)
		}
		key, ok := pair[0].(value.String)
		if !ok {
			return nil, nil, fmt.Errorf("unmarshal properties: entry %d has a non-string key", i)
		}
		if _, dup := props[string(key)]; !dup {
			keys = append(keys, string(key))
		}
		props[string(key)] = pair[1]
	}
	return props, keys, nil
}
