// ============================================================================
// Stork Ad - attribute tree messages
// ============================================================================
//
// Package: pkg/ad
// File: ad.go
// Purpose: Generic attribute tree exchanged between clients and the scheduler
//
// Shape:
//   An Ad is a JSON-like map. Values are strings, numbers, bools, nested Ads
//   and lists. Numbers decoded from the wire arrive as float64, so the typed
//   getters accept every numeric kind.
//
// Wire format:
//   ToStruct/FromStruct convert to google.protobuf.Struct for the gRPC
//   transport; the WebSocket transport uses plain JSON.
//
// ============================================================================

package ad

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"
)

// Ad is a generic attribute tree.
type Ad map[string]any

// New returns an empty ad.
func New() Ad {
	return make(Ad)
}

// Of builds an ad from alternating key/value pairs.
// A trailing key without a value is ignored.
func Of(kv ...any) Ad {
	a := make(Ad, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		a[k] = kv[i+1]
	}
	return a
}

// Has reports whether key is present.
func (a Ad) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// Get returns the string form of key, or def when missing.
func (a Ad) Get(key string, def ...string) string {
	v, ok := a[key]
	if !ok || v == nil {
		if len(def) > 0 {
			return def[0]
		}
		return ""
	}
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// GetInt returns key as an int, or def when missing or not numeric.
func (a Ad) GetInt(key string, def int) int {
	v, ok := a[key]
	if !ok {
		return def
	}
	switch x := v.(type) {
	case int:
		return x
	case int32:
		return int(x)
	case int64:
		return int(x)
	case float64:
		return int(x)
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return def
		}
		return int(n)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return def
		}
		return n
	}
	return def
}

// GetBool returns key as a bool. Strings "true"/"1"/"yes" count as true.
func (a Ad) GetBool(key string) bool {
	switch x := a[key].(type) {
	case bool:
		return x
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "1", "yes", "on":
			return true
		}
	case float64:
		return x != 0
	case int:
		return x != 0
	}
	return false
}

// GetAd returns a nested ad, or nil when key does not hold one.
func (a Ad) GetAd(key string) Ad {
	switch x := a[key].(type) {
	case Ad:
		return x
	case map[string]any:
		return Ad(x)
	}
	return nil
}

// Put sets key and returns the ad for chaining.
func (a Ad) Put(key string, v any) Ad {
	a[key] = v
	return a
}

// Remove deletes key and returns its previous value.
func (a Ad) Remove(key string) any {
	v := a[key]
	delete(a, key)
	return v
}

// Merge copies every key of other into a, overwriting.
func (a Ad) Merge(other Ad) Ad {
	for k, v := range other {
		a[k] = v
	}
	return a
}

// Clone returns a deep copy of the ad.
func (a Ad) Clone() Ad {
	if a == nil {
		return nil
	}
	out := make(Ad, len(a))
	for k, v := range a {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case Ad:
		return x.Clone()
	case map[string]any:
		return Ad(x).Clone()
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	case []Ad:
		out := make([]any, len(x))
		for i := range x {
			out[i] = x[i].Clone()
		}
		return out
	case []string:
		return append([]string(nil), x...)
	}
	return v
}

// ToStruct converts the ad to a protobuf Struct.
func (a Ad) ToStruct() (*structpb.Struct, error) {
	fields, err := normalize(map[string]any(a))
	if err != nil {
		return nil, err
	}
	s, err := structpb.NewStruct(fields.(map[string]any))
	if err != nil {
		return nil, fmt.Errorf("convert ad: %w", err)
	}
	return s, nil
}

// FromStruct converts a protobuf Struct into an ad.
func FromStruct(s *structpb.Struct) Ad {
	if s == nil {
		return New()
	}
	return fromMap(s.AsMap())
}

// FromJSON decodes a JSON object into an ad.
func FromJSON(data []byte) (Ad, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode ad: %w", err)
	}
	return fromMap(m), nil
}

// String renders the ad as compact JSON.
func (a Ad) String() string {
	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Sprintf("ad<%v>", err)
	}
	return string(b)
}

func fromMap(m map[string]any) Ad {
	out := make(Ad, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = fromMap(nested)
			continue
		}
		if list, ok := v.([]any); ok {
			items := make([]any, len(list))
			for i, item := range list {
				if nested, ok := item.(map[string]any); ok {
					items[i] = fromMap(nested)
				} else {
					items[i] = item
				}
			}
			out[k] = items
			continue
		}
		out[k] = v
	}
	return out
}

// normalize rewrites typed containers into the shapes structpb accepts.
func normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, string, float64, float32, int, int32, int64, uint, uint32, uint64:
		return x, nil
	case Ad:
		return normalize(map[string]any(x))
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			n, err := normalize(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = n
		}
		return out, nil
	case map[string]string:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = item
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			n, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case []Ad:
		out := make([]any, len(x))
		for i, item := range x {
			n, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case []string:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = item
		}
		return out, nil
	}
	// Anything else goes through JSON.
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("unsupported ad value %T: %w", v, err)
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil, err
	}
	return generic, nil
}
