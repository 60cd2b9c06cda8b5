package storage

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
)

// Kind discriminates the variants of a decoded attribute Value.
type Kind uint8

const (
	KindEmpty Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindBytes
	KindArray
	KindMap
)

// Value is a decoded OTLP attribute value. Exactly one variant field is
// meaningful, selected by Kind. Using an explicit tag instead of `any`
// keeps every consumer switch exhaustively checkable.
type Value struct {
	Kind  Kind
	Str   string
	Int   int64
	Float float64
	Bool  bool
	Bytes []byte
	Array []Value
	Map   map[string]Value
}

// Attrs is a decoded attribute set keyed by attribute name.
type Attrs map[string]Value

func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }
func IntValue(i int64) Value     { return Value{Kind: KindInt, Int: i} }
func FloatValue(f float64) Value { return Value{Kind: KindFloat, Float: f} }
func BoolValue(b bool) Value     { return Value{Kind: KindBool, Bool: b} }
func BytesValue(b []byte) Value  { return Value{Kind: KindBytes, Bytes: b} }
func ArrayValue(v []Value) Value { return Value{Kind: KindArray, Array: v} }
func MapValue(m map[string]Value) Value {
	return Value{Kind: KindMap, Map: m}
}

// DecodeValue converts an OTLP AnyValue to a Value. It is total: a nil
// value or a variant added by a future OTLP revision decodes to an empty
// Value instead of failing, so schema evolution never aborts ingestion.
func DecodeValue(v *commonpb.AnyValue) Value {
	if v == nil {
		return Value{}
	}

	switch val := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return StringValue(val.StringValue)
	case *commonpb.AnyValue_IntValue:
		return IntValue(val.IntValue)
	case *commonpb.AnyValue_DoubleValue:
		return FloatValue(val.DoubleValue)
	case *commonpb.AnyValue_BoolValue:
		return BoolValue(val.BoolValue)
	case *commonpb.AnyValue_BytesValue:
		return BytesValue(val.BytesValue)
	case *commonpb.AnyValue_ArrayValue:
		if val.ArrayValue == nil {
			return Value{Kind: KindArray}
		}
		arr := make([]Value, len(val.ArrayValue.Values))
		for i, elem := range val.ArrayValue.Values {
			arr[i] = DecodeValue(elem)
		}
		return ArrayValue(arr)
	case *commonpb.AnyValue_KvlistValue:
		if val.KvlistValue == nil {
			return Value{Kind: KindMap}
		}
		return MapValue(DecodeKeyValues(val.KvlistValue.Values))
	default:
		return Value{}
	}
}

// DecodeKeyValues converts an ordered OTLP KeyValue list to an attribute
// map. On duplicate keys the last occurrence wins.
func DecodeKeyValues(kvs []*commonpb.KeyValue) Attrs {
	m := make(Attrs, len(kvs))
	for _, kv := range kvs {
		m[kv.GetKey()] = DecodeValue(kv.GetValue())
	}
	return m
}

// --- JSON persistence ---
//
// Attributes are stored as natural JSON so the database stays inspectable
// with plain SQL (json_extract) and the read API can emit them verbatim.
// Bytes values persist as base64 strings, matching the OTLP JSON encoding;
// they re-read as strings.

// MarshalJSON emits the natural JSON form of the value.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindEmpty:
		return []byte("null"), nil
	case KindString:
		return json.Marshal(v.Str)
	case KindInt:
		return json.Marshal(v.Int)
	case KindFloat:
		return json.Marshal(v.Float)
	case KindBool:
		return json.Marshal(v.Bool)
	case KindBytes:
		return json.Marshal(base64.StdEncoding.EncodeToString(v.Bytes))
	case KindArray:
		if v.Array == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.Array)
	case KindMap:
		if v.Map == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.Map)
	default:
		return nil, fmt.Errorf("unknown value kind %d", v.Kind)
	}
}

// AttrsJSON serializes an attribute map to its stored JSON form.
func AttrsJSON(attrs Attrs) (string, error) {
	if len(attrs) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("failed to marshal attributes: %w", err)
	}
	return string(b), nil
}

// ParseAttrsJSON parses a stored attributes_json column back into an
// attribute map. Numbers without a fraction or exponent come back as
// KindInt so integer attributes survive a store round trip.
func ParseAttrsJSON(data string) (Attrs, error) {
	if data == "" {
		return Attrs{}, nil
	}
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to parse attributes json: %w", err)
	}

	attrs := make(Attrs, len(raw))
	for k, v := range raw {
		attrs[k] = valueFromJSON(v)
	}
	return attrs, nil
}

func valueFromJSON(v any) Value {
	switch val := v.(type) {
	case nil:
		return Value{}
	case string:
		return StringValue(val)
	case bool:
		return BoolValue(val)
	case json.Number:
		s := val.String()
		if !strings.ContainsAny(s, ".eE") {
			if i, err := val.Int64(); err == nil {
				return IntValue(i)
			}
		}
		f, _ := val.Float64()
		return FloatValue(f)
	case []any:
		arr := make([]Value, len(val))
		for i, elem := range val {
			arr[i] = valueFromJSON(elem)
		}
		return ArrayValue(arr)
	case map[string]any:
		m := make(map[string]Value, len(val))
		for k, elem := range val {
			m[k] = valueFromJSON(elem)
		}
		return MapValue(m)
	default:
		return Value{}
	}
}

// Equal reports structural equality of two values.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindEmpty:
		return true
	case KindString:
		return v.Str == other.Str
	case KindInt:
		return v.Int == other.Int
	case KindFloat:
		return v.Float == other.Float
	case KindBool:
		return v.Bool == other.Bool
	case KindBytes:
		return bytes.Equal(v.Bytes, other.Bytes)
	case KindArray:
		if len(v.Array) != len(other.Array) {
			return false
		}
		for i := range v.Array {
			if !v.Array[i].Equal(other.Array[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.Map) != len(other.Map) {
			return false
		}
		for k, elem := range v.Map {
			o, ok := other.Map[k]
			if !ok || !elem.Equal(o) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// String returns a readable rendering for logs and error messages.
func (v Value) String() string {
	switch v.Kind {
	case KindEmpty:
		return "<empty>"
	case KindString:
		return v.Str
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindFloat:
		return fmt.Sprintf("%g", v.Float)
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindBytes:
		return base64.StdEncoding.EncodeToString(v.Bytes)
	case KindArray:
		parts := make([]string, len(v.Array))
		for i, elem := range v.Array {
			parts[i] = elem.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindMap:
		keys := make([]string, 0, len(v.Map))
		for k := range v.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "=" + v.Map[k].String()
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return "<unknown>"
	}
}
