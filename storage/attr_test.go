package storage

import (
	"testing"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
)

func stringAnyValue(s string) *commonpb.AnyValue {
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: s}}
}

func intAnyValue(i int64) *commonpb.AnyValue {
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: i}}
}

func doubleAnyValue(f float64) *commonpb.AnyValue {
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: f}}
}

func keyValue(key string, v *commonpb.AnyValue) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: key, Value: v}
}

func TestDecodeScalarValues(t *testing.T) {
	if got := DecodeValue(stringAnyValue("hello")); !got.Equal(StringValue("hello")) {
		t.Errorf("string decode: got %v", got)
	}
	if got := DecodeValue(intAnyValue(42)); !got.Equal(IntValue(42)) {
		t.Errorf("int decode: got %v", got)
	}
	if got := DecodeValue(doubleAnyValue(0.5)); !got.Equal(FloatValue(0.5)) {
		t.Errorf("double decode: got %v", got)
	}
	boolVal := &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: true}}
	if got := DecodeValue(boolVal); !got.Equal(BoolValue(true)) {
		t.Errorf("bool decode: got %v", got)
	}
	bytesVal := &commonpb.AnyValue{Value: &commonpb.AnyValue_BytesValue{BytesValue: []byte{1, 2, 3}}}
	if got := DecodeValue(bytesVal); !got.Equal(BytesValue([]byte{1, 2, 3})) {
		t.Errorf("bytes decode: got %v", got)
	}
}

func TestDecodeNilAndEmptyValues(t *testing.T) {
	if got := DecodeValue(nil); got.Kind != KindEmpty {
		t.Errorf("nil should decode to empty, got kind %d", got.Kind)
	}
	// An AnyValue with no variant set models a forward-incompatible shape.
	if got := DecodeValue(&commonpb.AnyValue{}); got.Kind != KindEmpty {
		t.Errorf("unset variant should decode to empty, got kind %d", got.Kind)
	}
}

func TestDecodeNestedValues(t *testing.T) {
	nested := &commonpb.AnyValue{Value: &commonpb.AnyValue_ArrayValue{
		ArrayValue: &commonpb.ArrayValue{Values: []*commonpb.AnyValue{
			stringAnyValue("a"),
			intAnyValue(1),
			{Value: &commonpb.AnyValue_KvlistValue{
				KvlistValue: &commonpb.KeyValueList{Values: []*commonpb.KeyValue{
					keyValue("inner", doubleAnyValue(2.5)),
				}},
			}},
		}},
	}}

	got := DecodeValue(nested)
	want := ArrayValue([]Value{
		StringValue("a"),
		IntValue(1),
		MapValue(map[string]Value{"inner": FloatValue(2.5)}),
	})
	if !got.Equal(want) {
		t.Errorf("nested decode mismatch: got %v, want %v", got, want)
	}
}

func TestDecodeKeyValuesLastKeyWins(t *testing.T) {
	attrs := DecodeKeyValues([]*commonpb.KeyValue{
		keyValue("k", stringAnyValue("first")),
		keyValue("other", intAnyValue(7)),
		keyValue("k", stringAnyValue("last")),
	})

	if len(attrs) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(attrs))
	}
	if got := attrs["k"]; !got.Equal(StringValue("last")) {
		t.Errorf("duplicate key should keep last occurrence, got %v", got)
	}
}

func TestAttrsJSONRoundTrip(t *testing.T) {
	attrs := Attrs{
		"str":   StringValue("hello"),
		"int":   IntValue(9007199254740993), // beyond float64 precision
		"float": FloatValue(0.25),
		"bool":  BoolValue(false),
		"list": ArrayValue([]Value{
			IntValue(1),
			ArrayValue([]Value{StringValue("deep")}),
		}),
		"map": MapValue(map[string]Value{
			"nested": MapValue(map[string]Value{"leaf": IntValue(3)}),
		}),
	}

	data, err := AttrsJSON(attrs)
	if err != nil {
		t.Fatalf("AttrsJSON failed: %v", err)
	}

	parsed, err := ParseAttrsJSON(data)
	if err != nil {
		t.Fatalf("ParseAttrsJSON failed: %v", err)
	}

	for key, want := range attrs {
		got, ok := parsed[key]
		if !ok {
			t.Errorf("key %q missing after round trip", key)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("key %q: got %v, want %v", key, got, want)
		}
	}
}

func TestAttrsJSONEmpty(t *testing.T) {
	data, err := AttrsJSON(nil)
	if err != nil {
		t.Fatalf("AttrsJSON failed: %v", err)
	}
	if data != "{}" {
		t.Errorf("expected {}, got %q", data)
	}

	parsed, err := ParseAttrsJSON("")
	if err != nil {
		t.Fatalf("ParseAttrsJSON failed: %v", err)
	}
	if len(parsed) != 0 {
		t.Errorf("expected empty attrs, got %v", parsed)
	}
}

func TestParseAttrsJSONNumberKinds(t *testing.T) {
	parsed, err := ParseAttrsJSON(`{"i": 5, "f": 5.0, "e": 1e3}`)
	if err != nil {
		t.Fatalf("ParseAttrsJSON failed: %v", err)
	}
	if parsed["i"].Kind != KindInt {
		t.Errorf("plain integer should parse as int, got kind %d", parsed["i"].Kind)
	}
	if parsed["f"].Kind != KindFloat {
		t.Errorf("fractional literal should parse as float, got kind %d", parsed["f"].Kind)
	}
	if parsed["e"].Kind != KindFloat {
		t.Errorf("exponent literal should parse as float, got kind %d", parsed["e"].Kind)
	}
}
