package runtimeconfig

import "testing"

func TestSameJSONTypeAcceptsMatchingTypes(t *testing.T) {
	cases := []struct {
		a, b interface{}
	}{
		{true, false},
		{float64(1), float64(2)},
		{"a", "b"},
		{[]interface{}{1.0}, []interface{}{2.0, 3.0}},
		{map[string]interface{}{"x": 1.0}, map[string]interface{}{"y": 2.0}},
	}
	for _, c := range cases {
		if !sameJSONType(c.a, c.b) {
			t.Errorf("sameJSONType(%#v, %#v) = false, want true", c.a, c.b)
		}
	}
}

func TestSameJSONTypeRejectsMismatchedTypes(t *testing.T) {
	if sameJSONType(true, "true") {
		t.Error("expected bool default to reject a string value")
	}
	if sameJSONType(float64(4), true) {
		t.Error("expected numeric default to reject a bool value")
	}
	if sameJSONType("x", float64(1)) {
		t.Error("expected string default to reject a numeric value")
	}
}

func TestSameJSONTypeNilDefaultAcceptsAnything(t *testing.T) {
	if !sameJSONType(nil, "anything") {
		t.Error("expected a nil default to accept any value type")
	}
}

func TestNullableStringTreatsEmptyAsNil(t *testing.T) {
	if got := nullableString(""); got != nil {
		t.Errorf("nullableString(\"\") = %v, want nil", got)
	}
	if got := nullableString("alice"); got != "alice" {
		t.Errorf("nullableString(\"alice\") = %v, want alice", got)
	}
}
