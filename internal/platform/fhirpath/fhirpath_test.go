package fhirpath

import "testing"

func TestCompileCachesExpression(t *testing.T) {
	e1, err := Compile("name.family")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	e2, err := Compile("name.family")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if e1 != e2 {
		t.Fatalf("expected cached expression to be reused")
	}
}

func TestEvaluateSimplePath(t *testing.T) {
	expr, err := Compile("name.family")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	resource := map[string]interface{}{
		"resourceType": "Patient",
		"name": []interface{}{
			map[string]interface{}{"family": "Doe"},
		},
	}
	col, err := expr.Evaluate(resource)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if col.Empty() {
		t.Fatalf("expected non-empty collection")
	}
	if col[0].Kind != KindString || col[0].Str != "Doe" {
		t.Fatalf("unexpected value: %+v", col[0])
	}
}

func TestEvaluateBoolEmptyCollectionIsFalse(t *testing.T) {
	expr, err := Compile("name.given")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	b, err := EvaluateBool(expr, map[string]interface{}{"resourceType": "Patient"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if b {
		t.Fatalf("expected false for empty collection")
	}
}
