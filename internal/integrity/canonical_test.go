package integrity

import (
	"encoding/json"
	"testing"
)

func TestCanonicalKeyOrdering(t *testing.T) {
	v := map[string]any{
		"zebra": 1,
		"apple": 2,
		"mango": 3,
	}
	got, err := Canonical(v)
	if err != nil {
		t.Fatalf("Canonical() error = %v", err)
	}
	want := `{"apple":2,"mango":3,"zebra":1}`
	if string(got) != want {
		t.Errorf("Canonical() = %s, want %s", got, want)
	}
}

func TestCanonicalNoWhitespace(t *testing.T) {
	v := map[string]any{"a": []any{1, 2, 3}}
	got, err := Canonical(v)
	if err != nil {
		t.Fatalf("Canonical() error = %v", err)
	}
	want := `{"a":[1,2,3]}`
	if string(got) != want {
		t.Errorf("Canonical() = %s, want %s", got, want)
	}
}

func TestCanonicalNFCNormalization(t *testing.T) {
	// "e" + combining acute accent (NFD) should canonicalize the same as
	// the single precomposed "é" (NFC).
	nfd := "é"
	nfc := "é"

	gotNFD, err := Canonical(map[string]any{"v": nfd})
	if err != nil {
		t.Fatalf("Canonical() error = %v", err)
	}
	gotNFC, err := Canonical(map[string]any{"v": nfc})
	if err != nil {
		t.Fatalf("Canonical() error = %v", err)
	}
	if string(gotNFD) != string(gotNFC) {
		t.Errorf("NFD canonical = %s, NFC canonical = %s, want equal", gotNFD, gotNFC)
	}
}

func TestCanonicalIdempotence(t *testing.T) {
	v := map[string]any{
		"nested": map[string]any{"b": 2, "a": 1},
		"list":   []any{3, 1, 2},
		"str":    "hello",
		"num":    float64(1.5),
	}

	first, err := Canonical(v)
	if err != nil {
		t.Fatalf("Canonical() error = %v", err)
	}

	var reparsed any
	if err := json.Unmarshal(first, &reparsed); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}

	second, err := Canonical(reparsed)
	if err != nil {
		t.Fatalf("Canonical() second pass error = %v", err)
	}
	if string(first) != string(second) {
		t.Errorf("canonical(parse(canonical(v))) != canonical(v):\n  first:  %s\n  second: %s", first, second)
	}
}

func TestCanonicalNumberShortestForm(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want string
	}{
		{"integer float", 42.0, "42"},
		{"negative integer", -7.0, "-7"},
		{"fraction", 1.5, "1.5"},
		{"zero", 0.0, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonical(tt.in)
			if err != nil {
				t.Fatalf("Canonical() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Canonical(%v) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestCanonicalRejectsUnsupportedType(t *testing.T) {
	type weird struct{}
	if _, err := Canonical(weird{}); err == nil {
		t.Error("Canonical() error = nil, want error for unsupported type")
	}
}
