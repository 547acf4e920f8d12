package canonicalize

import (
	"errors"
	"strings"
	"testing"
)

func TestCanonical_SortsKeys(t *testing.T) {
	got, err := Canonical(map[string]any{"b": 1, "a": 2, "c": []int{3, 2, 1}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"a":2,"b":1,"c":[3,2,1]}`
	if string(got) != want {
		t.Errorf("canonical form = %s, want %s", got, want)
	}
}

func TestCanonical_NestedAndStructTags(t *testing.T) {
	type inner struct {
		Z string `json:"z"`
		A string `json:"a"`
	}
	type outer struct {
		Name  string `json:"name"`
		Inner inner  `json:"inner"`
		Skip  string `json:"-"`
	}
	got, err := Canonical(outer{Name: "x", Inner: inner{Z: "1", A: "2"}, Skip: "no"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"inner":{"a":"2","z":"1"},"name":"x"}`
	if string(got) != want {
		t.Errorf("canonical form = %s, want %s", got, want)
	}
}

func TestCanonical_NoHTMLEscaping(t *testing.T) {
	got, err := Canonical(map[string]string{"q": "a<b>&c"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(string(got), `<`) {
		t.Errorf("HTML escaping must be disabled, got %s", got)
	}
}

func TestCanonical_NumbersPreserved(t *testing.T) {
	got, err := Canonical(map[string]any{"n": 0.5, "m": 800})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"m":800,"n":0.5}`
	if string(got) != want {
		t.Errorf("canonical form = %s, want %s", got, want)
	}
}

func TestCanonical_RejectsUnrepresentable(t *testing.T) {
	_, err := Canonical(map[string]any{"ch": make(chan int)})
	if err == nil {
		t.Fatal("expected error for channel value")
	}
	var serr *ErrSerialization
	if !errors.As(err, &serr) {
		t.Errorf("expected ErrSerialization, got %T", err)
	}
}

func TestHash_StableAcrossKeyOrder(t *testing.T) {
	h1, err := Hash(map[string]any{"a": 1, "b": "two"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h2, err := Hash(map[string]any{"b": "two", "a": 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hash differs across key order: %s vs %s", h1, h2)
	}
	if len(h1) != 64 || strings.ToLower(h1) != h1 {
		t.Errorf("hash must be lowercase hex sha256, got %s", h1)
	}
}

func TestHashBytes_KnownVector(t *testing.T) {
	// sha256("") is the canonical empty-input vector.
	got := HashBytes(nil)
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got != want {
		t.Errorf("HashBytes(nil) = %s, want %s", got, want)
	}
}

func TestTransform_EquivalentFormatting(t *testing.T) {
	a, err := Transform([]byte("{\n  \"b\": 1,\n  \"a\": \"x\"\n}"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := Transform([]byte(`{"a":"x","b":1}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(a) != string(b) {
		t.Errorf("transforms differ: %s vs %s", a, b)
	}
}

func TestHashRaw_MatchesHashOfDecoded(t *testing.T) {
	raw := []byte(`{"beta": 2, "alpha": "one"}`)
	h1, err := HashRaw(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h2, err := Hash(map[string]any{"alpha": "one", "beta": 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h1 != h2 {
		t.Errorf("raw and decoded hashes differ: %s vs %s", h1, h2)
	}
}
