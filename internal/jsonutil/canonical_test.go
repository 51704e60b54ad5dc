package jsonutil

import "testing"

func TestCanonical_SortsKeysRegardlessOfInputOrder(t *testing.T) {
	a, err := Canonical(map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatal(err)
	}
	bCanon, err := Canonical(map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatal(err)
	}
	if a != bCanon {
		t.Fatalf("expected matching fingerprints, got %q and %q", a, bCanon)
	}
	if a != `{"a":1,"b":2}` {
		t.Fatalf("unexpected canonical form: %q", a)
	}
}

func TestCanonical_NestedMapsSortRecursively(t *testing.T) {
	got, err := Canonical(map[string]any{
		"outer": map[string]any{"z": 1, "y": 2},
		"list":  []any{map[string]any{"b": 1, "a": 2}},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"list":[{"a":2,"b":1}],"outer":{"y":2,"z":1}}`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
