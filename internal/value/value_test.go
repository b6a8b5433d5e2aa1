package value

import "testing"

func TestMapKeyStringAndKeywordAreDistinct(t *testing.T) {
	m := Map(map[MapKey]Value{
		StringKey("name"):  String("alice"),
		KeywordKey("name"): String("bob"),
	})
	if len(m.Map) != 2 {
		t.Fatalf("expected 2 distinct entries, got %d", len(m.Map))
	}
	s, ok := m.Get(StringKey("name"))
	if !ok || s.Str != "alice" {
		t.Fatalf("string-key lookup: got %v, ok=%v", s, ok)
	}
	k, ok := m.Get(KeywordKey("name"))
	if !ok || k.Str != "bob" {
		t.Fatalf("keyword-key lookup: got %v, ok=%v", k, ok)
	}
}

func TestTruthy(t *testing.T) {
	cases := []struct {
		v    Value
		want bool
	}{
		{Nil, false},
		{Bool(false), false},
		{Bool(true), true},
		{Int(0), true},
		{String(""), true},
		{Vector(nil), true},
	}
	for _, c := range cases {
		if got := c.v.Truthy(); got != c.want {
			t.Errorf("Truthy(%v) = %v, want %v", c.v, got, c.want)
		}
	}
}

func TestWithEntryDoesNotMutateOriginal(t *testing.T) {
	orig := Map(map[MapKey]Value{StringKey("a"): Int(1)})
	updated := orig.WithEntry(StringKey("b"), Int(2))

	if len(orig.Map) != 1 {
		t.Fatalf("original map mutated: now has %d entries", len(orig.Map))
	}
	if len(updated.Map) != 2 {
		t.Fatalf("updated map should have 2 entries, got %d", len(updated.Map))
	}
}

func TestEqualDeep(t *testing.T) {
	a := Vector([]Value{Int(1), String("x"), Map(map[MapKey]Value{KeywordKey("k"): Bool(true)})})
	b := Vector([]Value{Int(1), String("x"), Map(map[MapKey]Value{KeywordKey("k"): Bool(true)})})
	if !Equal(a, b) {
		t.Fatal("expected deep-equal vectors to be Equal")
	}
	c := Vector([]Value{Int(1), String("x"), Map(map[MapKey]Value{KeywordKey("k"): Bool(false)})})
	if Equal(a, c) {
		t.Fatal("expected vectors differing in nested map value to be unequal")
	}
}
