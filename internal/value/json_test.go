package value

import "testing"

func TestJSONRoundTripPreservesIntFloatDistinction(t *testing.T) {
	orig := Map(map[MapKey]Value{
		StringKey("count"): Int(42),
		StringKey("ratio"): Float(0.5),
		StringKey("tags"):  Vector([]Value{String("a"), String("b")}),
		StringKey("ok"):    Bool(true),
		StringKey("none"):  Nil,
	})

	data, err := Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	count, _ := got.Get(StringKey("count"))
	if count.Kind != KindInt || count.Int != 42 {
		t.Errorf("count round-tripped as %v, want Int(42)", count)
	}
	ratio, _ := got.Get(StringKey("ratio"))
	if ratio.Kind != KindFloat || ratio.Float != 0.5 {
		t.Errorf("ratio round-tripped as %v, want Float(0.5)", ratio)
	}
	tags, _ := got.Get(StringKey("tags"))
	if tags.Kind != KindVector || len(tags.Vector) != 2 {
		t.Errorf("tags round-tripped as %v", tags)
	}
	ok, _ := got.Get(StringKey("ok"))
	if ok.Kind != KindBool || !ok.Bool {
		t.Errorf("ok round-tripped as %v, want Bool(true)", ok)
	}
	none, _ := got.Get(StringKey("none"))
	if none.Kind != KindNil {
		t.Errorf("none round-tripped as %v, want Nil", none)
	}
}

func TestJSONIntegerVsFloatLiteralDetection(t *testing.T) {
	v, err := Unmarshal([]byte(`[1, 1.0, 1e2, -3]`))
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(v.Vector) != 4 {
		t.Fatalf("expected 4 elements, got %d", len(v.Vector))
	}
	if v.Vector[0].Kind != KindInt {
		t.Errorf("literal 1 should decode as KindInt, got %s", v.Vector[0].Kind)
	}
	if v.Vector[1].Kind != KindFloat {
		t.Errorf("literal 1.0 should decode as KindFloat, got %s", v.Vector[1].Kind)
	}
	if v.Vector[2].Kind != KindFloat {
		t.Errorf("literal 1e2 should decode as KindFloat, got %s", v.Vector[2].Kind)
	}
	if v.Vector[3].Kind != KindInt {
		t.Errorf("literal -3 should decode as KindInt, got %s", v.Vector[3].Kind)
	}
}
