package kaiku

import "testing"

func TestValueScalars(t *testing.T) {
	cases := []struct {
		v      Value
		kind   ValueKind
		truthy bool
	}{
		{Null(), KindNull, false},
		{BoolValue(true), KindBool, true},
		{BoolValue(false), KindBool, false},
		{NumberValue(1.5), KindNumber, true},
		{NumberValue(0), KindNumber, false},
		{IntValue(42), KindNumber, true},
		{StringValue("x"), KindString, true},
		{StringValue(""), KindString, false},
		{ArrayValue(), KindArray, true},
		{ObjectValue(), KindObject, true},
	}
	for i, c := range cases {
		if c.v.Kind() != c.kind {
			t.Errorf("case %d: kind = %v, want %v", i, c.v.Kind(), c.kind)
		}
		if c.v.Truthy() != c.truthy {
			t.Errorf("case %d: truthy = %v, want %v", i, c.v.Truthy(), c.truthy)
		}
	}

	if IntValue(42).Int64() != 42 {
		t.Error("Int64 round trip failed")
	}
	if StringValue("pong").Str() != "pong" {
		t.Error("Str round trip failed")
	}
}

func TestValueObjectKeepsInsertionOrder(t *testing.T) {
	v := ObjectValue()
	v.Set("b", IntValue(2))
	v.Set("a", IntValue(1))
	v.Set("c", IntValue(3))
	v.Set("a", IntValue(9)) // overwrite keeps position

	keys := v.Keys()
	want := []string{"b", "a", "c"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys = %v, want %v", keys, want)
		}
	}
	if v.Get("a").Int64() != 9 {
		t.Error("overwrite should replace the value")
	}
	if !v.Get("missing").IsNull() {
		t.Error("missing key should read as null")
	}
}

func TestValueArray(t *testing.T) {
	v := ArrayValue(IntValue(1), IntValue(2))
	v.Append(IntValue(3))
	if v.Len() != 3 {
		t.Fatalf("len = %d, want 3", v.Len())
	}
	if v.Index(2).Int64() != 3 {
		t.Error("append did not land at the end")
	}
	if !v.Index(5).IsNull() {
		t.Error("out of range index should read as null")
	}
}

func TestValueString(t *testing.T) {
	v := ObjectValue()
	v.Set("name", StringValue("clip"))
	v.Set("count", IntValue(2))
	v.Set("peaks", ArrayValue(NumberValue(0.5), NumberValue(1)))
	if got, want := v.String(), `{"name":"clip","count":2,"peaks":[0.5,1]}`; got != want {
		t.Errorf("encoded = %s, want %s", got, want)
	}
}
