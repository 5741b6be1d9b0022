package axis

import (
	"math/rand"
	"testing"
)

func TestSerialize_SortsKeys(t *testing.T) {
	c := Coordinate{
		"z":       Int(3),
		"time":    Int(1),
		"channel": String("GFP"),
	}
	got := string(Serialize(c))
	want := `{"channel":"GFP","time":1,"z":3}`
	if got != want {
		t.Errorf("Serialize() = %s, want %s", got, want)
	}
}

func TestSerialize_InvariantUnderKeyOrder(t *testing.T) {
	a := Coordinate{"a": Int(1), "b": String("x"), "c": Int(-5)}
	b := Coordinate{"c": Int(-5), "b": String("x"), "a": Int(1)}
	if string(Serialize(a)) != string(Serialize(b)) {
		t.Errorf("Serialize should be invariant under map iteration / input order")
	}
}

func TestRoundTrip(t *testing.T) {
	coords := []Coordinate{
		{},
		{"time": Int(0)},
		{"time": Int(-42), "channel": String("DAPI")},
		{"row": Int(-3), "column": Int(7)},
	}
	for _, c := range coords {
		data := Serialize(c)
		got, err := Deserialize(data)
		if err != nil {
			t.Fatalf("Deserialize(%s): %v", data, err)
		}
		if len(got) != len(c) {
			t.Fatalf("round trip changed axis count: got %v, want %v", got, c)
		}
		for k, v := range c {
			gv, ok := got[k]
			if !ok {
				t.Fatalf("round trip lost axis %q", k)
			}
			if gv.Kind() != v.Kind() {
				t.Fatalf("axis %q: kind changed", k)
			}
			if v.Kind() == KindInt && gv.Int32() != v.Int32() {
				t.Fatalf("axis %q: got %d, want %d", k, gv.Int32(), v.Int32())
			}
			if v.Kind() == KindString && gv.Str() != v.Str() {
				t.Fatalf("axis %q: got %q, want %q", k, gv.Str(), v.Str())
			}
		}
	}
}

func TestRoundTrip_Random(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for n := 0; n < 200; n++ {
		c := make(Coordinate)
		for i := 0; i < rng.Intn(6); i++ {
			name := string(rune('a' + i))
			if rng.Intn(2) == 0 {
				c[name] = Int(int32(rng.Intn(2000) - 1000))
			} else {
				c[name] = String("v" + string(rune('0'+rng.Intn(9))))
			}
		}
		data := Serialize(c)
		got, err := Deserialize(data)
		if err != nil {
			t.Fatalf("Deserialize(%s): %v", data, err)
		}
		if string(Serialize(got)) != string(data) {
			t.Errorf("round trip not stable: %s vs %s", Serialize(got), data)
		}
	}
}

func TestTypeTable_RejectsConflict(t *testing.T) {
	tt := NewTypeTable()
	if err := tt.Check(Coordinate{"time": Int(0)}); err != nil {
		t.Fatalf("first write should succeed: %v", err)
	}
	if err := tt.Check(Coordinate{"time": String("zero")}); err == nil {
		t.Fatalf("expected axis type conflict error")
	}
}

func TestSerialize_EscapesControlCharacters(t *testing.T) {
	c := Coordinate{"name": String("a\nb")}
	data := Serialize(c)
	got, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if got["name"].Str() != "a\nb" {
		t.Errorf("got %q, want %q", got["name"].Str(), "a\nb")
	}
}
