package hsg

import "testing"

func TestSimhashDeterministic(t *testing.T) {
	a := Simhash("the quick brown fox jumps over the lazy dog")
	b := Simhash("the quick brown fox jumps over the lazy dog")
	if a != b {
		t.Fatalf("same text hashed differently: %s vs %s", a, b)
	}
}

func TestSimhashLength(t *testing.T) {
	h := Simhash("hello world")
	if len(h) != 16 {
		t.Fatalf("expected 16 hex chars, got %d (%s)", len(h), h)
	}
	for _, c := range h {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			t.Fatalf("non-hex character %q in %s", c, h)
		}
	}
}

func TestSimhashDistinguishesTexts(t *testing.T) {
	a := Simhash("deploy the billing service to staging")
	b := Simhash("grandma's lasagna recipe with extra basil")
	if a == b {
		t.Fatalf("unrelated texts collided: %s", a)
	}
}

func TestSimhashSimilarTextsShareBits(t *testing.T) {
	a := Simhash("the quick brown fox jumps over the lazy dog")
	b := Simhash("the quick brown fox jumps over the lazy cat")
	c := Simhash("completely unrelated quarterly revenue figures")

	if d1, d2 := hammingHex(a, b), hammingHex(a, c); d1 >= d2 {
		t.Errorf("similar texts (distance %d) should be closer than unrelated (%d)", d1, d2)
	}
}

func TestSimhashEmpty(t *testing.T) {
	if h := Simhash(""); len(h) != 16 {
		t.Fatalf("empty text should still hash to 16 chars, got %q", h)
	}
}

func hammingHex(a, b string) int {
	d := 0
	for i := 0; i < len(a) && i < len(b); i++ {
		x := hexVal(a[i]) ^ hexVal(b[i])
		for x != 0 {
			d += int(x & 1)
			x >>= 1
		}
	}
	return d
}

func hexVal(c byte) byte {
	if c >= 'a' {
		return c - 'a' + 10
	}
	return c - '0'
}
