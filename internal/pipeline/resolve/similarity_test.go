package resolve

import (
	"math"
	"testing"
)

func TestTokenOverlap(t *testing.T) {
	cases := []struct {
		a, b []string
		want float64
	}{
		{[]string{"acme"}, []string{"acme"}, 1},
		{[]string{"supplier"}, []string{"supplier", "incorporated"}, 1},
		{[]string{"steel", "rod"}, []string{"steel", "pipe"}, 0.5},
		{[]string{"alpha"}, []string{"beta"}, 0},
		{nil, []string{"beta"}, 0},
	}
	for _, tc := range cases {
		if got := TokenOverlap(tc.a, tc.b); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("TokenOverlap(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestJaroWinkler(t *testing.T) {
	if got := JaroWinkler("acme", "acme"); got != 1 {
		t.Errorf("identical strings should score 1, got %v", got)
	}
	if got := JaroWinkler("acme", "zzzz"); got != 0 {
		t.Errorf("disjoint strings should score 0, got %v", got)
	}
	if got := JaroWinkler("", ""); got != 1 {
		t.Errorf("two empty strings should score 1, got %v", got)
	}
	if got := JaroWinkler("acme", ""); got != 0 {
		t.Errorf("one empty string should score 0, got %v", got)
	}
	near := JaroWinkler("supplier", "supplier incorporated")
	if near <= 0.8 || near >= 1 {
		t.Errorf("prefix-sharing strings should score high, got %v", near)
	}
	// Winkler prefix boost: shared prefix must outrank a same-distance
	// suffix variation.
	if JaroWinkler("martha", "marhta") <= JaroWinkler("martha", "amrtha") {
		t.Errorf("prefix boost missing")
	}
}

func TestNameScoreReviewBand(t *testing.T) {
	// "Supplier Inc" strips to "supplier"; "Supplier Incorporated" keeps its
	// second token. The composite must land inside [0.75, 0.95).
	composite, overlap, edit := NameScore(NormalizeKey("Supplier Inc"), NormalizeKey("Supplier Incorporated"))
	if overlap != 1 {
		t.Fatalf("token containment should be 1, got %v", overlap)
	}
	if edit <= 0.8 {
		t.Fatalf("edit similarity unexpectedly low: %v", edit)
	}
	if composite < 0.75 || composite >= 0.95 {
		t.Fatalf("composite %v outside the review band", composite)
	}
}

func TestNameScoreCeiling(t *testing.T) {
	// Name evidence alone cannot reach the auto-match band.
	composite, _, _ := NameScore("acme", "acme")
	if composite >= 0.95 {
		t.Fatalf("name-only composite must stay below auto threshold, got %v", composite)
	}
	if composite != weightTokenOverlap+weightEditSimilarity {
		t.Fatalf("identical keys should hit the name ceiling, got %v", composite)
	}
}
