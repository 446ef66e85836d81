package resolve

import (
	"reflect"
	"testing"
)

func TestNormalizeKey(t *testing.T) {
	cases := map[string]string{
		"O'Reilly & Sons":        "oreilly sons",
		"ACME Corp":              "acme",
		"Acme Corp.":             "acme",
		"  Müller   GmbH ":       "müller",
		"Supplier Inc":           "supplier",
		"Supplier Incorporated":  "supplier incorporated",
		"Böhm-Werke AG":          "böhm werke",
		"Steel & Pipe Co Ltd":    "steel pipe",
		"Inc":                    "inc",
		"Co Ltd":                 "co",
		"Widget (Industrial) #4": "widget industrial 4",
	}
	for input, want := range cases {
		if got := NormalizeKey(input); got != want {
			t.Errorf("NormalizeKey(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestNormalizeKeySameKeyDifferentRaw(t *testing.T) {
	if NormalizeKey("ACME, Inc.") != NormalizeKey("Acme Inc") {
		t.Fatalf("punctuation variants must share a key")
	}
}

func TestTokensAndShingles(t *testing.T) {
	if got := Tokens("oreilly sons"); !reflect.DeepEqual(got, []string{"oreilly", "sons"}) {
		t.Fatalf("Tokens = %v", got)
	}
	shingles := Shingles("acme")
	want := map[string]bool{"acme": true, "acm": true, "cme": true}
	if len(shingles) != len(want) {
		t.Fatalf("Shingles(acme) = %v", shingles)
	}
	for _, s := range shingles {
		if !want[s] {
			t.Fatalf("unexpected shingle %q", s)
		}
	}
	// Short tokens still emit themselves even without a full trigram.
	if got := Shingles("ab cd"); len(got) != 2 {
		t.Fatalf("Shingles(ab cd) = %v", got)
	}
}

func TestShinglesDeduplicate(t *testing.T) {
	shingles := Shingles("aaa aaa")
	if len(shingles) != 1 || shingles[0] != "aaa" {
		t.Fatalf("Shingles(aaa aaa) = %v", shingles)
	}
}
