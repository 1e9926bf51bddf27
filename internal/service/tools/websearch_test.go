package tools

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNormalizeResultsFieldSpellings(t *testing.T) {
	raw := `{"results":[
		{"title":"Fed holds rates","link":"https://example.com/fed","description":"FOMC statement"},
		{"title":"Earnings recap","url":"https://example.com/earnings","snippet":"Q2 beat"},
		{"title":"","url":""}
	]}`
	got := normalizeResults(raw, "web_search")
	if len(got) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(got))
	}
	if got[0].URL != "https://example.com/fed" || got[0].Snippet != "FOMC statement" {
		t.Fatalf("link/description not normalized: %+v", got[0])
	}
	if got[1].Snippet != "Q2 beat" {
		t.Fatalf("snippet lost: %+v", got[1])
	}
	for _, s := range got {
		if s.Provider != "web_search" {
			t.Fatalf("provenance = %q", s.Provider)
		}
	}
}

func TestNormalizeResultsBareArray(t *testing.T) {
	raw := `[{"title":"10-K filing","url":"https://example.com/10k"}]`
	got := normalizeResults(raw, "financial_search")
	if len(got) != 1 || got[0].Title != "10-K filing" {
		t.Fatalf("bare array not handled: %+v", got)
	}
}

func TestEncodeSourcesNeverNull(t *testing.T) {
	var decoded map[string][]SourceResult
	if err := json.Unmarshal([]byte(encodeSources(nil)), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["sources"] == nil {
		t.Fatal("sources must encode as an empty list, not null")
	}
}

func TestToolRateLimiter(t *testing.T) {
	l := newToolRateLimiter(2, time.Minute)
	if !l.Allow("s1") || !l.Allow("s1") {
		t.Fatal("first two calls should pass")
	}
	if l.Allow("s1") {
		t.Fatal("third call inside the window should be denied")
	}
	if !l.Allow("s2") {
		t.Fatal("limits are per key")
	}
}
