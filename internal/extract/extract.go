// Package extract derives citation and artifact references from stored
// message parts. Everything here is a pure function of its input: the
// same part list always produces the same marker mapping and the same
// artifact occurrence order, which is what lets the report path rebuild
// the live numbering from persisted data alone.
package extract

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"finchatgo/internal/models"
)

// Source is one cited reference with its provenance.
type Source struct {
	Ordinal  int      `json:"ordinal"`
	Title    string   `json:"title"`
	URL      string   `json:"url"`
	Snippet  string   `json:"snippet,omitempty"`
	Authors  []string `json:"authors,omitempty"`
	Date     string   `json:"date,omitempty"`
	DOI      string   `json:"doi,omitempty"`
	Provider string   `json:"provider,omitempty"`
	Score    float64  `json:"score,omitempty"`
}

type ArtifactKind string

const (
	ArtifactChart ArtifactKind = "chart"
	ArtifactCSV   ArtifactKind = "csv"
)

// ArtifactRef is one inline chart/CSV reference found in text. Start and
// End delimit the whole markdown marker within the scanned string.
type ArtifactRef struct {
	Kind  ArtifactKind
	ID    string
	Start int
	End   int
}

// Extraction is the full derived view of one message (or one report).
type Extraction struct {
	// Markers maps a marker string ("[3]") to its source records. More
	// than one entry appears only when an ordinal is legitimately shared.
	Markers map[string][]Source
	// Order lists marker strings in first-appearance order in the text.
	Order []string
	// Artifacts lists chart/CSV references over the concatenated text
	// parts, in occurrence order.
	Artifacts []ArtifactRef
	// Unresolved lists markers present in text with no backing source.
	// They render as plain text; the client may badge them.
	Unresolved []string
}

var (
	markerPattern   = regexp.MustCompile(`\[(\d+(?:\s*,\s*\d+)*)\]`)
	artifactPattern = regexp.MustCompile(`!\[[^\]\n]*\]\((chart|csv):([0-9a-fA-F-]{36})\)`)
)

// Run scans the given parts. Text parts contribute citation markers and
// artifact references; tool-result parts contribute source records with
// ordinals assigned strictly in first-appearance order. Tool results
// whose payload is not parseable JSON are skipped without aborting.
func Run(parts []models.Part) Extraction {
	ext := Extraction{Markers: make(map[string][]Source)}

	var text strings.Builder
	for _, p := range parts {
		if p.Type == models.PartText {
			text.WriteString(p.Text)
		}
	}
	prose := text.String()

	// Ordinals come from tool results in stored part order, never from
	// arrival time or relevance.
	next := 1
	seen := make(map[string]int) // url+title -> ordinal
	byOrdinal := make(map[int][]Source)
	for _, p := range parts {
		if p.Type != models.PartToolResult {
			continue
		}
		for _, src := range parseSources(p.Output, p.ToolName) {
			key := src.URL + "\x00" + src.Title
			ord, ok := seen[key]
			if !ok {
				ord = next
				next++
				seen[key] = ord
			}
			src.Ordinal = ord
			byOrdinal[ord] = append(byOrdinal[ord], src)
		}
	}

	for _, marker := range NormalizeMarkers(prose) {
		if _, dup := ext.Markers[marker]; dup {
			continue
		}
		n, err := strconv.Atoi(strings.Trim(marker, "[]"))
		if err != nil {
			continue
		}
		sources := byOrdinal[n]
		if len(sources) == 0 {
			ext.Unresolved = append(ext.Unresolved, marker)
			continue
		}
		ext.Markers[marker] = sources
		ext.Order = append(ext.Order, marker)
	}

	ext.Artifacts = FindArtifactRefs(prose)
	return ext
}

// NormalizeMarkers finds citation markers in text and expands both
// grammars, adjacent brackets "[1][2]" and grouped "[1,2]", into the
// ordered list of individual marker strings. Repeats are preserved;
// callers dedupe if they need to.
func NormalizeMarkers(text string) []string {
	var out []string
	for _, m := range markerPattern.FindAllStringSubmatch(text, -1) {
		for _, n := range strings.Split(m[1], ",") {
			n = strings.TrimSpace(n)
			if n == "" {
				continue
			}
			out = append(out, "["+n+"]")
		}
	}
	return out
}

// FindArtifactRefs locates chart/CSV markdown references in occurrence
// order, with their byte spans so callers can splice replacements.
func FindArtifactRefs(text string) []ArtifactRef {
	var refs []ArtifactRef
	for _, idx := range artifactPattern.FindAllStringSubmatchIndex(text, -1) {
		refs = append(refs, ArtifactRef{
			Kind:  ArtifactKind(text[idx[2]:idx[3]]),
			ID:    strings.ToLower(text[idx[4]:idx[5]]),
			Start: idx[0],
			End:   idx[1],
		})
	}
	return refs
}

// sourceList mirrors the JSON shapes tools emit. Both the canonical
// {"sources": [...]} wrapper and bare arrays are accepted.
type sourceList struct {
	Sources []sourceItem `json:"sources"`
	Results []sourceItem `json:"results"`
}

type sourceItem struct {
	Title       string   `json:"title"`
	URL         string   `json:"url"`
	Link        string   `json:"link"`
	Snippet     string   `json:"snippet"`
	Description string   `json:"description"`
	Authors     []string `json:"authors"`
	Date        string   `json:"date"`
	DOI         string   `json:"doi"`
	Provider    string   `json:"provider"`
	Score       float64  `json:"score"`
}

func parseSources(raw json.RawMessage, toolName string) []Source {
	if len(raw) == 0 {
		return nil
	}
	var items []sourceItem
	var wrapped sourceList
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		items = wrapped.Sources
		if len(items) == 0 {
			items = wrapped.Results
		}
	}
	if len(items) == 0 {
		var bare []sourceItem
		if err := json.Unmarshal(raw, &bare); err == nil {
			items = bare
		}
	}
	if len(items) == 0 {
		return nil
	}

	var out []Source
	for _, it := range items {
		url := it.URL
		if url == "" {
			url = it.Link
		}
		if url == "" && it.Title == "" {
			continue
		}
		snippet := it.Snippet
		if snippet == "" {
			snippet = it.Description
		}
		provider := it.Provider
		if provider == "" {
			provider = toolName
		}
		out = append(out, Source{
			Title:    it.Title,
			URL:      url,
			Snippet:  snippet,
			Authors:  it.Authors,
			Date:     it.Date,
			DOI:      it.DOI,
			Provider: provider,
			Score:    it.Score,
		})
	}
	return out
}
