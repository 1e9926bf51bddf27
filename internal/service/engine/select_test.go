package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"finchatgo/internal/config"
)

func TestSupportsReasoning(t *testing.T) {
	tests := []struct {
		model string
		want  bool
	}{
		{"deepseek-r1:14b", true},
		{"qwq:32b", true},
		{"o3-mini", true},
		{"claude-3-7-sonnet-thinking", true},
		{"gpt-4o", false},
		{"llama3.1:8b", false},
	}
	for _, tt := range tests {
		if got := SupportsReasoning(tt.model); got != tt.want {
			t.Errorf("SupportsReasoning(%q) = %v, want %v", tt.model, got, tt.want)
		}
	}
}

func TestPickLocalModel(t *testing.T) {
	tests := []struct {
		name      string
		available []string
		preferred string
		want      string
		wantOK    bool
	}{
		{"empty", nil, "", "", false},
		{"preferred exact", []string{"mistral:7b", "llama3.1:8b"}, "llama3.1:8b", "llama3.1:8b", true},
		{"preferred family", []string{"mistral:7b", "llama3.1:8b"}, "llama3.1", "llama3.1:8b", true},
		{"family preference order", []string{"gemma2:9b", "qwen2.5:14b"}, "", "qwen2.5:14b", true},
		{"fallback first", []string{"custom-model:1b"}, "", "custom-model:1b", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := pickLocalModel(tt.available, tt.preferred)
			if ok != tt.wantOK || got != tt.want {
				t.Fatalf("pickLocalModel(%v, %q) = %q, %v; want %q, %v",
					tt.available, tt.preferred, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestSelectLocalWinsWhenReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]string{{"name": "llama3.1:8b"}},
		})
	}))
	defer srv.Close()

	cfg := &config.Config{
		Local: config.LocalProviderConfig{Enabled: true, BaseURL: srv.URL},
		Providers: map[string]config.ProviderConfig{
			"openai": {APIKey: "k", Model: "gpt-4o"},
		},
	}
	sel, err := Select(context.Background(), cfg, LocalOverride{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Provider != "local" || sel.Model != "llama3.1:8b" {
		t.Fatalf("expected local selection, got %+v", sel)
	}
	if sel.Reasoning {
		t.Fatalf("llama3.1 must not report reasoning support")
	}
}

func TestSelectFallsBackToCloud(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := &config.Config{
		Local: config.LocalProviderConfig{Enabled: true, BaseURL: srv.URL},
		Providers: map[string]config.ProviderConfig{
			"claude": {APIKey: "k", Model: "claude-sonnet-4"},
		},
	}
	sel, err := Select(context.Background(), cfg, LocalOverride{})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Provider != "claude" || sel.Model != "claude-sonnet-4" {
		t.Fatalf("expected claude fallback, got %+v", sel)
	}
}

func TestSelectHeaderDisablesLocal(t *testing.T) {
	disabled := false
	cfg := &config.Config{
		Local: config.LocalProviderConfig{Enabled: true, BaseURL: "http://127.0.0.1:1"},
		Providers: map[string]config.ProviderConfig{
			"openai": {APIKey: "k", Model: "gpt-4o"},
		},
	}
	sel, err := Select(context.Background(), cfg, LocalOverride{Enabled: &disabled})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Provider != "openai" {
		t.Fatalf("expected openai when local disabled by header, got %+v", sel)
	}
}

func TestSelectNoProvider(t *testing.T) {
	cfg := &config.Config{Providers: map[string]config.ProviderConfig{}}
	if _, err := Select(context.Background(), cfg, LocalOverride{}); err != ErrNoProvider {
		t.Fatalf("expected ErrNoProvider, got %v", err)
	}
}
