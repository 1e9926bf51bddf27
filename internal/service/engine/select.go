package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"finchatgo/internal/config"
)

const probeTimeout = 2 * time.Second

// Selection is the provider/model pair chosen for one turn. Exactly one
// selection happens before generation starts; it is never revisited
// mid-stream.
type Selection struct {
	Provider  string
	Model     string
	Reasoning bool
}

// LocalOverride carries the per-request provider-selection headers.
type LocalOverride struct {
	Enabled *bool
	Model   string
}

// Model families in capability order; the first family present on the
// local server wins.
var localModelPreference = []string{
	"llama3.3",
	"llama3.1",
	"qwen2.5",
	"deepseek-r1",
	"mistral",
	"gemma2",
}

var reasoningModelPatterns = []string{
	"deepseek-r1",
	"qwq",
	"o1",
	"o3",
	"thinking",
	"reasoner",
}

// ErrNoProvider means neither a local nor a cloud provider could be
// selected for this turn.
var ErrNoProvider = errors.New("no completion provider available")

// Select applies the deterministic selection policy: a reachable local
// provider (when enabled) wins, with a fixed model-family preference;
// otherwise the primary configured cloud provider, then the secondary.
func Select(ctx context.Context, cfg *config.Config, override LocalOverride) (Selection, error) {
	localEnabled := cfg.Local.Enabled
	if override.Enabled != nil {
		localEnabled = *override.Enabled
	}
	if localEnabled && cfg.Local.BaseURL != "" {
		if model, ok := probeLocal(ctx, cfg.Local.BaseURL, preferredLocalModel(cfg, override)); ok {
			return Selection{Provider: "local", Model: model, Reasoning: SupportsReasoning(model)}, nil
		}
	}

	for _, provider := range []string{"openai", "claude", "gemini"} {
		prov, ok := cfg.Providers[provider]
		if !ok || prov.APIKey == "" {
			continue
		}
		model := prov.Model
		if model == "" {
			continue
		}
		return Selection{Provider: provider, Model: model, Reasoning: SupportsReasoning(model)}, nil
	}
	return Selection{}, ErrNoProvider
}

// SupportsReasoning reports whether the model name matches a known
// extended-reasoning family. Static name match only; no capability probe.
func SupportsReasoning(model string) bool {
	lower := strings.ToLower(model)
	for _, pattern := range reasoningModelPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

func preferredLocalModel(cfg *config.Config, override LocalOverride) string {
	if override.Model != "" {
		return override.Model
	}
	return cfg.Local.Model
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// probeLocal asks the Ollama-compatible server which models it has. A
// slow or failing probe simply disqualifies the local provider for this
// turn.
func probeLocal(ctx context.Context, baseURL, preferred string) (string, bool) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/api/tags", strings.TrimRight(baseURL, "/"))
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return "", false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return "", false
	}
	available := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		if m.Name != "" {
			available = append(available, m.Name)
		}
	}
	return pickLocalModel(available, preferred)
}

// pickLocalModel is the pure half of the probe: exact preferred match
// first, then the fixed family preference, then the first available.
func pickLocalModel(available []string, preferred string) (string, bool) {
	if len(available) == 0 {
		return "", false
	}
	if preferred != "" {
		for _, name := range available {
			if name == preferred || strings.SplitN(name, ":", 2)[0] == preferred {
				return name, true
			}
		}
	}
	for _, family := range localModelPreference {
		for _, name := range available {
			if strings.HasPrefix(strings.ToLower(name), family) {
				return name, true
			}
		}
	}
	return available[0], true
}
