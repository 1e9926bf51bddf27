package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
)

var searchLimiter = newToolRateLimiter(SearchRateLimit, SearchRateWindow)

// SourceResult is the canonical shape of one search hit. Tool results
// carrying a "sources" list in this shape are what the citation
// extractor consumes downstream.
type SourceResult struct {
	Title    string  `json:"title"`
	URL      string  `json:"url"`
	Snippet  string  `json:"snippet,omitempty"`
	Provider string  `json:"provider,omitempty"`
	Score    float64 `json:"score,omitempty"`
}

type searchChain struct {
	google tool.InvokableTool
	duck   tool.InvokableTool
}

func newSearchChain() *searchChain {
	return &searchChain{
		google: initGoogleSearch(),
		duck:   initDDGSearch(),
	}
}

func (s *searchChain) available() bool {
	return s != nil && (s.google != nil || s.duck != nil)
}

// run queries the first provider that succeeds and normalizes its output
// into the canonical source list, tagged with the given provenance.
func (s *searchChain) run(ctx context.Context, query, provenance string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return errorJSON("query must not be empty"), nil
	}
	_, sessionID, _, ok := TurnSessionFromContext(ctx)
	key := "anon"
	if ok {
		key = "session:" + sessionID
	}
	if !searchLimiter.Allow(key) {
		return errorJSON("search rate limit exceeded, please retry in a minute"), nil
	}

	payloadBytes, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("marshal search params: %w", err)
	}
	payload := string(payloadBytes)

	if s.google != nil {
		if raw, err := s.google.InvokableRun(ctx, payload); err == nil {
			return encodeSources(normalizeResults(raw, provenance)), nil
		} else {
			log.Printf("google search failed: %v", err)
		}
	}
	if s.duck != nil {
		if raw, err := s.duck.InvokableRun(ctx, payload); err == nil {
			return encodeSources(normalizeResults(raw, provenance)), nil
		} else {
			log.Printf("duckduckgo search failed: %v", err)
		}
	}
	return "", errors.New("no search provider succeeded")
}

type webSearchParams struct {
	Query string `json:"query"`
}

func initWebSearch(chain *searchChain) tool.InvokableTool {
	if !chain.available() {
		log.Printf("web search tool disabled: no search providers available")
		return nil
	}
	info := &schema.ToolInfo{
		Name: "web_search",
		Desc: "Search the web for information. Returns a list of sources; " +
			"cite them in your answer with bracketed numbers like [1] in the " +
			"order they were returned. Keep at most two searches in flight.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Natural language search query",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, func(ctx context.Context, params *webSearchParams) (string, error) {
		if params == nil {
			return errorJSON("missing search parameters"), nil
		}
		return chain.run(ctx, params.Query, "web_search")
	})
}

type financialSearchParams struct {
	Query  string `json:"query"`
	Symbol string `json:"symbol"`
}

func initFinancialSearch(chain *searchChain) tool.InvokableTool {
	if !chain.available() {
		return nil
	}
	info := &schema.ToolInfo{
		Name: "financial_search",
		Desc: "Search for financial data: filings, earnings, market prices, " +
			"analyst coverage. Prefer this over web_search for market questions. " +
			"Cite returned sources with bracketed numbers like [1].",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "What to look up",
				Type:     schema.String,
				Required: true,
			},
			"symbol": {
				Desc:     "Optional ticker symbol to focus the search",
				Type:     schema.String,
				Required: false,
			},
		}),
	}
	return utils.NewTool(info, func(ctx context.Context, params *financialSearchParams) (string, error) {
		if params == nil {
			return errorJSON("missing search parameters"), nil
		}
		query := strings.TrimSpace(params.Query)
		if sym := strings.TrimSpace(params.Symbol); sym != "" {
			query = sym + " " + query
		}
		return chain.run(ctx, query+" financial filings earnings", "financial_search")
	})
}

func initDDGSearch() tool.InvokableTool {
	duckConfig := &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: 5,
		Region:     duckduckgo.RegionWT,
		Timeout:    SearchTimeout,
	}
	duckTool, err := duckduckgo.NewTextSearchTool(context.Background(), duckConfig)
	if err != nil {
		log.Printf("duckduckgo search disabled: %v", err)
		return nil
	}
	return duckTool
}

func initGoogleSearch() tool.InvokableTool {
	googleAPIKey := os.Getenv("GOOGLE_API_KEY")
	googleSearchEngineID := os.Getenv("GOOGLE_SEARCH_ENGINE_ID")
	if googleAPIKey == "" || googleSearchEngineID == "" {
		log.Printf("google search disabled: missing GOOGLE_API_KEY or GOOGLE_SEARCH_ENGINE_ID")
		return nil
	}
	googleTool, err := googlesearch.NewTool(context.Background(), &googlesearch.Config{
		ToolName:       "web_search_google",
		ToolDesc:       "Google Search Tool",
		APIKey:         googleAPIKey,
		SearchEngineID: googleSearchEngineID,
		Lang:           "en",
		Num:            5,
	})
	if err != nil {
		log.Printf("google search disabled: %v", err)
		return nil
	}
	return googleTool
}

// providerResult covers the field spellings the backing search tools
// use. Anything unrecognized is skipped rather than guessed at.
type providerResult struct {
	Title       string  `json:"title"`
	URL         string  `json:"url"`
	Link        string  `json:"link"`
	Snippet     string  `json:"snippet"`
	Description string  `json:"description"`
	Summary     string  `json:"summary"`
	Score       float64 `json:"score"`
}

type providerResponse struct {
	Results []providerResult `json:"results"`
	Items   []providerResult `json:"items"`
}

func normalizeResults(raw, provenance string) []SourceResult {
	var items []providerResult
	var resp providerResponse
	if err := json.Unmarshal([]byte(raw), &resp); err == nil {
		items = resp.Results
		if len(items) == 0 {
			items = resp.Items
		}
	}
	if len(items) == 0 {
		var bare []providerResult
		if err := json.Unmarshal([]byte(raw), &bare); err == nil {
			items = bare
		}
	}

	var out []SourceResult
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
		if snippet == "" {
			snippet = it.Summary
		}
		out = append(out, SourceResult{
			Title:    it.Title,
			URL:      url,
			Snippet:  snippet,
			Provider: provenance,
			Score:    it.Score,
		})
	}
	return out
}

func encodeSources(sources []SourceResult) string {
	if sources == nil {
		sources = []SourceResult{}
	}
	data, err := json.Marshal(map[string]any{"sources": sources})
	if err != nil {
		return errorJSON("encode search results failed")
	}
	return string(data)
}
