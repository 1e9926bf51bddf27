package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"finchatgo/internal/config"
)

// Engine is the uniform completion surface the orchestrator drives. One
// Engine is built per turn from the turn's Selection and never swapped
// mid-stream.
type Engine interface {
	Stream(ctx context.Context, messages []*schema.Message) (*schema.StreamReader[*schema.Message], error)
	Generate(ctx context.Context, messages []*schema.Message) (*schema.Message, error)
}

// ErrModelCompatibility marks the selected model rejecting the turn's
// tool definitions or reasoning options. Clients get a distinguishing
// code so they can retry with a different provider.
var ErrModelCompatibility = errors.New("model incompatible with requested capabilities")

const localAPIKeyPlaceholder = "ollama"

type einoEngine struct {
	model model.ToolCallingChatModel
}

// New builds the engine for one turn. Tool definitions bind here; a
// model that rejects them surfaces as ErrModelCompatibility.
func New(ctx context.Context, cfg *config.Config, sel Selection, tools []*schema.ToolInfo) (Engine, error) {
	var chatModel model.ToolCallingChatModel
	var err error

	switch sel.Provider {
	case "local":
		// Ollama speaks the OpenAI wire protocol on /v1.
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: strings.TrimRight(cfg.Local.BaseURL, "/") + "/v1",
			Model:   sel.Model,
			APIKey:  localAPIKeyPlaceholder,
		})
	case "openai":
		provCfg := cfg.Providers["openai"]
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   sel.Model,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		provCfg := cfg.Providers["gemini"]
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{APIKey: provCfg.APIKey})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		geminiCfg := &gemini.Config{
			Client: client,
			Model:  sel.Model,
		}
		if sel.Reasoning {
			geminiCfg.ThinkingConfig = &genai.ThinkingConfig{
				IncludeThoughts: true,
				ThinkingBudget:  nil,
			}
		}
		chatModel, err = gemini.NewChatModel(ctx, geminiCfg)
	case "claude":
		provCfg := cfg.Providers["claude"]
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     sel.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: 4000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", sel.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s model: %w", sel.Provider, err)
	}

	if len(tools) > 0 {
		chatModel, err = chatModel.WithTools(tools)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrModelCompatibility, err)
		}
	}
	return &einoEngine{model: chatModel}, nil
}

func (e *einoEngine) Stream(ctx context.Context, messages []*schema.Message) (*schema.StreamReader[*schema.Message], error) {
	sr, err := e.model.Stream(ctx, messages)
	if err != nil {
		return nil, classify(err)
	}
	return sr, nil
}

func (e *einoEngine) Generate(ctx context.Context, messages []*schema.Message) (*schema.Message, error) {
	msg, err := e.model.Generate(ctx, messages)
	if err != nil {
		return nil, classify(err)
	}
	return msg, nil
}

var compatibilityMarkers = []string{
	"does not support tools",
	"does not support function",
	"tool use is not supported",
	"tools are not supported",
	"function calling is not",
	"does not support thinking",
	"reasoning is not supported",
}

// classify promotes provider errors that describe a capability mismatch
// into ErrModelCompatibility so the transport can emit its distinct code.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range compatibilityMarkers {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %v", ErrModelCompatibility, err)
		}
	}
	return err
}
