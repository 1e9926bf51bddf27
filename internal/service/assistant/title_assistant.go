package assistant

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/schema"

	"finchatgo/internal/models"
)

// TitleGenerator is the slice of the completion engine the title path
// needs.
type TitleGenerator interface {
	Generate(ctx context.Context, messages []*schema.Message) (*schema.Message, error)
}

// GenerateTitle asks the engine for a short conversation title from the
// opening exchange. Used once, after a session's first completed turn.
func GenerateTitle(ctx context.Context, gen TitleGenerator, messages []*models.Message) (string, error) {
	if len(messages) == 0 {
		return "New Conversation", nil
	}
	systemPrompt := "You are a conversation title generator. " +
		"Based on the dialogue between the user and the analyst assistant, generate a concise, accurate title. " +
		"Keep it under 8 words and output only the title."

	conversationText := ""
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			conversationText += fmt.Sprintf("User: %s\n", msg.Text())
		case models.RoleAssistant:
			conversationText += fmt.Sprintf("Assistant: %s\n", msg.Text())
		}
	}

	schemaMessages := []*schema.Message{
		{Role: schema.System, Content: systemPrompt},
		{Role: schema.User, Content: fmt.Sprintf("Generate a title for this conversation:\n\n%s", conversationText)},
	}
	resp, err := gen.Generate(ctx, schemaMessages)
	if err != nil {
		return "", fmt.Errorf("generate title failed: %w", err)
	}
	if resp == nil || resp.Content == "" {
		return "New Conversation", nil
	}
	return resp.Content, nil
}
