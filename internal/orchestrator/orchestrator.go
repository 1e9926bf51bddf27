package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"finchatgo/internal/config"
	"finchatgo/internal/models"
	"finchatgo/internal/service/assistant"
	"finchatgo/internal/service/engine"
	"finchatgo/internal/service/tools"
)

const defaultTitle = "New Conversation"

// maxToolRounds bounds the generate/execute loop so a model that keeps
// requesting tools cannot spin a turn forever.
const maxToolRounds = 8

const systemPrompt = `You are a financial analysis assistant. Answer with accurate, well-sourced analysis.

When you use facts from web_search or financial_search results, cite them inline with bracketed ordinals such as [1] or [1,2]. Number sources in the order they appeared in your tool results.

When you create a chart or CSV, embed it in your reply by copying the marker string the tool returned, for example a line of the form "![Revenue](chart:<id>)". Do not invent artifact ids.

Run no more than three tool calls at a time.`

// TurnRequest carries everything one chat turn needs. An empty
// SessionID creates a new session owned by OwnerID. History is the
// client's copy of the prior message list; when present it replaces the
// stored list at reconciliation, when nil the server-loaded history is
// authoritative.
type TurnRequest struct {
	OwnerID     string
	SessionID   string
	AccessToken string
	Text        string
	History     []*models.Message
	Local       engine.LocalOverride
}

// Orchestrator drives the turn lifecycle: select a provider, persist the
// user message, run the generate/tool loop, stream events out, and
// reconcile the finished turn into storage. Turns within one session are
// serialized; turns across sessions run concurrently.
type Orchestrator struct {
	cfg       *config.Config
	assistant *assistant.Service
	registry  *tools.Registry

	// swapped in tests
	selectModel func(ctx context.Context, cfg *config.Config, override engine.LocalOverride) (engine.Selection, error)
	buildEngine func(ctx context.Context, cfg *config.Config, sel engine.Selection, infos []*schema.ToolInfo) (engine.Engine, error)

	mu    sync.Mutex
	slots map[string]*sessionSlot
}

type sessionSlot struct {
	mu   sync.Mutex
	refs int
}

func New(cfg *config.Config, asst *assistant.Service, registry *tools.Registry) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		assistant:   asst,
		registry:    registry,
		selectModel: engine.Select,
		buildEngine: engine.New,
		slots:       make(map[string]*sessionSlot),
	}
}

// lockSession serializes turns per session. The returned func releases
// the lock and drops the slot once no turn references it.
func (o *Orchestrator) lockSession(sessionID string) func() {
	o.mu.Lock()
	slot := o.slots[sessionID]
	if slot == nil {
		slot = &sessionSlot{}
		o.slots[sessionID] = slot
	}
	slot.refs++
	o.mu.Unlock()

	slot.mu.Lock()
	return func() {
		slot.mu.Unlock()
		o.mu.Lock()
		slot.refs--
		if slot.refs == 0 {
			delete(o.slots, sessionID)
		}
		o.mu.Unlock()
	}
}

// StartTurn runs one chat turn, delivering events through emit. Setup
// failures (session load, provider selection, engine construction)
// return an error before anything is streamed so the transport can send
// a plain JSON error body. Once generation starts, failures terminate
// the stream with an error event and StartTurn returns nil.
//
// The user message is saved before generation begins; if that save
// fails the turn still proceeds. If the post-turn reconciliation save
// fails it is logged and swallowed: the client already received the
// content, so the failure is a durability gap, not a user-visible one.
func (o *Orchestrator) StartTurn(ctx context.Context, req TurnRequest, emit EmitFunc) error {
	if req.OwnerID == "" {
		return errors.New("owner identity required")
	}
	if strings.TrimSpace(req.Text) == "" {
		return errors.New("message text required")
	}

	var (
		sess    *models.Session
		history []*models.Message
		err     error
	)
	if req.SessionID == "" {
		sess, err = o.assistant.CreateSession(ctx, req.OwnerID, defaultTitle)
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		unlock := o.lockSession(sess.ID)
		defer unlock()
	} else {
		// Lock before reading history: a turn still running on this
		// session is about to rewrite the whole message list, and a
		// snapshot taken now would roll that turn back at reconciliation.
		unlock := o.lockSession(req.SessionID)
		defer unlock()
		sess, history, err = o.assistant.GetSessionWithMessages(ctx, req.OwnerID, req.SessionID)
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
	}
	if req.History != nil {
		history = req.History
		for _, m := range history {
			m.OwnerID = req.OwnerID
			m.SessionID = sess.ID
		}
	}

	sel, err := o.selectModel(ctx, o.cfg, req.Local)
	if err != nil {
		return err
	}
	infos, err := o.registry.Infos(ctx)
	if err != nil {
		return err
	}
	eng, err := o.buildEngine(ctx, o.cfg, sel, infos)
	if err != nil {
		return err
	}

	userMsg := models.TextMessage(req.OwnerID, sess.ID, models.RoleUser, req.Text)
	if err := o.assistant.AppendMessage(ctx, userMsg); err != nil {
		log.Printf("pre-turn user message save failed, continuing: %v", err)
	}

	// The turn outlives the client connection so reconciliation still
	// runs after a disconnect.
	turnCtx := context.WithoutCancel(ctx)
	turnCtx = tools.WithTurnSession(turnCtx, req.OwnerID, sess.ID, req.AccessToken)

	em := &emitter{fn: emit}
	started := time.Now()
	parts, runErr := o.runTurn(turnCtx, eng, history, userMsg, em)
	elapsed := time.Since(started)

	if runErr != nil {
		code := CodeChatError
		if errors.Is(runErr, engine.ErrModelCompatibility) {
			code = CodeModelCompatibility
		}
		log.Printf("turn failed for session %s: %v", sess.ID, runErr)
		em.send(Event{Type: EventError, Code: code, Message: "chat generation failed", SessionID: sess.ID})
		return nil
	}

	assistantMsg := &models.Message{
		ID:           uuid.NewString(),
		OwnerID:      req.OwnerID,
		SessionID:    sess.ID,
		Role:         models.RoleAssistant,
		Parts:        parts,
		ProcessingMS: elapsed.Milliseconds(),
		CreatedAt:    time.Now().UTC(),
	}

	full := make([]*models.Message, 0, len(history)+2)
	full = append(full, history...)
	full = append(full, userMsg, assistantMsg)
	for _, m := range full {
		m.ID = models.CanonicalID(m.ID)
	}
	if err := o.assistant.ReplaceMessages(turnCtx, req.OwnerID, sess.ID, full); err != nil {
		// Accepted durability gap: the stream already delivered the content.
		log.Printf("turn reconciliation save failed for session %s: %v", sess.ID, err)
	}

	var title string
	if len(history) == 0 {
		title = o.generateTitle(turnCtx, eng, sess, userMsg, assistantMsg)
	}

	em.send(Event{
		Type:         EventFinish,
		SessionID:    sess.ID,
		MessageID:    assistantMsg.ID,
		Title:        title,
		ProcessingMS: assistantMsg.ProcessingMS,
	})
	return nil
}

// runTurn drives the generate/execute loop. Each round streams one model
// response; when it carries tool calls they are executed in order, their
// results fed back, and another round begins. Returns the assistant's
// ordered part list.
func (o *Orchestrator) runTurn(ctx context.Context, eng engine.Engine, history []*models.Message, userMsg *models.Message, em *emitter) ([]models.Part, error) {
	msgs := make([]*schema.Message, 0, len(history)+2)
	msgs = append(msgs, &schema.Message{Role: schema.System, Content: systemPrompt})
	for _, m := range history {
		msgs = append(msgs, toSchemaMessage(m))
	}
	msgs = append(msgs, &schema.Message{Role: schema.User, Content: userMsg.Text()})

	var parts []models.Part
	for round := 0; round < maxToolRounds; round++ {
		sr, err := eng.Stream(ctx, msgs)
		if err != nil {
			return parts, fmt.Errorf("generate stream failed: %w", err)
		}
		full, err := o.drainStream(sr, em, &parts)
		if err != nil {
			return parts, err
		}
		if len(full.ToolCalls) == 0 {
			return parts, nil
		}
		msgs = append(msgs, full)
		for _, call := range full.ToolCalls {
			name := call.Function.Name
			args := call.Function.Arguments
			em.send(Event{Type: EventToolCallStart, ToolName: name, ToolInput: rawJSON(args)})
			parts = append(parts, models.Part{Type: models.PartToolCall, ToolName: name, Input: rawJSON(args)})

			res := o.registry.Execute(ctx, name, args)
			parts = append(parts, models.Part{Type: models.PartToolResult, ToolName: name, Output: rawJSON(res.Output)})
			em.send(Event{
				Type:       EventToolResult,
				ToolName:   name,
				ToolStatus: string(res.Status),
				ToolOutput: rawJSON(res.Output),
			})
			msgs = append(msgs, schema.ToolMessage(res.Output, call.ID))
		}
	}
	// round budget exhausted, keep whatever was produced
	log.Printf("turn hit tool round limit for session %s", userMsg.SessionID)
	return parts, nil
}

// drainStream consumes one model response stream, forwarding deltas as
// events and appending the round's reasoning/text parts, then assembles
// the chunks into the complete message for the tool loop.
func (o *Orchestrator) drainStream(sr *schema.StreamReader[*schema.Message], em *emitter, parts *[]models.Part) (*schema.Message, error) {
	defer sr.Close()

	var chunks []*schema.Message
	var text, reasoning strings.Builder
	for {
		chunk, err := sr.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("stream recv failed: %w", err)
		}
		chunks = append(chunks, chunk)
		if chunk.ReasoningContent != "" {
			reasoning.WriteString(chunk.ReasoningContent)
			em.send(Event{Type: EventReasoningDelta, Delta: chunk.ReasoningContent})
		}
		if chunk.Content != "" {
			text.WriteString(chunk.Content)
			em.send(Event{Type: EventTextDelta, Delta: chunk.Content})
		}
	}
	if len(chunks) == 0 {
		return &schema.Message{Role: schema.Assistant}, nil
	}
	full, err := schema.ConcatMessages(chunks)
	if err != nil {
		return nil, fmt.Errorf("assemble stream failed: %w", err)
	}
	if reasoning.Len() > 0 {
		*parts = append(*parts, models.Part{Type: models.PartReasoning, Reasoning: reasoning.String()})
	}
	if text.Len() > 0 {
		*parts = append(*parts, models.Part{Type: models.PartText, Text: text.String()})
	}
	return full, nil
}

func (o *Orchestrator) generateTitle(ctx context.Context, eng engine.Engine, sess *models.Session, exchange ...*models.Message) string {
	title, err := assistant.GenerateTitle(ctx, eng, exchange)
	if err != nil {
		log.Printf("title generation failed for session %s: %v", sess.ID, err)
		return ""
	}
	title = strings.TrimSpace(title)
	if title == "" || title == defaultTitle {
		return ""
	}
	if err := o.assistant.UpdateSessionTitle(ctx, sess.OwnerID, sess.ID, title); err != nil {
		log.Printf("title update failed for session %s: %v", sess.ID, err)
		return ""
	}
	return title
}

// toSchemaMessage replays a stored message as plain prose. Tool parts
// from past turns are not re-sent to the model.
func toSchemaMessage(m *models.Message) *schema.Message {
	role := schema.User
	if m.Role == models.RoleAssistant {
		role = schema.Assistant
	}
	return &schema.Message{Role: role, Content: m.Text()}
}

// rawJSON wraps a tool payload for storage. Payloads that are not valid
// JSON are stored as a JSON string so part encoding never fails on them.
func rawJSON(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	return quoted
}

// emitter delivers events and goes quiet after the first delivery
// failure so a disconnected client does not abort the turn.
type emitter struct {
	fn   EmitFunc
	dead bool
}

func (e *emitter) send(ev Event) {
	if e.dead || e.fn == nil {
		return
	}
	if err := e.fn(ev); err != nil {
		log.Printf("event delivery failed, turn continues detached: %v", err)
		e.dead = true
	}
}
