package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"finchatgo/internal/auth"
	"finchatgo/internal/models"
	"finchatgo/internal/orchestrator"
	"finchatgo/internal/redis"
	"finchatgo/internal/report"
	"finchatgo/internal/service/assistant"
	"finchatgo/internal/service/engine"
	"finchatgo/internal/worker"
)

const (
	localProviderHeader = "X-Local-Provider"
	localModelHeader    = "X-Local-Model"

	artifactCacheTTL = 15 * time.Minute
)

// TurnRunner is the orchestrator surface the chat route drives.
type TurnRunner interface {
	StartTurn(ctx context.Context, req orchestrator.TurnRequest, emit orchestrator.EmitFunc) error
}

// ReportQueue accepts report render jobs.
type ReportQueue interface {
	Submit(worker.Job) error
}

// Handler wires HTTP routes to the assistant service, the turn
// orchestrator, and the report render queue.
type Handler struct {
	assistant  *assistant.Service
	turns      TurnRunner
	reports    ReportQueue
	cache      *redis.Client
	pageTokens *auth.PageTokens
}

// NewHandler constructs a Handler instance. cache may be nil.
func NewHandler(service *assistant.Service, turns TurnRunner, reports ReportQueue, cache *redis.Client, pageTokens *auth.PageTokens) *Handler {
	if pageTokens == nil {
		pageTokens = auth.NewPageTokens()
	}
	return &Handler{
		assistant:  service,
		turns:      turns,
		reports:    reports,
		cache:      cache,
		pageTokens: pageTokens,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine, allowAnonymous bool) {
	api := router.Group("/api")
	api.Use(auth.Middleware(allowAnonymous))

	api.POST("/chat", h.chat)

	api.POST("/sessions", h.createSession)
	api.GET("/sessions", h.listSessions)
	api.GET("/sessions/:id", h.getSession)
	api.DELETE("/sessions/:id", h.deleteSession)
	api.PATCH("/sessions/:id/title", h.renameSession)
	api.GET("/sessions/:id/report", h.sessionReport)

	api.GET("/charts/:id", h.getChart)
	api.GET("/csvs/:id", h.getCSV)

	// The render page authenticates with a single-use token because the
	// browser collaborator fetches it without headers.
	router.GET("/api/charts/:id/page", h.chartPage)
}

func (h *Handler) ownerID(c *gin.Context) (string, bool) {
	ownerID, ok := auth.OwnerIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "AUTH_REQUIRED", "error": "authorization required"})
		return "", false
	}
	return ownerID, true
}

// chatMessage is one entry of the client's prior message list. Ids are
// advisory; anything that is not a well-formed UUID is replaced at save
// time.
type chatMessage struct {
	ID    string        `json:"id"`
	Role  models.Role   `json:"role"`
	Parts []models.Part `json:"parts"`
}

type chatRequest struct {
	SessionID string        `json:"session_id"`
	Content   string        `json:"content"`
	Messages  []chatMessage `json:"messages"`
}

// priorMessages converts the submitted list. A nil list means the
// client defers to the server's stored history.
func (r chatRequest) priorMessages() []*models.Message {
	if r.Messages == nil {
		return nil
	}
	history := make([]*models.Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		role := m.Role
		if role != models.RoleAssistant {
			role = models.RoleUser
		}
		history = append(history, &models.Message{ID: m.ID, Role: role, Parts: m.Parts})
	}
	return history
}

// chat runs one turn and streams its events over SSE. Setup failures
// arrive as a JSON error body with a machine-readable code; once the
// stream is open the terminal condition is always a finish or error
// event.
func (h *Handler) chat(c *gin.Context) {
	ownerID, ok := h.ownerID(c)
	if !ok {
		return
	}
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "CHAT_ERROR", "error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "CHAT_ERROR", "error": "content is required"})
		return
	}

	accessToken, _ := auth.AccessTokenFromContext(c)
	turnReq := orchestrator.TurnRequest{
		OwnerID:     ownerID,
		SessionID:   req.SessionID,
		AccessToken: accessToken,
		Text:        req.Content,
		History:     req.priorMessages(),
		Local:       localOverrideFromHeaders(c),
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "CHAT_ERROR", "error": "streaming not supported"})
		return
	}

	streamed := false
	emit := func(ev orchestrator.Event) error {
		if !streamed {
			streamed = true
			c.Writer.Header().Set("Content-Type", "text/event-stream")
			c.Writer.Header().Set("Cache-Control", "no-cache")
			c.Writer.Header().Set("Connection", "keep-alive")
			c.Writer.Header().Set("X-Accel-Buffering", "no")
			c.Status(http.StatusOK)
		}
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := h.turns.StartTurn(c.Request.Context(), turnReq, emit); err != nil {
		if streamed {
			// terminal event already owed to the client
			return
		}
		switch {
		case errors.Is(err, engine.ErrModelCompatibility):
			c.JSON(http.StatusBadRequest, gin.H{"code": "MODEL_COMPATIBILITY_ERROR", "error": err.Error()})
		case errors.Is(err, sql.ErrNoRows):
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		default:
			log.Printf("chat turn failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"code": "CHAT_ERROR", "error": "chat generation failed"})
		}
	}
}

// localOverrideFromHeaders reads the per-request provider toggles. An
// absent enable header leaves the configured default in force.
func localOverrideFromHeaders(c *gin.Context) engine.LocalOverride {
	var override engine.LocalOverride
	switch strings.ToLower(strings.TrimSpace(c.GetHeader(localProviderHeader))) {
	case "1", "true", "on":
		enabled := true
		override.Enabled = &enabled
	case "0", "false", "off":
		enabled := false
		override.Enabled = &enabled
	}
	override.Model = strings.TrimSpace(c.GetHeader(localModelHeader))
	return override
}

type createSessionRequest struct {
	Title string `json:"title"`
}

func (h *Handler) createSession(c *gin.Context) {
	ownerID, ok := h.ownerID(c)
	if !ok {
		return
	}
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "New Conversation"
	}
	session, err := h.assistant.CreateSession(c.Request.Context(), ownerID, title)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *Handler) listSessions(c *gin.Context) {
	ownerID, ok := h.ownerID(c)
	if !ok {
		return
	}
	sessions, err := h.assistant.ListSessions(c.Request.Context(), ownerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sessions == nil {
		sessions = make([]models.Session, 0)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) getSession(c *gin.Context) {
	ownerID, ok := h.ownerID(c)
	if !ok {
		return
	}
	session, messages, err := h.assistant.GetSessionWithMessages(c.Request.Context(), ownerID, c.Param("id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if messages == nil {
		messages = make([]*models.Message, 0)
	}
	c.JSON(http.StatusOK, gin.H{"session": session, "messages": messages})
}

func (h *Handler) deleteSession(c *gin.Context) {
	ownerID, ok := h.ownerID(c)
	if !ok {
		return
	}
	if err := h.assistant.DeleteSession(c.Request.Context(), ownerID, c.Param("id")); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type renameSessionRequest struct {
	Title string `json:"title"`
}

func (h *Handler) renameSession(c *gin.Context) {
	ownerID, ok := h.ownerID(c)
	if !ok {
		return
	}
	var req renameSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}
	if err := h.assistant.UpdateSessionTitle(c.Request.Context(), ownerID, c.Param("id"), strings.TrimSpace(req.Title)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// sessionReport queues a render job and streams the PDF back. The render
// runs under its own wall-clock budget; exceeding it surfaces as a
// gateway timeout instead of holding the request slot open.
func (h *Handler) sessionReport(c *gin.Context) {
	ownerID, ok := h.ownerID(c)
	if !ok {
		return
	}
	resultCh := make(chan worker.Result, 1)
	job := worker.Job{
		Context:   c.Request.Context(),
		OwnerID:   ownerID,
		SessionID: c.Param("id"),
		Result:    resultCh,
	}
	if err := h.reports.Submit(job); err != nil {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
		return
	}

	res := <-resultCh
	if res.Err != nil {
		switch {
		case errors.Is(res.Err, sql.ErrNoRows), errors.Is(res.Err, report.ErrNoContent):
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		case errors.Is(res.Err, context.DeadlineExceeded):
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "report rendering timed out"})
		default:
			log.Printf("report render failed: %v", res.Err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "report generation failed"})
		}
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.Doc.Filename))
	c.Data(http.StatusOK, "application/pdf", res.Doc.Data)
}

func (h *Handler) getChart(c *gin.Context) {
	ownerID, ok := h.ownerID(c)
	if !ok {
		return
	}
	chart, ok := h.loadChart(c, ownerID, c.Param("id"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, chart)
}

func (h *Handler) getCSV(c *gin.Context) {
	ownerID, ok := h.ownerID(c)
	if !ok {
		return
	}
	csvID := c.Param("id")

	cacheKey := "csv:" + ownerID + ":" + csvID
	if cached, ok := h.cacheGet(c, cacheKey, &models.CSV{}); ok {
		c.JSON(http.StatusOK, cached)
		return
	}

	csv, err := h.assistant.GetCSV(c.Request.Context(), ownerID, csvID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || errors.Is(err, assistant.ErrCorruptArtifact) {
			c.JSON(http.StatusNotFound, gin.H{"error": "csv not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.cacheSet(c, cacheKey, csv)
	c.JSON(http.StatusOK, csv)
}

func (h *Handler) loadChart(c *gin.Context, ownerID, chartID string) (*models.Chart, bool) {
	cacheKey := "chart:" + ownerID + ":" + chartID
	if cached, ok := h.cacheGet(c, cacheKey, &models.Chart{}); ok {
		return cached.(*models.Chart), true
	}

	chart, err := h.assistant.GetChart(c.Request.Context(), ownerID, chartID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || errors.Is(err, assistant.ErrCorruptArtifact) {
			c.JSON(http.StatusNotFound, gin.H{"error": "chart not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, false
	}
	h.cacheSet(c, cacheKey, chart)
	return chart, true
}

// cacheGet fills target from the artifact cache. Target must be a
// pointer; a decode failure counts as a miss.
func (h *Handler) cacheGet(c *gin.Context, key string, target interface{}) (interface{}, bool) {
	if h.cache == nil {
		return nil, false
	}
	raw, err := h.cache.Get(c.Request.Context(), key)
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			log.Printf("artifact cache read failed: %v", err)
		}
		return nil, false
	}
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		return nil, false
	}
	return target, true
}

func (h *Handler) cacheSet(c *gin.Context, key string, value interface{}) {
	if h.cache == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := h.cache.Set(c.Request.Context(), key, string(data), artifactCacheTTL); err != nil {
		log.Printf("artifact cache write failed: %v", err)
	}
}
