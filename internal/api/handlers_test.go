package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"finchatgo/internal/auth"
	"finchatgo/internal/config"
	"finchatgo/internal/models"
	"finchatgo/internal/orchestrator"
	"finchatgo/internal/report"
	"finchatgo/internal/service/assistant"
	"finchatgo/internal/service/engine"
	"finchatgo/internal/storage"
	"finchatgo/internal/worker"
)

type mockRunner struct {
	events  []orchestrator.Event
	err     error
	lastReq orchestrator.TurnRequest
}

func (m *mockRunner) StartTurn(_ context.Context, req orchestrator.TurnRequest, emit orchestrator.EmitFunc) error {
	m.lastReq = req
	if m.err != nil {
		return m.err
	}
	for _, ev := range m.events {
		if err := emit(ev); err != nil {
			return nil
		}
	}
	return nil
}

type mockReports struct {
	doc  *report.Document
	err  error
	busy bool
}

func (m *mockReports) Submit(job worker.Job) error {
	if m.busy {
		return worker.ErrQueueFull
	}
	job.Result <- worker.Result{Doc: m.doc, Err: m.err}
	return nil
}

func newTestServer(t *testing.T) (*gin.Engine, *sql.DB, *mockRunner, *mockReports, *assistant.Service, *auth.PageTokens) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	asst := assistant.NewService(db)
	runner := &mockRunner{}
	reports := &mockReports{}
	tokens := auth.NewPageTokens()
	handler := NewHandler(asst, runner, reports, nil, tokens)

	router := gin.New()
	handler.RegisterRoutes(router, false)
	return router, db, runner, reports, asst, tokens
}

var authHeader = map[string]string{"Authorization": "Bearer alice"}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, payload string) []sseEvent {
	t.Helper()
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil
	}
	var events []sseEvent
	for _, chunk := range strings.Split(payload, "\n\n") {
		lines := strings.Split(strings.TrimSpace(chunk), "\n")
		var evt sseEvent
		for _, line := range lines {
			switch {
			case strings.HasPrefix(line, "event:"):
				evt.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				evt.Data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
		events = append(events, evt)
	}
	return events
}

func TestChatStreamsEvents(t *testing.T) {
	router, _, runner, _, _, _ := newTestServer(t)
	runner.events = []orchestrator.Event{
		{Type: orchestrator.EventTextDelta, Delta: "Revenue "},
		{Type: orchestrator.EventTextDelta, Delta: "grew."},
		{Type: orchestrator.EventFinish, SessionID: "s1", MessageID: "m1", ProcessingMS: 42},
	}

	rec := doJSONRequest(t, router, http.MethodPost, "/api/chat",
		map[string]string{"content": "How did revenue develop?"}, authHeader)
	assertStatus(t, rec, http.StatusOK)
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	events := parseSSE(t, rec.Body.String())
	if len(events) != 3 {
		t.Fatalf("expected 3 SSE events, got %d", len(events))
	}
	if events[0].Name != "text-delta" || events[2].Name != "finish" {
		t.Fatalf("unexpected event sequence: %#v", events)
	}
	var finish struct {
		SessionID string `json:"session_id"`
	}
	decodeJSON(t, []byte(events[2].Data), &finish)
	if finish.SessionID != "s1" {
		t.Fatalf("finish payload missing session id: %s", events[2].Data)
	}
	if runner.lastReq.OwnerID != "alice" {
		t.Fatalf("owner identity not forwarded: %q", runner.lastReq.OwnerID)
	}
}

func TestChatRequiresAuth(t *testing.T) {
	router, _, _, _, _, _ := newTestServer(t)

	rec := doJSONRequest(t, router, http.MethodPost, "/api/chat",
		map[string]string{"content": "hi"}, nil)
	assertStatus(t, rec, http.StatusUnauthorized)
	var body struct {
		Code string `json:"code"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.Code != "AUTH_REQUIRED" {
		t.Fatalf("expected AUTH_REQUIRED, got %q", body.Code)
	}
}

func TestChatCompatibilityErrorCode(t *testing.T) {
	router, _, runner, _, _, _ := newTestServer(t)
	runner.err = fmt.Errorf("%w: no tool support", engine.ErrModelCompatibility)

	rec := doJSONRequest(t, router, http.MethodPost, "/api/chat",
		map[string]string{"content": "hi"}, authHeader)
	assertStatus(t, rec, http.StatusBadRequest)
	var body struct {
		Code string `json:"code"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	if body.Code != "MODEL_COMPATIBILITY_ERROR" {
		t.Fatalf("expected MODEL_COMPATIBILITY_ERROR, got %q", body.Code)
	}
}

func TestChatLocalProviderHeaders(t *testing.T) {
	router, _, runner, _, _, _ := newTestServer(t)
	runner.events = []orchestrator.Event{{Type: orchestrator.EventFinish, SessionID: "s1"}}

	headers := map[string]string{
		"Authorization":    "Bearer alice",
		"X-Local-Provider": "1",
		"X-Local-Model":    "qwen3:8b",
	}
	rec := doJSONRequest(t, router, http.MethodPost, "/api/chat",
		map[string]string{"content": "hi"}, headers)
	assertStatus(t, rec, http.StatusOK)

	if runner.lastReq.Local.Enabled == nil || !*runner.lastReq.Local.Enabled {
		t.Fatalf("local provider toggle not forwarded: %+v", runner.lastReq.Local)
	}
	if runner.lastReq.Local.Model != "qwen3:8b" {
		t.Fatalf("local model not forwarded: %q", runner.lastReq.Local.Model)
	}
}

func TestChatForwardsClientMessageList(t *testing.T) {
	router, _, runner, _, _, _ := newTestServer(t)
	runner.events = []orchestrator.Event{{Type: orchestrator.EventFinish, SessionID: "s1"}}

	body := map[string]interface{}{
		"session_id": "s1",
		"content":    "and the outlook?",
		"messages": []map[string]interface{}{
			{
				"id":    "local-1",
				"role":  "user",
				"parts": []map[string]string{{"type": "text", "text": "how was Q2?"}},
			},
			{
				"id":    "local-2",
				"role":  "assistant",
				"parts": []map[string]string{{"type": "text", "text": "Q2 beat estimates."}},
			},
		},
	}
	rec := doJSONRequest(t, router, http.MethodPost, "/api/chat", body, authHeader)
	assertStatus(t, rec, http.StatusOK)

	history := runner.lastReq.History
	if len(history) != 2 {
		t.Fatalf("expected 2 prior messages, got %d", len(history))
	}
	if history[0].ID != "local-1" || history[0].Role != models.RoleUser {
		t.Fatalf("first prior message mangled: %+v", history[0])
	}
	if got := history[1].Text(); got != "Q2 beat estimates." {
		t.Fatalf("assistant prose lost: %q", got)
	}

	// Without a list the orchestrator falls back to stored history.
	rec = doJSONRequest(t, router, http.MethodPost, "/api/chat",
		map[string]string{"session_id": "s1", "content": "hi"}, authHeader)
	assertStatus(t, rec, http.StatusOK)
	if runner.lastReq.History != nil {
		t.Fatalf("absent message list must stay nil, got %+v", runner.lastReq.History)
	}
}

func TestSessionCRUD(t *testing.T) {
	router, _, _, _, _, _ := newTestServer(t)

	createResp := doJSONRequest(t, router, http.MethodPost, "/api/sessions",
		map[string]string{"title": "Earnings Q3"}, authHeader)
	assertStatus(t, createResp, http.StatusCreated)
	var created models.Session
	decodeJSON(t, createResp.Body.Bytes(), &created)
	if created.ID == "" || created.Title != "Earnings Q3" {
		t.Fatalf("unexpected session: %+v", created)
	}

	listResp := doJSONRequest(t, router, http.MethodGet, "/api/sessions", nil, authHeader)
	assertStatus(t, listResp, http.StatusOK)
	var listBody struct {
		Sessions []models.Session `json:"sessions"`
	}
	decodeJSON(t, listResp.Body.Bytes(), &listBody)
	if len(listBody.Sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(listBody.Sessions))
	}

	renameResp := doJSONRequest(t, router, http.MethodPatch,
		"/api/sessions/"+created.ID+"/title", map[string]string{"title": "Renamed"}, authHeader)
	assertStatus(t, renameResp, http.StatusNoContent)

	getResp := doJSONRequest(t, router, http.MethodGet, "/api/sessions/"+created.ID, nil, authHeader)
	assertStatus(t, getResp, http.StatusOK)
	var getBody struct {
		Session models.Session `json:"session"`
	}
	decodeJSON(t, getResp.Body.Bytes(), &getBody)
	if getBody.Session.Title != "Renamed" {
		t.Fatalf("rename not visible: %q", getBody.Session.Title)
	}

	delResp := doJSONRequest(t, router, http.MethodDelete, "/api/sessions/"+created.ID, nil, authHeader)
	assertStatus(t, delResp, http.StatusNoContent)

	missingResp := doJSONRequest(t, router, http.MethodGet, "/api/sessions/"+created.ID, nil, authHeader)
	assertStatus(t, missingResp, http.StatusNotFound)
}

func TestArtifactFetch(t *testing.T) {
	router, db, _, _, asst, _ := newTestServer(t)
	ctx := context.Background()

	sess, err := asst.CreateSession(ctx, "alice", "Charts")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	chart := &models.Chart{
		ID:        "11111111-2222-3333-4444-555555555555",
		OwnerID:   "alice",
		SessionID: sess.ID,
		Type:      models.ChartLine,
		Title:     "Revenue",
		Series: []models.ChartSeries{{
			Name: "ACME",
			Data: []models.ChartPoint{{X: "Q1", Y: 10}},
		}},
		CreatedAt: time.Now().UTC(),
	}
	if err := asst.SaveChart(ctx, chart); err != nil {
		t.Fatalf("save chart: %v", err)
	}

	rec := doJSONRequest(t, router, http.MethodGet, "/api/charts/"+chart.ID, nil, authHeader)
	assertStatus(t, rec, http.StatusOK)
	var got models.Chart
	decodeJSON(t, rec.Body.Bytes(), &got)
	if got.Title != "Revenue" || len(got.Series) != 1 {
		t.Fatalf("unexpected chart payload: %+v", got)
	}

	missing := doJSONRequest(t, router, http.MethodGet,
		"/api/charts/99999999-8888-7777-6666-555555555555", nil, authHeader)
	assertStatus(t, missing, http.StatusNotFound)

	// A corrupt stored payload is indistinguishable from absence.
	corruptID := "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee"
	if _, err := db.Exec(
		`INSERT INTO charts (id, owner_id, session_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		corruptID, "alice", sess.ID, "{not json", time.Now().UTC()); err != nil {
		t.Fatalf("insert corrupt chart: %v", err)
	}
	corrupt := doJSONRequest(t, router, http.MethodGet, "/api/charts/"+corruptID, nil, authHeader)
	assertStatus(t, corrupt, http.StatusNotFound)
}

func TestChartPageServesHTML(t *testing.T) {
	router, _, _, _, asst, tokens := newTestServer(t)
	ctx := context.Background()

	sess, err := asst.CreateSession(ctx, "alice", "Charts")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	chart := &models.Chart{
		ID:        "11111111-2222-3333-4444-555555555555",
		OwnerID:   "alice",
		SessionID: sess.ID,
		Type:      models.ChartBar,
		Title:     "Margins",
		Series:    []models.ChartSeries{{Name: "ACME", Data: []models.ChartPoint{{X: "Q1", Y: 0.4}}}},
		CreatedAt: time.Now().UTC(),
	}
	if err := asst.SaveChart(ctx, chart); err != nil {
		t.Fatalf("save chart: %v", err)
	}

	// The rasterizer fetches the page with a one-shot token and no headers.
	token := tokens.Issue("alice", chart.ID)
	rec := doJSONRequest(t, router, http.MethodGet, "/api/charts/"+chart.ID+"/page?page_token="+token, nil, nil)
	assertStatus(t, rec, http.StatusOK)
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "<canvas") {
		t.Fatalf("chart page missing canvas element")
	}

	rec = doJSONRequest(t, router, http.MethodGet, "/api/charts/"+chart.ID+"/page?page_token="+token, nil, nil)
	assertStatus(t, rec, http.StatusUnauthorized)

	rec = doJSONRequest(t, router, http.MethodGet, "/api/charts/"+chart.ID+"/page", nil, nil)
	assertStatus(t, rec, http.StatusUnauthorized)
}

func TestSessionReportDownload(t *testing.T) {
	router, _, _, reports, _, _ := newTestServer(t)
	reports.doc = &report.Document{Filename: "Earnings_Q3.pdf", Data: []byte("%PDF-fake")}

	rec := doJSONRequest(t, router, http.MethodGet, "/api/sessions/s1/report", nil, authHeader)
	assertStatus(t, rec, http.StatusOK)
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "Earnings_Q3.pdf") {
		t.Fatalf("unexpected content disposition %q", cd)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF")) {
		t.Fatalf("response is not a PDF")
	}

	reports.doc = nil
	reports.err = sql.ErrNoRows
	missing := doJSONRequest(t, router, http.MethodGet, "/api/sessions/none/report", nil, authHeader)
	assertStatus(t, missing, http.StatusNotFound)

	reports.err = nil
	reports.busy = true
	busy := doJSONRequest(t, router, http.MethodGet, "/api/sessions/s1/report", nil, authHeader)
	assertStatus(t, busy, http.StatusTooManyRequests)
}
