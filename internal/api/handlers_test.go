package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"localchat/internal/auth"
	"localchat/internal/chat"
	"localchat/internal/config"
	"localchat/internal/llm"
	"localchat/internal/registry"
	"localchat/internal/relay"
	"localchat/internal/storage"
	"localchat/internal/title"
)

type testServer struct {
	router   *gin.Engine
	db       *sql.DB
	registry *registry.Registry
}

func TestHandlersEndToEndFlow(t *testing.T) {
	srv := newTestServer(t)
	authHeader := registerAndLogin(t, srv.router, "alice")

	createResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/conversations", nil, authHeader)
	assertStatus(t, createResp, http.StatusCreated)
	var conv struct {
		ID    int64  `json:"id"`
		Label string `json:"label"`
	}
	decodeJSON(t, createResp.Body.Bytes(), &conv)
	if conv.ID <= 0 || conv.Label != "New chat" {
		t.Fatalf("unexpected conversation: %+v", conv)
	}

	msgResp := doJSONRequest(t, srv.router, http.MethodPost,
		fmt.Sprintf("/api/conversations/%d/messages", conv.ID),
		map[string]string{"content": "What is 2+2?", "model": "m1"},
		authHeader)
	assertStatus(t, msgResp, http.StatusCreated)
	var msgBody struct {
		TurnID int64  `json:"turn_id"`
		Label  string `json:"label"`
	}
	decodeJSON(t, msgResp.Body.Bytes(), &msgBody)
	if msgBody.TurnID <= 0 || msgBody.Label != "Math Help" {
		t.Fatalf("unexpected submit response: %+v", msgBody)
	}

	genResp := doJSONRequest(t, srv.router, http.MethodGet,
		fmt.Sprintf("/api/conversations/%d/generate?model=m1", conv.ID), nil, authHeader)
	assertStatus(t, genResp, http.StatusOK)
	if ct := genResp.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	events := parseSSE(t, genResp.Body.String())
	names := make([]string, 0, len(events))
	for _, ev := range events {
		names = append(names, ev.Name)
	}
	if strings.Join(names, ",") != "started,content,content,done" {
		t.Fatalf("unexpected events: %v", names)
	}
	var started struct {
		TurnID int64 `json:"turn_id"`
	}
	decodeJSON(t, []byte(events[0].Data), &started)
	var first struct {
		Delta string `json:"delta"`
	}
	decodeJSON(t, []byte(events[1].Data), &first)
	if started.TurnID <= 0 || first.Delta != "4" {
		t.Fatalf("unexpected event payloads: %s %s", events[0].Data, events[1].Data)
	}

	getResp := doJSONRequest(t, srv.router, http.MethodGet, fmt.Sprintf("/api/conversations/%d", conv.ID), nil, authHeader)
	assertStatus(t, getResp, http.StatusOK)
	var detail struct {
		Conversation struct {
			Label string `json:"label"`
		} `json:"conversation"`
		Messages []struct {
			ID      int64   `json:"id"`
			Role    string  `json:"role"`
			Content string  `json:"content"`
			Model   *string `json:"model"`
		} `json:"messages"`
	}
	decodeJSON(t, getResp.Body.Bytes(), &detail)
	if detail.Conversation.Label != "Math Help" || len(detail.Messages) != 2 {
		t.Fatalf("unexpected detail: %s", getResp.Body.String())
	}
	asst := detail.Messages[1]
	if asst.ID != started.TurnID || asst.Role != "assistant" || asst.Content != "4." || asst.Model == nil || *asst.Model != "m1" {
		t.Fatalf("unexpected assistant turn: %+v", asst)
	}

	cancelResp := doJSONRequest(t, srv.router, http.MethodPost, fmt.Sprintf("/api/conversations/%d/cancel", conv.ID), nil, authHeader)
	assertStatus(t, cancelResp, http.StatusOK)
	if !strings.Contains(cancelResp.Body.String(), `"success":true`) {
		t.Fatalf("unexpected cancel body: %s", cancelResp.Body.String())
	}

	modelsResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/models", nil, authHeader)
	assertStatus(t, modelsResp, http.StatusOK)
	if !strings.Contains(modelsResp.Body.String(), `"id":"m1"`) {
		t.Fatalf("unexpected models body: %s", modelsResp.Body.String())
	}

	renameResp := doJSONRequest(t, srv.router, http.MethodPatch, fmt.Sprintf("/api/conversations/%d", conv.ID),
		map[string]string{"label": "Arithmetic"}, authHeader)
	assertStatus(t, renameResp, http.StatusOK)

	listResp := doJSONRequest(t, srv.router, http.MethodGet, "/api/conversations", nil, authHeader)
	assertStatus(t, listResp, http.StatusOK)
	if !strings.Contains(listResp.Body.String(), "Arithmetic") {
		t.Fatalf("renamed label missing from list: %s", listResp.Body.String())
	}

	delResp := doJSONRequest(t, srv.router, http.MethodDelete, fmt.Sprintf("/api/conversations/%d", conv.ID), nil, authHeader)
	assertStatus(t, delResp, http.StatusNoContent)
	missing := doJSONRequest(t, srv.router, http.MethodGet, fmt.Sprintf("/api/conversations/%d", conv.ID), nil, authHeader)
	assertStatus(t, missing, http.StatusNotFound)
}

func TestGenerateBusyEmitsSingleEvent(t *testing.T) {
	srv := newTestServer(t)
	authHeader := registerAndLogin(t, srv.router, "bob")
	convID := createConversation(t, srv.router, authHeader)

	if _, err := srv.registry.Begin(convID); err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer srv.registry.End(convID)

	resp := doJSONRequest(t, srv.router, http.MethodGet, fmt.Sprintf("/api/conversations/%d/generate?model=m1", convID), nil, authHeader)
	assertStatus(t, resp, http.StatusOK)
	events := parseSSE(t, resp.Body.String())
	if len(events) != 1 || events[0].Name != string(relay.EventBusy) {
		t.Fatalf("expected single busy event, got %+v", events)
	}
	var count int
	if err := srv.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, convID).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != 0 {
		t.Fatalf("busy generation created %d turns", count)
	}
}

func TestConversationOwnershipIsEnforced(t *testing.T) {
	srv := newTestServer(t)
	owner := registerAndLogin(t, srv.router, "carol")
	intruder := registerAndLogin(t, srv.router, "dave")
	convID := createConversation(t, srv.router, owner)

	gen := doJSONRequest(t, srv.router, http.MethodGet, fmt.Sprintf("/api/conversations/%d/generate", convID), nil, intruder)
	assertStatus(t, gen, http.StatusForbidden)
	if ct := gen.Header().Get("Content-Type"); strings.Contains(ct, "event-stream") {
		t.Fatalf("ownership failure must not open a stream")
	}
	cancel := doJSONRequest(t, srv.router, http.MethodPost, fmt.Sprintf("/api/conversations/%d/cancel", convID), nil, intruder)
	assertStatus(t, cancel, http.StatusForbidden)
	del := doJSONRequest(t, srv.router, http.MethodDelete, fmt.Sprintf("/api/conversations/%d", convID), nil, intruder)
	assertStatus(t, del, http.StatusForbidden)

	notFound := doJSONRequest(t, srv.router, http.MethodPost, "/api/conversations/9999/cancel", nil, owner)
	assertStatus(t, notFound, http.StatusNotFound)
	badID := doJSONRequest(t, srv.router, http.MethodGet, "/api/conversations/abc", nil, owner)
	assertStatus(t, badID, http.StatusBadRequest)
}

func TestAuthRequiredAndCSRF(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSONRequest(t, srv.router, http.MethodGet, "/api/conversations", nil, nil)
	assertStatus(t, resp, http.StatusUnauthorized)

	bearer := registerAndLogin(t, srv.router, "erin")
	token := strings.TrimPrefix(bearer["Authorization"], "Bearer ")
	cookie := map[string]string{"Cookie": "auth_token=" + token}

	// cookie auth reads are allowed, writes need the csrf double submit
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, "/api/conversations", nil, cookie), http.StatusOK)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPost, "/api/conversations", nil, cookie), http.StatusForbidden)
	withCSRF := map[string]string{
		"Cookie":       "auth_token=" + token + "; csrf_token=abc",
		"X-CSRF-Token": "abc",
	}
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPost, "/api/conversations", nil, withCSRF), http.StatusCreated)

	logout := doJSONRequest(t, srv.router, http.MethodPost, "/api/users/logout", nil, bearer)
	assertStatus(t, logout, http.StatusNoContent)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, "/api/conversations", nil, bearer), http.StatusUnauthorized)
}

func TestLogoutEverywhereRevokesAllSessions(t *testing.T) {
	srv := newTestServer(t)

	laptop := registerAndLogin(t, srv.router, "gina")
	loginResp := doJSONRequest(t, srv.router, http.MethodPost, "/api/users/login", map[string]string{
		"username": "gina",
		"password": "pass123",
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)
	var second struct {
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, loginResp.Body.Bytes(), &second)
	phone := map[string]string{"Authorization": "Bearer " + second.AuthToken}
	other := registerAndLogin(t, srv.router, "hank")

	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPost, "/api/users/logout-all", nil, phone), http.StatusNoContent)

	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, "/api/conversations", nil, laptop), http.StatusUnauthorized)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, "/api/conversations", nil, phone), http.StatusUnauthorized)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, "/api/conversations", nil, other), http.StatusOK)
}

func TestRegisterValidation(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/api/users/register", map[string]string{"username": "", "password": ""}, nil)
	assertStatus(t, resp, http.StatusBadRequest)

	registerAndLogin(t, srv.router, "frank")
	dup := doJSONRequest(t, srv.router, http.MethodPost, "/api/users/register", map[string]string{"username": "frank", "password": "x"}, nil)
	assertStatus(t, dup, http.StatusConflict)

	bad := doJSONRequest(t, srv.router, http.MethodPost, "/api/users/login", map[string]string{"username": "frank", "password": "nope"}, nil)
	assertStatus(t, bad, http.StatusUnauthorized)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, "/healthz", nil, nil), http.StatusOK)
	metrics := doJSONRequest(t, srv.router, http.MethodGet, "/metrics", nil, nil)
	assertStatus(t, metrics, http.StatusOK)
	if !strings.Contains(metrics.Body.String(), "localchat_active_generations") {
		t.Fatalf("relay metrics not exported")
	}
}

// fakeModelServer imitates the OpenAI-compatible endpoints of a local model server.
func fakeModelServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/models"):
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"object":"list","data":[{"id":"m1","object":"model","created":1,"owned_by":"local"}]}`)
		case strings.HasSuffix(r.URL.Path, "/chat/completions"):
			raw, _ := io.ReadAll(r.Body)
			var body struct {
				Stream bool `json:"stream"`
			}
			_ = json.Unmarshal(raw, &body)
			if !body.Stream {
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, `{"id":"c1","object":"chat.completion","created":1,"model":"m1",`+
					`"choices":[{"index":0,"message":{"role":"assistant","content":"\"Math Help\""},"finish_reason":"stop"}],`+
					`"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`)
				return
			}
			w.Header().Set("Content-Type", "text/event-stream")
			for _, d := range []string{"4", "."} {
				fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", d)
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T) *testServer {
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

	upstream := fakeModelServer(t)
	client, err := llm.NewClient(context.Background(), config.LLMConfig{BaseURL: upstream.URL, CompleteTimeout: 5}, nil)
	if err != nil {
		t.Fatalf("llm client: %v", err)
	}
	store := storage.NewStore(db)
	reg := registry.New()
	rl := relay.New(store, client, reg, relay.Options{Temperature: 0.6, MaxTokens: 2048, PersistTimeout: time.Second})
	chatSvc := chat.NewService(store, rl, reg, title.NewSynthesizer(client), client)
	handler := NewHandler(chatSvc, auth.NewService(db, nil, time.Hour))

	router := gin.New()
	router.Use(RequestLogger())
	handler.RegisterRoutes(router)
	return &testServer{router: router, db: db, registry: reg}
}

func createConversation(t *testing.T, router *gin.Engine, headers map[string]string) int64 {
	t.Helper()
	resp := doJSONRequest(t, router, http.MethodPost, "/api/conversations", nil, headers)
	assertStatus(t, resp, http.StatusCreated)
	var conv struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, resp.Body.Bytes(), &conv)
	return conv.ID
}

func registerAndLogin(t *testing.T, router *gin.Engine, username string) map[string]string {
	t.Helper()
	password := "pass123"
	regResp := doJSONRequest(t, router, http.MethodPost, "/api/users/register", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)

	loginResp := doJSONRequest(t, router, http.MethodPost, "/api/users/login", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)
	var loginBody struct {
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, loginResp.Body.Bytes(), &loginBody)
	if loginBody.AuthToken == "" {
		t.Fatalf("expected auth token after login")
	}
	return map[string]string{"Authorization": fmt.Sprintf("Bearer %s", loginBody.AuthToken)}
}

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

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
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
		var evt sseEvent
		for _, line := range strings.Split(strings.TrimSpace(chunk), "\n") {
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
