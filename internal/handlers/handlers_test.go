// Package handlers tests — uses package-level access to test unexported helpers.
package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"tripdesk/internal/amadeus"
	"tripdesk/internal/config"
	"tripdesk/internal/database"
	"tripdesk/internal/llm"
)

// ─── Test helpers ─────────────────────────────────────────────────────────────

func testConfig() *config.Config {
	return &config.Config{
		DBPath:            ":memory:",
		MetaVerifyToken:   "test-verify-token",
		MetaAppSecret:     "test-app-secret",
		MetaAccessToken:   "test-access-token",
		MetaAPIVersion:    "v18.0",
		MetaPhoneNumberID: "123456789",
		GeminiAPIKey:      "test-gemini-key",
		GeminiModel:       "test-model",
		AmadeusAPIKey:     "test-amadeus-key",
		AmadeusAPISecret:  "test-amadeus-secret",
	}
}

func testDB(t *testing.T) *database.DB {
	t.Helper()
	db := database.Init(":memory:")
	t.Cleanup(func() { db.Close() })
	return db
}

func metaSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return fmt.Sprintf("sha256=%x", mac.Sum(nil))
}

// metaRecorder captures outbound calls to the fake Graph API.
type metaRecorder struct {
	mu    sync.Mutex
	calls []map[string]any
}

func (r *metaRecorder) record(body map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, body)
}

func (r *metaRecorder) snapshot() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]any(nil), r.calls...)
}

// newFakeMetaServer stands in for graph.facebook.com and records every POST.
func newFakeMetaServer(t *testing.T) *metaRecorder {
	t.Helper()
	rec := &metaRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			rec.record(body)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"messages":[{"id":"wamid.ok"}]}`))
	}))
	t.Cleanup(srv.Close)

	prev := metaAPIBaseURL
	metaAPIBaseURL = srv.URL
	t.Cleanup(func() { metaAPIBaseURL = prev })
	return rec
}

// stubResponder is a canned Responder that records its inputs.
type stubResponder struct {
	mu    sync.Mutex
	reply string
	calls []string
}

func (s *stubResponder) Reply(ctx context.Context, conversationID, text string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, conversationID+"|"+text)
	return s.reply
}

func (s *stubResponder) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func textMessagePayload(from, id, body string) []byte {
	return []byte(fmt.Sprintf(
		`{"object":"whatsapp_business_account","entry":[{"changes":[{"value":{"messages":[{"from":"%s","id":"%s","type":"text","text":{"body":"%s"}}]}}]}]}`,
		from, id, body,
	))
}

// ─── GET /health ──────────────────────────────────────────────────────────────

func TestHealthCheck(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	HealthCheck(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("response is not valid JSON: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("expected status=healthy, got %q", body["status"])
	}
}

// ─── GET /whatsapp/webhook (verification) ────────────────────────────────────

func TestVerifyWebhook_Valid(t *testing.T) {
	handler := VerifyWebhook(testConfig())

	req := httptest.NewRequest(http.MethodGet, "/whatsapp/webhook?hub.mode=subscribe&hub.challenge=abc123&hub.verify_token=test-verify-token", nil)
	w := httptest.NewRecorder()

	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != "abc123" {
		t.Errorf("expected challenge abc123, got %q", w.Body.String())
	}
}

func TestVerifyWebhook_WrongToken(t *testing.T) {
	handler := VerifyWebhook(testConfig())

	req := httptest.NewRequest(http.MethodGet, "/whatsapp/webhook?hub.mode=subscribe&hub.challenge=abc123&hub.verify_token=WRONG", nil)
	w := httptest.NewRecorder()

	handler(w, req)

	// Verification failures must never surface as non-2xx.
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != verifyErrorBody {
		t.Errorf("expected error body, got %q", w.Body.String())
	}
}

func TestVerifyWebhook_WrongMode(t *testing.T) {
	handler := VerifyWebhook(testConfig())

	req := httptest.NewRequest(http.MethodGet, "/whatsapp/webhook?hub.mode=unsubscribe&hub.challenge=abc123&hub.verify_token=test-verify-token", nil)
	w := httptest.NewRecorder()

	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != verifyErrorBody {
		t.Errorf("expected error body, got %q", w.Body.String())
	}
}

func TestVerifyWebhook_MissingToken(t *testing.T) {
	handler := VerifyWebhook(testConfig())

	req := httptest.NewRequest(http.MethodGet, "/whatsapp/webhook?hub.mode=subscribe&hub.challenge=abc123", nil)
	w := httptest.NewRecorder()

	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != verifyErrorBody {
		t.Errorf("expected error body, got %q", w.Body.String())
	}
}

// ─── HMAC signature verification ─────────────────────────────────────────────

func TestVerifyMetaSignature_Valid(t *testing.T) {
	body := []byte(`{"test":"payload"}`)
	sig := metaSignature("my-secret", body)

	if !verifyMetaSignature("my-secret", body, sig) {
		t.Error("expected valid signature to pass")
	}
}

func TestVerifyMetaSignature_Invalid(t *testing.T) {
	body := []byte(`{"test":"payload"}`)
	if verifyMetaSignature("my-secret", body, "sha256=badhash") {
		t.Error("expected bad signature to fail")
	}
}

func TestVerifyMetaSignature_Empty(t *testing.T) {
	if verifyMetaSignature("my-secret", []byte("body"), "") {
		t.Error("expected empty signature to fail")
	}
}

func TestVerifyMetaSignature_BodyTampered(t *testing.T) {
	body := []byte(`{"test":"payload"}`)
	sig := metaSignature("my-secret", body)
	tampered := []byte(`{"test":"TAMPERED"}`)

	if verifyMetaSignature("my-secret", tampered, sig) {
		t.Error("expected tampered body to fail verification")
	}
}

// ─── POST /whatsapp/webhook (inbound message) ─────────────────────────────────

func TestHandleWhatsAppMessage_BadSignature_Returns403(t *testing.T) {
	handler := HandleWhatsAppMessage(testDB(t), testConfig(), &stubResponder{})

	body := []byte(`{"object":"whatsapp_business_account"}`)
	req := httptest.NewRequest(http.MethodPost, "/whatsapp/webhook", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256=badsignature")

	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for bad signature, got %d", w.Code)
	}
}

func TestHandleWhatsAppMessage_MissingSignature_Returns403(t *testing.T) {
	handler := HandleWhatsAppMessage(testDB(t), testConfig(), &stubResponder{})

	body := []byte(`{"object":"whatsapp_business_account"}`)
	req := httptest.NewRequest(http.MethodPost, "/whatsapp/webhook", bytes.NewReader(body))
	// No signature header.

	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for missing signature, got %d", w.Code)
	}
}

func TestHandleWhatsAppMessage_TextMessage_AcksAndDelivers(t *testing.T) {
	cfg := testConfig()
	rec := newFakeMetaServer(t)
	bot := &stubResponder{reply: "Happy to help! ✈️"}
	handler := HandleWhatsAppMessage(testDB(t), cfg, bot)

	body := textMessagePayload("14165551234", "wamid.text001", "I need a flight to Bangkok")
	req := httptest.NewRequest(http.MethodPost, "/whatsapp/webhook", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", metaSignature(cfg.MetaAppSecret, body))

	w := httptest.NewRecorder()
	handler(w, req)

	// Must return 200 immediately regardless of async work.
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	// Give the goroutine time to finish the turn.
	time.Sleep(300 * time.Millisecond)

	if got := bot.callCount(); got != 1 {
		t.Fatalf("expected orchestrator to run once, ran %d times", got)
	}

	calls := rec.snapshot()
	if len(calls) != 2 {
		t.Fatalf("expected read receipt + reply, got %d outbound calls", len(calls))
	}
	if calls[0]["status"] != "read" || calls[0]["message_id"] != "wamid.text001" {
		t.Errorf("expected first call to mark message as read, got %v", calls[0])
	}

	reply := calls[1]
	if reply["to"] != "14165551234" {
		t.Errorf("expected reply to sender, got %v", reply["to"])
	}
	text, _ := reply["text"].(map[string]any)
	if text["body"] != "Happy to help! ✈️" {
		t.Errorf("expected orchestrator reply in body, got %v", text["body"])
	}
	ctxField, _ := reply["context"].(map[string]any)
	if ctxField["message_id"] != "wamid.text001" {
		t.Errorf("expected reply threaded on inbound message, got %v", reply["context"])
	}
}

func TestHandleWhatsAppMessage_UnsupportedType_NoDelivery(t *testing.T) {
	cfg := testConfig()
	rec := newFakeMetaServer(t)
	bot := &stubResponder{reply: "should never be used"}
	handler := HandleWhatsAppMessage(testDB(t), cfg, bot)

	body := []byte(`{"object":"whatsapp_business_account","entry":[{"changes":[{"value":{"messages":[{"from":"14165551234","id":"wamid.img001","type":"image"}]}}]}]}`)
	req := httptest.NewRequest(http.MethodPost, "/whatsapp/webhook", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", metaSignature(cfg.MetaAppSecret, body))

	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for unsupported type, got %d", w.Code)
	}

	time.Sleep(300 * time.Millisecond)

	if got := bot.callCount(); got != 0 {
		t.Errorf("expected no orchestrator calls for image message, got %d", got)
	}
	if calls := rec.snapshot(); len(calls) != 0 {
		t.Errorf("expected no outbound calls for image message, got %d", len(calls))
	}
}

func TestHandleWhatsAppMessage_StatusPayload_Returns200(t *testing.T) {
	// Meta sends delivery receipts with no messages array. Must not crash.
	cfg := testConfig()
	handler := HandleWhatsAppMessage(testDB(t), cfg, &stubResponder{})

	body := []byte(`{"object":"whatsapp_business_account","entry":[{"changes":[{"value":{"statuses":[{"id":"wamid.status","status":"delivered"}]}}]}]}`)
	req := httptest.NewRequest(http.MethodPost, "/whatsapp/webhook", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", metaSignature(cfg.MetaAppSecret, body))

	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for status payload, got %d", w.Code)
	}
}

func TestHandleWhatsAppMessage_DuplicateMessage_ProcessedOnce(t *testing.T) {
	cfg := testConfig()
	newFakeMetaServer(t)
	bot := &stubResponder{reply: "hello"}
	handler := HandleWhatsAppMessage(testDB(t), cfg, bot)

	body := textMessagePayload("14165551234", "wamid.dup001", "hello?")
	sig := metaSignature(cfg.MetaAppSecret, body)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/whatsapp/webhook", bytes.NewReader(body))
		req.Header.Set("X-Hub-Signature-256", sig)
		w := httptest.NewRecorder()
		handler(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
	}

	time.Sleep(300 * time.Millisecond)

	if got := bot.callCount(); got != 1 {
		t.Errorf("expected duplicate wamid to be processed once, got %d", got)
	}
}

// ─── Full pipeline with a real orchestrator ───────────────────────────────────

func TestHandleWhatsAppMessage_EndToEnd_ModelReply(t *testing.T) {
	cfg := testConfig()
	rec := newFakeMetaServer(t)
	db := testDB(t)

	// Fake OpenAI-compatible model endpoint — plain text answer, no tool call.
	fakeModel := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"cmpl-1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"Bangkok is lovely in June! 🌴"},"finish_reason":"stop"}]}`)
	}))
	defer fakeModel.Close()

	llm.SetSystemPromptForTest("You are a test assistant.")
	model := llm.NewClient("test-key", fakeModel.URL+"/v1")
	flights := amadeus.NewClient(amadeus.NewTokenCache("", ""))
	bot := llm.NewOrchestrator(model, db, flights, "test-model")

	handler := HandleWhatsAppMessage(db, cfg, bot)

	body := textMessagePayload("14165559999", "wamid.e2e001", "Tell me about Bangkok")
	req := httptest.NewRequest(http.MethodPost, "/whatsapp/webhook", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", metaSignature(cfg.MetaAppSecret, body))

	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	time.Sleep(500 * time.Millisecond)

	calls := rec.snapshot()
	if len(calls) != 2 {
		t.Fatalf("expected read receipt + reply, got %d outbound calls", len(calls))
	}
	text, _ := calls[1]["text"].(map[string]any)
	if text["body"] != "Bangkok is lovely in June! 🌴" {
		t.Errorf("expected model reply delivered, got %v", text["body"])
	}
}
