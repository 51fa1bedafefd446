package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"askhuman/internal/domain"
)

func testWebhookLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// recordFeed collects published events.
type recordFeed struct {
	mu     sync.Mutex
	events []domain.InboundEvent
}

func (f *recordFeed) Publish(ev domain.InboundEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *recordFeed) Events() []domain.InboundEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.InboundEvent(nil), f.events...)
}

func TestVerifyHMAC_Valid(t *testing.T) {
	secret := "test-secret"
	body := []byte(`{"content":"hello"}`)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if !verifyHMAC(body, secret, sig) {
		t.Error("valid HMAC should verify")
	}
}

func TestVerifyHMAC_Invalid(t *testing.T) {
	if verifyHMAC([]byte("body"), "secret", "sha256=invalid") {
		t.Error("invalid HMAC should not verify")
	}
}

func TestVerifyHMAC_Empty(t *testing.T) {
	if verifyHMAC([]byte("body"), "secret", "") {
		t.Error("empty signature should not verify")
	}
}

func TestWebhookHandler_MethodNotAllowed(t *testing.T) {
	w := &Webhook{logger: testWebhookLogger()}
	req := httptest.NewRequest("GET", "/webhook", nil)
	rr := httptest.NewRecorder()

	w.handleWebhook(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
}

func TestWebhookHandler_EmptyContent(t *testing.T) {
	w := &Webhook{logger: testWebhookLogger()}
	body := `{"source":"C1","author":"U1","content":""}`
	req := httptest.NewRequest("POST", "/webhook", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()

	w.handleWebhook(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestWebhookHandler_MissingSourceOrAuthor(t *testing.T) {
	w := &Webhook{logger: testWebhookLogger()}
	for _, body := range []string{
		`{"author":"U1","content":"hi"}`,
		`{"source":"C1","content":"hi"}`,
	} {
		req := httptest.NewRequest("POST", "/webhook", bytes.NewBufferString(body))
		rr := httptest.NewRecorder()
		w.handleWebhook(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, rr.Code)
		}
	}
}

func TestWebhookHandler_InvalidJSON(t *testing.T) {
	w := &Webhook{logger: testWebhookLogger()}
	req := httptest.NewRequest("POST", "/webhook", bytes.NewBufferString("not json"))
	rr := httptest.NewRecorder()

	w.handleWebhook(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestWebhookHandler_MissingSignature(t *testing.T) {
	w := &Webhook{secret: "my-secret", logger: testWebhookLogger()}
	body := `{"source":"C1","author":"U1","content":"hello"}`
	req := httptest.NewRequest("POST", "/webhook", bytes.NewBufferString(body))
	rr := httptest.NewRecorder()

	w.handleWebhook(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
}

func TestWebhookHandler_InvalidSignature(t *testing.T) {
	w := &Webhook{secret: "my-secret", logger: testWebhookLogger()}
	body := `{"source":"C1","author":"U1","content":"hello"}`
	req := httptest.NewRequest("POST", "/webhook", bytes.NewBufferString(body))
	req.Header.Set(signatureHeader, "sha256=invalid")
	rr := httptest.NewRecorder()

	w.handleWebhook(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rr.Code)
	}
}

func TestWebhookHandler_PublishesThreadReply(t *testing.T) {
	feed := &recordFeed{}
	w := &Webhook{secret: "my-secret", feed: feed, logger: testWebhookLogger()}
	body := []byte(`{"source":"C1","author":"U1","content":"it's abc123","message_id":"m2","parent_id":"m1"}`)
	req := httptest.NewRequest("POST", "/webhook", bytes.NewReader(body))
	req.Header.Set(signatureHeader, signHMAC(body, "my-secret"))
	rr := httptest.NewRecorder()

	w.handleWebhook(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}

	events := feed.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.SourceID != "C1" || ev.AuthorID != "U1" || ev.ParentMessageID != "m1" || ev.MessageID != "m2" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.Transport != "webhook" || ev.SelfOriginated {
		t.Errorf("unexpected transport or self flag: %+v", ev)
	}
}

func TestWebhookHandler_GeneratesMessageID(t *testing.T) {
	feed := &recordFeed{}
	w := &Webhook{feed: feed, logger: testWebhookLogger()}
	req := httptest.NewRequest("POST", "/webhook", bytes.NewBufferString(`{"source":"C1","author":"U1","content":"hi"}`))
	rr := httptest.NewRecorder()

	w.handleWebhook(rr, req)

	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["message_id"] == "" {
		t.Error("expected generated message_id in response")
	}
	if got := feed.Events()[0].MessageID; got != resp["message_id"] {
		t.Errorf("event id %q != response id %q", got, resp["message_id"])
	}
}

func TestWebhookSend_SignsAndReturnsID(t *testing.T) {
	var gotSig string
	var gotReq OutboundRequest
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotSig = r.Header.Get(signatureHeader)
		if !verifyHMAC(body, "s3cret", gotSig) {
			http.Error(rw, "bad signature", http.StatusForbidden)
			return
		}
		_ = json.Unmarshal(body, &gotReq)
		_ = json.NewEncoder(rw).Encode(OutboundResponse{MessageID: "T42"})
	}))
	defer srv.Close()

	w := NewWebhook(WebhookConfig{Secret: "s3cret", OutboundURL: srv.URL, Logger: testWebhookLogger()})
	id, err := w.Send(context.Background(), "C1", "@U1 hello?")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != "T42" {
		t.Errorf("expected T42, got %q", id)
	}
	if gotReq.Destination != "C1" || gotReq.Text != "@U1 hello?" {
		t.Errorf("unexpected outbound request: %+v", gotReq)
	}
}

func TestWebhookSend_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fail":
			http.Error(rw, "nope", http.StatusInternalServerError)
		case "/noid":
			_, _ = rw.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()

	for _, path := range []string{"/fail", "/noid"} {
		w := NewWebhook(WebhookConfig{OutboundURL: srv.URL + path, Logger: testWebhookLogger()})
		if _, err := w.Send(context.Background(), "C1", "hi"); err == nil {
			t.Errorf("%s: expected error", path)
		}
	}

	w := NewWebhook(WebhookConfig{Logger: testWebhookLogger()})
	if _, err := w.Send(context.Background(), "C1", "hi"); err == nil || !strings.Contains(err.Error(), "not configured") {
		t.Errorf("expected not configured error, got %v", err)
	}
}

func TestWebhookSend_ServerErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(rw, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	w := NewWebhook(WebhookConfig{OutboundURL: srv.URL, Logger: testWebhookLogger()})
	_, err := w.Send(context.Background(), "C1", "hi")
	if err == nil || !strings.Contains(err.Error(), "status 503") {
		t.Fatalf("expected status 503 error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected exactly one attempt, got %d", calls.Load())
	}
	if w.client.Transport == nil {
		t.Error("default client should use the pooled transport")
	}
}

func TestWebhook_ReadyNeedsListenerAndOutbound(t *testing.T) {
	w := NewWebhook(WebhookConfig{OutboundURL: "http://example.invalid", Logger: testWebhookLogger()})
	if w.Ready() {
		t.Error("should not be ready before Start")
	}
	w.listening.Store(true)
	if !w.Ready() {
		t.Error("should be ready while listening with an outbound url")
	}
	w.outboundURL = ""
	if w.Ready() {
		t.Error("should not be ready without an outbound url")
	}
}

func TestSplitMessage_Short(t *testing.T) {
	chunks := splitMessage("short message", 100)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk, got %d", len(chunks))
	}
}

func TestSplitMessage_Long(t *testing.T) {
	long := strings.Repeat("word ", 100)
	chunks := splitMessage(long, 50)
	if len(chunks) < 2 {
		t.Errorf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 50 {
			t.Errorf("chunk %d too long: %d", i, len(c))
		}
	}
	if strings.Join(chunks, "") != long {
		t.Error("chunks should reassemble to the original")
	}
}

func TestSplitMessage_RuneBoundary(t *testing.T) {
	msg := strings.Repeat("é", 30) // 2 bytes each
	chunks := splitMessage(msg, 7)
	for i, c := range chunks {
		if len(c) > 7 {
			t.Errorf("chunk %d too long: %d", i, len(c))
		}
		if !utf8.ValidString(c) {
			t.Errorf("chunk %d cut inside a rune: %q", i, c)
		}
	}
	if strings.Join(chunks, "") != msg {
		t.Error("chunks should reassemble to the original")
	}
}

func TestSplitMessage_Empty(t *testing.T) {
	chunks := splitMessage("", 100)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk for empty, got %d", len(chunks))
	}
}
