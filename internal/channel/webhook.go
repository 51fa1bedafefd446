package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"askhuman/internal/domain"
)

const signatureHeader = "X-Signature-256"

// WebhookConfig configures the webhook transport.
type WebhookConfig struct {
	Addr        string // listen address for inbound events (default: 127.0.0.1:9090)
	Path        string // inbound URL path (default: /webhook)
	Secret      string // HMAC secret for signing outbound and verifying inbound bodies
	OutboundURL string // where questions are POSTed
	Client      *http.Client
	Logger      *slog.Logger
}

// Webhook bridges an arbitrary chat system over HTTP. Questions are POSTed to
// OutboundURL, which answers with the posted message id; replies arrive as
// signed POSTs on Path.
type Webhook struct {
	addr        string
	path        string
	secret      string
	outboundURL string
	client      *http.Client
	feed        domain.EventFeed
	logger      *slog.Logger
	server      *http.Server
	listening   atomic.Bool
}

// WebhookPayload is the expected JSON body for inbound requests.
type WebhookPayload struct {
	Source   string `json:"source"`               // channel / conversation id
	Author   string `json:"author"`               // sender id
	Content  string `json:"content"`              // message text
	ID       string `json:"message_id,omitempty"` // generated when empty
	ParentID string `json:"parent_id,omitempty"`  // thread anchor
	Bot      bool   `json:"bot,omitempty"`        // posted by this process
}

// OutboundRequest is POSTed to OutboundURL for every question.
type OutboundRequest struct {
	Destination string `json:"destination"`
	Text        string `json:"text"`
}

// OutboundResponse is the reply expected from OutboundURL.
type OutboundResponse struct {
	MessageID string `json:"message_id"`
}

// NewWebhook creates a new webhook transport.
func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Path == "" {
		cfg.Path = "/webhook"
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:9090"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Client == nil {
		cfg.Client = sharedHTTPClient(15 * time.Second)
	}
	return &Webhook{
		addr:        cfg.Addr,
		path:        cfg.Path,
		secret:      cfg.Secret,
		outboundURL: cfg.OutboundURL,
		client:      cfg.Client,
		logger:      cfg.Logger,
	}
}

func (w *Webhook) Name() string { return "webhook" }

// Ready reports whether inbound events are being received and an outbound
// URL is configured.
func (w *Webhook) Ready() bool { return w.listening.Load() && w.outboundURL != "" }

func (w *Webhook) Mention(userID string) string {
	if userID == "" {
		return ""
	}
	return "@" + userID
}

// Start begins the inbound webhook HTTP server.
func (w *Webhook) Start(ctx context.Context, feed domain.EventFeed) error {
	w.feed = feed

	ln, err := net.Listen("tcp", w.addr)
	if err != nil {
		return fmt.Errorf("webhook listen: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(w.path, w.handleWebhook)
	w.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	w.logger.Info("webhook server starting", "addr", ln.Addr().String(), "path", w.path, "outbound", w.outboundURL != "")
	w.listening.Store(true)

	errCh := make(chan error, 1)
	go func() {
		if err := w.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		w.listening.Store(false)
		w.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return w.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		w.listening.Store(false)
		return fmt.Errorf("webhook server: %w", err)
	}
}

// Send POSTs the question to the outbound URL and returns the message id it reports.
func (w *Webhook) Send(ctx context.Context, destination, text string) (string, error) {
	if w.outboundURL == "" {
		return "", errors.New("webhook outbound url not configured")
	}
	body, err := json.Marshal(OutboundRequest{Destination: destination, Text: text})
	if err != nil {
		return "", fmt.Errorf("marshal outbound: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.outboundURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build outbound request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set(signatureHeader, signHMAC(body, w.secret))
	}

	// A failed post is reported as is; the engine surfaces it without retrying.
	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("webhook outbound: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read outbound response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("webhook outbound: status %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}

	var out OutboundResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("decode outbound response: %w", err)
	}
	if out.MessageID == "" {
		return "", errors.New("webhook outbound: response missing message_id")
	}
	return out.MessageID, nil
}

func (w *Webhook) handleWebhook(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB max
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if w.secret != "" {
		sig := r.Header.Get(signatureHeader)
		if sig == "" {
			http.Error(rw, "Missing signature", http.StatusUnauthorized)
			return
		}
		if !verifyHMAC(body, w.secret, sig) {
			http.Error(rw, "Invalid signature", http.StatusForbidden)
			return
		}
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(rw, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if payload.Content == "" {
		http.Error(rw, "Content is required", http.StatusBadRequest)
		return
	}
	if payload.Source == "" || payload.Author == "" {
		http.Error(rw, "source and author are required", http.StatusBadRequest)
		return
	}
	if payload.ID == "" {
		payload.ID = newMessageID()
	}

	w.logger.Debug("webhook received",
		"source", payload.Source,
		"author", payload.Author,
		"parent", payload.ParentID,
		"content_len", len(payload.Content),
	)

	w.feed.Publish(domain.InboundEvent{
		Transport:       "webhook",
		SourceID:        payload.Source,
		AuthorID:        payload.Author,
		Text:            payload.Content,
		MessageID:       payload.ID,
		ParentMessageID: payload.ParentID,
		SelfOriginated:  payload.Bot,
		Timestamp:       time.Now(),
	})

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(rw).Encode(map[string]string{
		"status":     "accepted",
		"message_id": payload.ID,
	})
}

func signHMAC(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// verifyHMAC verifies the HMAC-SHA256 signature of the body.
func verifyHMAC(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(signHMAC(body, secret)), []byte(signature))
}
