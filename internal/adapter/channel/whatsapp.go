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
	"strconv"
	"strings"
	"time"

	"omniclaw/internal/domain"
	"omniclaw/internal/infra/middleware"
)

// WhatsAppChannel implements domain.Channel for the WhatsApp Cloud API.
// It runs a webhook server for receiving messages and uses the Graph API
// for sending. The chat JID is the sender's WhatsApp id.
type WhatsAppChannel struct {
	token         string // Graph API access token
	phoneNumberID string // sender phone number ID
	verifyToken   string // webhook verification token
	appSecret     string // for X-Hub-Signature-256 verification
	handler       domain.MessageHandler
	logger        *slog.Logger
	client        *http.Client // outbound API calls
	baseURL       string       // Graph API base (overridable for tests)
	server        *http.Server // webhook server
	webhookAddr   string
	boundAddr     string
	limits        middleware.RateLimitConfig
}

// NewWhatsAppChannel creates a WhatsApp channel.
func NewWhatsAppChannel(token, phoneNumberID, verifyToken, appSecret, webhookAddr string, logger *slog.Logger) *WhatsAppChannel {
	return &WhatsAppChannel{
		token:         token,
		phoneNumberID: phoneNumberID,
		verifyToken:   verifyToken,
		appSecret:     appSecret,
		webhookAddr:   webhookAddr,
		logger:        logger,
		baseURL:       "https://graph.facebook.com",
		limits:        middleware.RateLimitConfig{RequestsPerMin: 600, BurstSize: 60},
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Start begins the webhook server. Non-blocking (starts in goroutine).
func (w *WhatsAppChannel) Start(ctx context.Context, handler domain.MessageHandler) error {
	w.handler = handler

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", w.handleWebhook)

	w.server = &http.Server{
		Addr:              w.webhookAddr,
		Handler:           middleware.SecurityHeaders(middleware.RateLimit(ctx, w.limits)(mux)),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	ln, err := net.Listen("tcp", w.webhookAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", w.webhookAddr, err)
	}
	w.boundAddr = ln.Addr().String()

	go func() {
		w.logger.Info("whatsapp webhook started", "addr", w.boundAddr)
		if err := w.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("whatsapp webhook server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the webhook server.
func (w *WhatsAppChannel) Stop(ctx context.Context) error {
	if w.server == nil {
		return nil
	}
	return w.server.Shutdown(ctx)
}

// Send sends a reply via the Graph API.
func (w *WhatsAppChannel) Send(ctx context.Context, msg domain.OutboundMessage) error {
	for _, part := range splitText(renderContent(msg.Content, msg.IsError), whatsappMaxText) {
		if err := w.sendMessage(ctx, msg.ChatJID, part); err != nil {
			return err
		}
	}
	return nil
}

// Name implements domain.Channel.
func (w *WhatsAppChannel) Name() string { return "whatsapp" }

// BoundAddr returns the actual bound address of the webhook server.
func (w *WhatsAppChannel) BoundAddr() string { return w.boundAddr }

func (w *WhatsAppChannel) handleWebhook(rw http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		w.handleVerification(rw, r)
	case http.MethodPost:
		w.handleIncoming(rw, r)
	default:
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleVerification answers the Meta webhook verification challenge.
func (w *WhatsAppChannel) handleVerification(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && w.verifyToken != "" && q.Get("hub.verify_token") == w.verifyToken {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte(q.Get("hub.challenge")))
		return
	}
	http.Error(rw, "forbidden", http.StatusForbidden)
}

// handleIncoming processes webhook payloads. It always answers 200 so Meta
// does not redeliver.
func (w *WhatsAppChannel) handleIncoming(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 10*1024*1024))
	if err != nil {
		w.logger.Warn("whatsapp read body error", "error", err)
		rw.WriteHeader(http.StatusOK)
		return
	}

	if w.appSecret != "" && !w.validateSignature(body, r.Header.Get("X-Hub-Signature-256")) {
		w.logger.Warn("whatsapp invalid webhook signature")
		rw.WriteHeader(http.StatusOK)
		return
	}

	var payload whatsappWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		w.logger.Warn("whatsapp unmarshal error", "error", err)
		rw.WriteHeader(http.StatusOK)
		return
	}

	for _, msg := range whatsappChatMessages(&payload) {
		if err := w.handler(r.Context(), msg); err != nil {
			w.logger.Error("whatsapp handler error", "error", err, "from", msg.ChatJID)
		}
	}
	rw.WriteHeader(http.StatusOK)
}

func (w *WhatsAppChannel) validateSignature(body []byte, signature string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(w.appSecret))
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

// whatsappChatMessages extracts text messages, and captioned media, from a
// webhook payload.
func whatsappChatMessages(payload *whatsappWebhookPayload) []domain.ChatMessage {
	var out []domain.ChatMessage
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range change.Value.Messages {
				content := whatsappContent(m)
				if content == "" {
					continue
				}
				msg := domain.ChatMessage{
					ID:         m.ID,
					Channel:    "whatsapp",
					ChatJID:    m.From,
					SenderID:   m.From,
					SenderName: names[m.From],
					Content:    content,
					Timestamp:  time.Now().UTC(),
				}
				if ts, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil {
					msg.Timestamp = time.Unix(ts, 0).UTC()
				}
				out = append(out, msg)
			}
		}
	}
	return out
}

func whatsappContent(m whatsappMessage) string {
	switch m.Type {
	case "text":
		if m.Text != nil {
			return m.Text.Body
		}
	case "image":
		if m.Image != nil {
			return m.Image.Caption
		}
	case "document":
		if m.Document != nil {
			return m.Document.Caption
		}
	}
	return ""
}

func (w *WhatsAppChannel) sendMessage(ctx context.Context, to, text string) error {
	url := fmt.Sprintf("%s/v21.0/%s/messages", w.baseURL, w.phoneNumberID)

	body, err := json.Marshal(whatsappSendRequest{
		MessagingProduct: "whatsapp",
		To:               to,
		Type:             "text",
		Text:             &whatsappSendText{Body: text},
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.token)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1*1024*1024))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("whatsapp API error %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// --- WhatsApp Cloud API types ---

type whatsappWebhookPayload struct {
	Object string          `json:"object"`
	Entry  []whatsappEntry `json:"entry"`
}

type whatsappEntry struct {
	ID      string           `json:"id"`
	Changes []whatsappChange `json:"changes"`
}

type whatsappChange struct {
	Field string              `json:"field"`
	Value whatsappChangeValue `json:"value"`
}

type whatsappChangeValue struct {
	MessagingProduct string            `json:"messaging_product"`
	Contacts         []whatsappContact `json:"contacts"`
	Messages         []whatsappMessage `json:"messages"`
}

type whatsappContact struct {
	WaID    string          `json:"wa_id"`
	Profile whatsappProfile `json:"profile"`
}

type whatsappProfile struct {
	Name string `json:"name"`
}

type whatsappMessage struct {
	From      string         `json:"from"`
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"`
	Type      string         `json:"type"`
	Text      *whatsappText  `json:"text,omitempty"`
	Image     *whatsappMedia `json:"image,omitempty"`
	Document  *whatsappMedia `json:"document,omitempty"`
}

type whatsappText struct {
	Body string `json:"body"`
}

type whatsappMedia struct {
	ID       string `json:"id"`
	MIMEType string `json:"mime_type"`
	Caption  string `json:"caption,omitempty"`
}

type whatsappSendRequest struct {
	MessagingProduct string            `json:"messaging_product"`
	To               string            `json:"to"`
	Type             string            `json:"type"`
	Text             *whatsappSendText `json:"text,omitempty"`
}

type whatsappSendText struct {
	Body string `json:"body"`
}
