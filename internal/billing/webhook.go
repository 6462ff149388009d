package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lyralabs/companion-gateway/internal/config"
	"github.com/lyralabs/companion-gateway/internal/logger"
	"github.com/lyralabs/companion-gateway/internal/metrics"
	"github.com/lyralabs/companion-gateway/internal/middleware"
)

// SignatureHeader carries the webhook signature in the form
// "t=<unix>,v1=<hex hmac>". The HMAC-SHA256 is computed over
// "<unix>.<raw body>" with the shared webhook secret.
const SignatureHeader = "Companion-Signature"

// Event is a billing provider webhook event.
type Event struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// WebhookHandler verifies and processes billing provider webhooks.
type WebhookHandler struct {
	secret    []byte
	tolerance time.Duration
	logger    *logger.ComponentLogger
	now       func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// seenRetention bounds how long processed event IDs are kept for
// duplicate suppression.
const seenRetention = time.Hour

// NewWebhookHandler creates a webhook handler from configuration.
func NewWebhookHandler(cfg *config.BillingConfig) (*WebhookHandler, error) {
	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("billing webhook secret is required")
	}

	return &WebhookHandler{
		secret:    []byte(cfg.WebhookSecret),
		tolerance: cfg.SignatureTolerance,
		logger:    logger.Get().WithComponent("billing.webhook"),
		now:       time.Now,
		seen:      make(map[string]time.Time),
	}, nil
}

// ServeHTTP handles POST /v1/billing/webhook.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		middleware.WriteJSONError(w, http.StatusBadRequest, "invalid_request", "Failed to read request body.")
		return
	}

	if err := h.verifySignature(r.Header.Get(SignatureHeader), body); err != nil {
		metrics.RecordBillingEvent("unknown", "signature_rejected")
		h.logger.Warn("webhook signature rejected", logger.Fields{
			"remote_ip": middleware.ClientIP(r),
			"error":     err.Error(),
		})
		middleware.WriteJSONError(w, http.StatusUnauthorized, "invalid_signature", "Webhook signature verification failed.")
		return
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil || event.ID == "" || event.Type == "" {
		metrics.RecordBillingEvent("unknown", "malformed")
		middleware.WriteJSONError(w, http.StatusBadRequest, "invalid_request", "Malformed webhook event.")
		return
	}

	if h.markSeen(event.ID) {
		metrics.RecordBillingEvent(event.Type, "duplicate")
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	h.process(&event)
	metrics.RecordBillingEvent(event.Type, "processed")
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

// verifySignature checks the timestamped HMAC signature. A non-positive
// tolerance disables the timestamp freshness check.
func (h *WebhookHandler) verifySignature(header string, body []byte) error {
	if header == "" {
		return fmt.Errorf("missing signature header")
	}

	var timestamp, signature string
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signature = value
		}
	}
	if timestamp == "" || signature == "" {
		return fmt.Errorf("malformed signature header")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid signature timestamp")
	}
	if h.tolerance > 0 {
		age := h.now().Sub(time.Unix(ts, 0))
		if age > h.tolerance || age < -h.tolerance {
			return fmt.Errorf("signature timestamp outside tolerance")
		}
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// markSeen records the event ID and reports whether it was already
// processed within the retention window.
func (h *WebhookHandler) markSeen(eventID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	for id, at := range h.seen {
		if now.Sub(at) > seenRetention {
			delete(h.seen, id)
		}
	}

	if _, dup := h.seen[eventID]; dup {
		return true
	}
	h.seen[eventID] = now
	return false
}

func (h *WebhookHandler) process(event *Event) {
	fields := logger.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
	}

	switch event.Type {
	case "invoice.paid", "subscription.created", "subscription.updated", "subscription.canceled":
		h.logger.Info("billing event processed", fields)
	default:
		h.logger.Debug("unhandled billing event type", fields)
	}
}
