// Package webhook delivers best-effort payment notifications.
//
// Delivery is fire-and-forget: one HTTP POST per event, no retries, no
// delivery guarantee. Nothing in the invoice lifecycle depends on a
// notification arriving.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	payguard "github.com/meshpay/payguard"
)

// DefaultTimeout bounds a single delivery attempt.
const DefaultTimeout = 10 * time.Second

// Event is the JSON body posted to the webhook URL.
type Event struct {
	Type    string            `json:"type"`
	Invoice *payguard.Invoice `json:"invoice"`
	SentAt  time.Time         `json:"sent_at"`
}

// EventPaymentReceived is sent when an invoice first transitions to paid.
const EventPaymentReceived = "payment.received"

// Notifier posts events to a single webhook URL.
type Notifier struct {
	url        string
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithTimeout bounds each delivery attempt.
func WithTimeout(d time.Duration) NotifierOption {
	return func(n *Notifier) { n.timeout = d }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(c *http.Client) NotifierOption {
	return func(n *Notifier) { n.httpClient = c }
}

// WithLogger sets the logger for delivery failures.
func WithLogger(logger *slog.Logger) NotifierOption {
	return func(n *Notifier) { n.logger = logger }
}

// NewNotifier creates a Notifier for the given webhook URL.
func NewNotifier(url string, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		url:        url,
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// PaymentReceived posts a payment.received event for the invoice. It
// returns immediately; delivery happens on a background goroutine and
// failures are logged and swallowed.
func (n *Notifier) PaymentReceived(inv *payguard.Invoice) {
	go n.post(Event{Type: EventPaymentReceived, Invoice: inv, SentAt: time.Now()})
}

// Hook adapts the notifier for payguard.WithPaymentHook.
func (n *Notifier) Hook() func(*payguard.Invoice) {
	return n.PaymentReceived
}

func (n *Notifier) post(event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		n.logger.Warn("webhook encode failed", "type", event.Type, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("webhook request failed", "url", n.url, "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.logger.Warn("webhook delivery failed", "url", n.url, "err", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Warn("webhook rejected", "url", n.url, "status", resp.StatusCode)
	}
}
