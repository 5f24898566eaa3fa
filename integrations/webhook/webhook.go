package webhook

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
	"time"

	"progresskit/core"
)

// Headers set on every delivery.
const (
	HeaderEvent     = "X-Progresskit-Event"
	HeaderEventID   = "X-Progresskit-Event-Id"
	HeaderSignature = "X-Progresskit-Signature"
)

// Sink posts domain events to configured HTTP endpoints.
// It is synchronous for determinism; subscribe it to an async bus to keep it off the request path.
type Sink struct {
	client    *http.Client
	endpoints []string
	types     map[core.EventType]bool
	secret    []byte
	log       *slog.Logger
}

// Option configures a Sink.
type Option func(*Sink)

// WithClient overrides the HTTP client (defaults to 2s timeout).
func WithClient(c *http.Client) Option {
	return func(s *Sink) {
		if c != nil {
			s.client = c
		}
	}
}

// WithEventTypes forwards only the listed types. Without it every event is sent.
func WithEventTypes(types ...core.EventType) Option {
	return func(s *Sink) {
		if len(types) == 0 {
			return
		}
		s.types = make(map[core.EventType]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}
}

// WithSecret signs each body with HMAC-SHA256, sent hex encoded in HeaderSignature.
func WithSecret(secret string) Option {
	return func(s *Sink) {
		if secret != "" {
			s.secret = []byte(secret)
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) {
		if l != nil {
			s.log = l
		}
	}
}

// New creates a webhook sink.
func New(endpoints []string, opts ...Option) *Sink {
	s := &Sink{
		client: &http.Client{Timeout: 2 * time.Second},
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.endpoints = append([]string{}, endpoints...)
	return s
}

// Sign returns the signature a receiver should expect for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// OnEvent posts the event JSON to all endpoints. Delivery failures are logged
// and not retried; receivers dedupe on the event id header.
func (s *Sink) OnEvent(ctx context.Context, e core.Event) {
	if len(s.endpoints) == 0 || (s.types != nil && !s.types[e.Type]) {
		return
	}
	body, err := json.Marshal(e)
	if err != nil {
		s.log.Error("webhook encode failed", "event", e.ID, "error", err)
		return
	}
	// deliveries outlive the publishing request
	ctx = context.WithoutCancel(ctx)
	for _, ep := range s.endpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep, bytes.NewReader(body))
		if err != nil {
			s.log.Warn("webhook request invalid", "endpoint", ep, "error", err)
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderEvent, string(e.Type))
		req.Header.Set(HeaderEventID, e.ID)
		if s.secret != nil {
			req.Header.Set(HeaderSignature, Sign(s.secret, body))
		}
		resp, err := s.client.Do(req)
		if err != nil {
			s.log.Warn("webhook delivery failed", "endpoint", ep, "event", e.ID, "error", err)
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode >= 300 {
			s.log.Warn("webhook rejected", "endpoint", ep, "event", e.ID, "status", resp.StatusCode)
		}
	}
}
