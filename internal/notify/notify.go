// Package notify delivers best-effort notifications to configured webhooks.
// Delivery is fire and forget: the queue mutation that triggered a message
// has already committed, and a failed POST is logged, never retried, and
// never surfaces to the caller.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"rollout/internal/config"
)

const defaultTimeout = 5 * time.Second

// Message is one notification payload.
type Message struct {
	Event     string         `json:"event"`
	Team      string         `json:"team,omitempty"`
	ProjectID string         `json:"project_id"`
	Text      string         `json:"text"`
	Details   map[string]any `json:"details,omitempty"`
}

// Notifier sends a message to whoever needs to hear about it.
type Notifier interface {
	Send(ctx context.Context, msg Message)
}

// Nop discards all messages.
type Nop struct{}

func (Nop) Send(context.Context, Message) {}

// Webhooks posts each message to every configured hook whose event filter
// matches.
type Webhooks struct {
	Hooks  []config.Webhook
	Client *http.Client
}

func NewWebhooks(hooks []config.Webhook) *Webhooks {
	return &Webhooks{
		Hooks:  hooks,
		Client: &http.Client{Timeout: defaultTimeout},
	}
}

func (w *Webhooks) Send(ctx context.Context, msg Message) {
	for _, hook := range w.Hooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if !matches(hook.Events, msg.Event) {
			continue
		}
		go w.post(hook, msg)
	}
}

func (w *Webhooks) post(hook config.Webhook, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("notify: marshal message for %s: %v", hook.Name, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		log.Printf("notify: build request for %s: %v", hook.Name, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Rollout-Event", msg.Event)
	res, err := w.Client.Do(req)
	if err != nil {
		log.Printf("notify: deliver to %s failed: %v", hook.URL, err)
		return
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		log.Printf("notify: %s returned status %d: %s", hook.URL, res.StatusCode, strings.TrimSpace(string(body)))
	}
}

func matches(filter []string, event string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if strings.TrimSpace(f) == event {
			return true
		}
	}
	return false
}
