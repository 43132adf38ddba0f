// Package notify delivers escalations to operators over an HTTP webhook.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lablink-io/conductor/internal/model"
)

const defaultTimeout = 5 * time.Second

// Notifier posts escalation events to a configured webhook endpoint.
type Notifier struct {
	url    string
	client *http.Client
}

// NewNotifier creates a notifier for the given webhook URL.
// A timeout of zero or less falls back to a 5 second default.
func NewNotifier(url string, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Notifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// payload is the webhook body. The text field carries a one-line summary
// so chat-style webhook receivers render something readable without
// parsing the structured escalation.
type payload struct {
	Text       string           `json:"text"`
	Escalation model.Escalation `json:"escalation"`
}

// Send posts the escalation to the webhook. A non-2xx response is an error.
func (n *Notifier) Send(e model.Escalation) error {
	body, err := json.Marshal(payload{Text: Summarize(e), Escalation: e})
	if err != nil {
		return fmt.Errorf("failed to encode escalation: %w", err)
	}

	resp, err := n.client.Post(n.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to post escalation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Summarize renders a one-line human-readable description of an escalation.
func Summarize(e model.Escalation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "conductor escalation %s", e.Type)
	if e.TaskID != "" {
		fmt.Fprintf(&b, ": task %s", e.TaskID)
	}
	if e.ControllerID != "" {
		fmt.Fprintf(&b, " on %s", e.ControllerID)
	}
	if e.RetryCount > 0 {
		fmt.Fprintf(&b, " after %d retries", e.RetryCount)
	}
	if e.Error != "" {
		fmt.Fprintf(&b, ": %s", e.Error)
	}
	return b.String()
}
