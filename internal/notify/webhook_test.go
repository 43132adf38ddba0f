package notify

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lablink-io/conductor/internal/model"
)

func TestSendPostsEscalation(t *testing.T) {
	var gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, time.Second)
	e := model.Escalation{
		ID:           "esc_0001",
		Type:         model.EscalationRepeatedFailures,
		TaskID:       "tsk_0000000001_beef",
		ControllerID: "ctl-east",
		Error:        "connection reset",
		RetryCount:   3,
		Timestamp:    time.Now().UTC(),
	}
	if err := n.Send(e); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotContentType)
	}

	var p payload
	if err := json.Unmarshal(gotBody, &p); err != nil {
		t.Fatalf("failed to decode webhook body: %v", err)
	}
	if p.Escalation.ID != "esc_0001" {
		t.Errorf("escalation id = %q, want esc_0001", p.Escalation.ID)
	}
	if p.Escalation.Type != model.EscalationRepeatedFailures {
		t.Errorf("escalation type = %q, want %q", p.Escalation.Type, model.EscalationRepeatedFailures)
	}
	if !strings.Contains(p.Text, "tsk_0000000001_beef") {
		t.Errorf("summary %q should mention the task id", p.Text)
	}
}

func TestSendNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, time.Second)
	err := n.Send(model.Escalation{ID: "esc_0002", Type: model.EscalationActivityTimeout})
	if err == nil {
		t.Fatal("expected error for 503 response")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("error %q should mention the status code", err)
	}
}

func TestSendUnreachableEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	n := NewNotifier(srv.URL, 100*time.Millisecond)
	if err := n.Send(model.Escalation{ID: "esc_0003"}); err == nil {
		t.Fatal("expected error for unreachable endpoint")
	}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name string
		e    model.Escalation
		want string
	}{
		{
			name: "repeated failures",
			e: model.Escalation{
				Type:         model.EscalationRepeatedFailures,
				TaskID:       "tsk_0000000007_cafe",
				ControllerID: "ctl-west",
				Error:        "detector fault",
				RetryCount:   3,
			},
			want: "conductor escalation repeated_failures: task tsk_0000000007_cafe on ctl-west after 3 retries: detector fault",
		},
		{
			name: "controller offline",
			e: model.Escalation{
				Type:         model.EscalationControllerOffline,
				ControllerID: "ctl-east",
				Error:        "health check failed",
			},
			want: "conductor escalation controller_offline on ctl-east: health check failed",
		},
		{
			name: "timeout without error detail",
			e: model.Escalation{
				Type:   model.EscalationActivityTimeout,
				TaskID: "tsk_0000000009_f00d",
			},
			want: "conductor escalation activity_timeout: task tsk_0000000009_f00d",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Summarize(tt.e); got != tt.want {
				t.Errorf("Summarize() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewNotifierDefaultTimeout(t *testing.T) {
	n := NewNotifier("http://localhost:1/hook", 0)
	if n.client.Timeout != defaultTimeout {
		t.Errorf("timeout = %v, want %v", n.client.Timeout, defaultTimeout)
	}
}
