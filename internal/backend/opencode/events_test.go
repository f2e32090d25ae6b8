package opencode

import (
	"testing"
	"time"

	"github.com/agentmux/agentmux/internal/backend"
)

func TestParseSSEEvent_TextDelta(t *testing.T) {
	data := `{"type":"message.part.updated","properties":{"part":{"type":"text","text":"Hello world","sessionID":"ses_123"},"delta":"Hello"}}`

	sid, ev, err := parseSSEEvent(data)
	if err != nil {
		t.Fatalf("parseSSEEvent() returned error: %v", err)
	}
	if sid != "ses_123" {
		t.Errorf("session id = %q, want 'ses_123'", sid)
	}
	if ev.Type != backend.EventMessagePart {
		t.Errorf("Type = %q, want %q", ev.Type, backend.EventMessagePart)
	}
	if delta, _ := ev.Data["delta"].(string); delta != "Hello" {
		t.Errorf("delta = %q, want 'Hello'", delta)
	}
}

func TestParseSSEEvent_MessageUpdated(t *testing.T) {
	data := `{"type":"message.updated","properties":{"info":{"sessionID":"ses_123","id":"msg_456","role":"assistant"}}}`

	sid, ev, err := parseSSEEvent(data)
	if err != nil {
		t.Fatalf("parseSSEEvent() returned error: %v", err)
	}
	if sid != "ses_123" {
		t.Errorf("session id = %q, want 'ses_123'", sid)
	}
	if ev.Type != backend.EventMessage {
		t.Errorf("Type = %q, want %q", ev.Type, backend.EventMessage)
	}
}

func TestParseSSEEvent_StatusIdle(t *testing.T) {
	data := `{"type":"session.status","properties":{"sessionID":"ses_123","status":{"type":"idle"}}}`

	_, ev, err := parseSSEEvent(data)
	if err != nil {
		t.Fatalf("parseSSEEvent() returned error: %v", err)
	}
	if ev.Type != backend.EventSessionStatus {
		t.Fatalf("Type = %q, want %q", ev.Type, backend.EventSessionStatus)
	}
	if ev.Status == nil || ev.Status.Type != backend.StatusIdle {
		t.Errorf("Status = %+v, want idle", ev.Status)
	}
}

func TestParseSSEEvent_StatusRetry(t *testing.T) {
	data := `{"type":"session.status","properties":{"sessionID":"ses_123","status":{"type":"retry","attempt":3,"message":"rate limited","next":2000}}}`

	_, ev, err := parseSSEEvent(data)
	if err != nil {
		t.Fatalf("parseSSEEvent() returned error: %v", err)
	}
	if ev.Status == nil {
		t.Fatal("Status is nil")
	}
	if ev.Status.Type != backend.StatusRetry {
		t.Errorf("Status.Type = %q, want retry", ev.Status.Type)
	}
	if ev.Status.Attempt != 3 {
		t.Errorf("Attempt = %d, want 3", ev.Status.Attempt)
	}
	if ev.Status.Next != 2*time.Second {
		t.Errorf("Next = %v, want 2s", ev.Status.Next)
	}
}

func TestParseSSEEvent_StatusWorkingIsBusy(t *testing.T) {
	data := `{"type":"session.status","properties":{"sessionID":"ses_123","status":{"type":"tool-running"}}}`

	_, ev, err := parseSSEEvent(data)
	if err != nil {
		t.Fatalf("parseSSEEvent() returned error: %v", err)
	}
	if ev.Status == nil || ev.Status.Type != backend.StatusBusy {
		t.Errorf("Status = %+v, want busy", ev.Status)
	}
}

func TestParseSSEEvent_SessionIdle(t *testing.T) {
	data := `{"type":"session.idle","properties":{"sessionID":"ses_123"}}`

	_, ev, err := parseSSEEvent(data)
	if err != nil {
		t.Fatalf("parseSSEEvent() returned error: %v", err)
	}
	if ev.Type != backend.EventSessionStatus {
		t.Errorf("Type = %q, want %q", ev.Type, backend.EventSessionStatus)
	}
	if ev.Status == nil || ev.Status.Type != backend.StatusIdle {
		t.Errorf("Status = %+v, want idle", ev.Status)
	}
}

func TestParseSSEEvent_PermissionAsked(t *testing.T) {
	data := `{"type":"permission.asked","properties":{"sessionID":"ses_123","id":"perm_1","title":"Run tests"}}`

	sid, ev, err := parseSSEEvent(data)
	if err != nil {
		t.Fatalf("parseSSEEvent() returned error: %v", err)
	}
	if sid != "ses_123" {
		t.Errorf("session id = %q, want 'ses_123'", sid)
	}
	if ev.Type != backend.EventPermissionAsked {
		t.Errorf("Type = %q, want %q", ev.Type, backend.EventPermissionAsked)
	}
	if id, _ := ev.Data["id"].(string); id != "perm_1" {
		t.Errorf("id = %q, want 'perm_1'", id)
	}
}

func TestParseSSEEvent_RenameWithoutTitleDropped(t *testing.T) {
	data := `{"type":"session.updated","properties":{"info":{"id":"ses_123"}}}`

	_, ev, err := parseSSEEvent(data)
	if err != nil {
		t.Fatalf("parseSSEEvent() returned error: %v", err)
	}
	if ev != nil {
		t.Errorf("session.updated without title should be dropped, got type=%q", ev.Type)
	}
}

func TestParseSSEEvent_HeartbeatDropped(t *testing.T) {
	for _, data := range []string{
		`{"type":"server.heartbeat","properties":{}}`,
		`{"type":"server.connected","properties":{}}`,
		`{"type":"permission.replied","properties":{"sessionID":"ses_123"}}`,
	} {
		_, ev, err := parseSSEEvent(data)
		if err != nil {
			t.Fatalf("parseSSEEvent(%s) returned error: %v", data, err)
		}
		if ev != nil {
			t.Errorf("parseSSEEvent(%s) = %+v, want nil", data, ev)
		}
	}
}

func TestParseSSEEvent_UnknownTypePassesThrough(t *testing.T) {
	data := `{"type":"todo.updated","properties":{"sessionID":"ses_123","items":[]}}`

	sid, ev, err := parseSSEEvent(data)
	if err != nil {
		t.Fatalf("parseSSEEvent() returned error: %v", err)
	}
	if sid != "ses_123" {
		t.Errorf("session id = %q, want 'ses_123'", sid)
	}
	if ev.Type != "todo.updated" {
		t.Errorf("Type = %q, want passthrough 'todo.updated'", ev.Type)
	}
}

func TestParseSSEEvent_Malformed(t *testing.T) {
	if _, _, err := parseSSEEvent(`{not json`); err == nil {
		t.Error("expected error for malformed payload")
	}
}
