// Package opencode implements the subprocess-server backend.
//
// events.go - SSE event normalization
//
// This file contains:
// - Server-side SSE event type constants
// - parseSSEEvent converting raw SSE payloads to normalized events
//
// The server's /event stream carries bus events for every session it
// hosts; parseSSEEvent extracts the server session id separately so the
// pump can route the event to the right UI session.
package opencode

import (
	"encoding/json"
	"time"

	"github.com/agentmux/agentmux/internal/backend"
)

// Event types emitted by the server's /event SSE endpoint.
const (
	sseSessionUpdated    = "session.updated"
	sseSessionStatus     = "session.status"
	sseSessionIdle       = "session.idle"
	sseSessionError      = "session.error"
	sseMessageUpdated    = "message.updated"
	sseMessagePartUpdate = "message.part.updated"
	ssePermissionAsked   = "permission.asked"
	ssePermissionReplied = "permission.replied"
	sseQuestionAsked     = "question.asked"
	sseServerConnected   = "server.connected"
	sseServerHeartbeat   = "server.heartbeat"
)

// parseSSEEvent converts one SSE data payload into a normalized event plus
// the server session id it belongs to. A nil event with nil error means the
// payload is noise (heartbeats, malformed frames) and should be skipped.
func parseSSEEvent(data string) (serverSessionID string, ev *backend.Event, err error) {
	var raw struct {
		Type       string         `json:"type"`
		Properties map[string]any `json:"properties"`
	}
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return "", nil, err
	}
	props := raw.Properties

	now := time.Now().UnixMilli()

	switch raw.Type {
	case sseMessageUpdated:
		info, _ := props["info"].(map[string]any)
		sid, _ := info["sessionID"].(string)
		return sid, &backend.Event{
			Type:      backend.EventMessage,
			Data:      map[string]any{"info": info},
			Timestamp: now,
		}, nil

	case sseMessagePartUpdate:
		part, _ := props["part"].(map[string]any)
		sid, _ := part["sessionID"].(string)
		data := map[string]any{"part": part}
		if delta, ok := props["delta"].(string); ok && delta != "" {
			data["delta"] = delta
		}
		return sid, &backend.Event{
			Type:      backend.EventMessagePart,
			Data:      data,
			Timestamp: now,
		}, nil

	case sseSessionStatus:
		sid, _ := props["sessionID"].(string)
		status, _ := props["status"].(map[string]any)
		return sid, &backend.Event{
			Type:      backend.EventSessionStatus,
			Status:    parseStatus(status),
			Timestamp: now,
		}, nil

	case sseSessionIdle:
		sid, _ := props["sessionID"].(string)
		return sid, &backend.Event{
			Type:      backend.EventSessionStatus,
			Status:    &backend.StatusPayload{Type: backend.StatusIdle},
			Timestamp: now,
		}, nil

	case sseSessionError:
		sid, _ := props["sessionID"].(string)
		return sid, &backend.Event{
			Type:      backend.EventSessionError,
			Data:      props,
			Timestamp: now,
		}, nil

	case sseSessionUpdated:
		info, _ := props["info"].(map[string]any)
		sid, _ := info["id"].(string)
		title, _ := info["title"].(string)
		if title == "" {
			return "", nil, nil
		}
		return sid, &backend.Event{
			Type:      backend.EventSessionRenamed,
			Data:      map[string]any{"title": title},
			Timestamp: now,
		}, nil

	case ssePermissionAsked:
		sid, _ := props["sessionID"].(string)
		return sid, &backend.Event{
			Type:      backend.EventPermissionAsked,
			Data:      props,
			Timestamp: now,
		}, nil

	case sseQuestionAsked:
		sid, _ := props["sessionID"].(string)
		return sid, &backend.Event{
			Type:      backend.EventQuestionAsked,
			Data:      props,
			Timestamp: now,
		}, nil

	case ssePermissionReplied, sseServerConnected, sseServerHeartbeat:
		return "", nil, nil

	default:
		// Unknown bus events pass through; consumers tolerate them.
		sid, _ := props["sessionID"].(string)
		if sid == "" {
			return "", nil, nil
		}
		return sid, &backend.Event{
			Type:      raw.Type,
			Data:      props,
			Timestamp: now,
		}, nil
	}
}

// parseStatus maps the server's status object onto the status machine.
// Unknown working states count as busy.
func parseStatus(status map[string]any) *backend.StatusPayload {
	statusType, _ := status["type"].(string)
	payload := &backend.StatusPayload{}

	switch statusType {
	case "idle":
		payload.Type = backend.StatusIdle
	case "retry":
		payload.Type = backend.StatusRetry
		if attempt, ok := status["attempt"].(float64); ok {
			payload.Attempt = int(attempt)
		}
		if msg, ok := status["message"].(string); ok {
			payload.Message = msg
		}
		if next, ok := status["next"].(float64); ok {
			payload.Next = time.Duration(next) * time.Millisecond
		}
	default:
		payload.Type = backend.StatusBusy
		payload.Message = statusType
	}
	return payload
}
