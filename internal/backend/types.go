// Package backend defines the contract every agent backend implements.
//
// types.go - Shared request/response types
package backend

import (
	"fmt"
	"time"
)

// PartType identifies a prompt part.
type PartType string

const (
	PartText PartType = "text"
	PartFile PartType = "file"
)

// Part is one element of a structured prompt.
type Part struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	Path     string   `json:"path,omitempty"`
	MimeType string   `json:"mimeType,omitempty"`
}

// Prompt is user input for one turn: plain text, or a list of parts mixing
// text and file attachments.
type Prompt struct {
	Text  string `json:"text,omitempty"`
	Parts []Part `json:"parts,omitempty"`
}

// TextPrompt wraps a plain string.
func TextPrompt(text string) Prompt {
	return Prompt{Text: text}
}

// Validate rejects empty prompts and parts with no content.
func (p Prompt) Validate() error {
	if p.Text == "" && len(p.Parts) == 0 {
		return fmt.Errorf("prompt is empty")
	}
	for i, part := range p.Parts {
		switch part.Type {
		case PartText:
			if part.Text == "" {
				return fmt.Errorf("part %d: empty text part", i)
			}
		case PartFile:
			if part.Path == "" {
				return fmt.Errorf("part %d: file part missing path", i)
			}
		default:
			return fmt.Errorf("part %d: unknown part type %q", i, part.Type)
		}
	}
	return nil
}

// Flatten returns the prompt as backend wire parts, promoting bare text.
func (p Prompt) Flatten() []Part {
	if len(p.Parts) > 0 {
		return p.Parts
	}
	return []Part{{Type: PartText, Text: p.Text}}
}

// Message is one entry in a session's conversation history.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Parts     []Part    `json:"parts,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// ModelInfo describes one selectable model.
type ModelInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Provider string `json:"provider,omitempty"`
	Variant  string `json:"variant,omitempty"`
	Default  bool   `json:"default,omitempty"`
}

// RevertPointer is the last undoable message boundary.
type RevertPointer struct {
	MessageID string `json:"messageId"`
	Diff      string `json:"diff,omitempty"`
}

// SessionInfo is the backend's view of one session.
type SessionInfo struct {
	BackendSessionID string         `json:"backendSessionId"`
	Title            string         `json:"title,omitempty"`
	Revert           *RevertPointer `json:"revert,omitempty"`
}

// Command is a backend-defined slash-command-like action.
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// PermissionRequest is a backend-side wait for a tool/command approval.
type PermissionRequest struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Title     string         `json:"title,omitempty"`
	Patterns  []string       `json:"patterns,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt,omitempty"`
}

// RememberMode is the standing-policy directive on a command approval reply.
type RememberMode string

const (
	RememberNone  RememberMode = ""
	RememberAllow RememberMode = "allow"
	RememberBlock RememberMode = "block"
)

// PermissionReply resolves a permission or command-approval request. For
// command approvals, Remember plus Pattern become a standing policy the
// backend persists for future matching commands in that session.
type PermissionReply struct {
	Allow    bool         `json:"allow"`
	Remember RememberMode `json:"remember,omitempty"`
	Pattern  string       `json:"pattern,omitempty"`
}
