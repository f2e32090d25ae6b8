// Package claudecode implements the SDK-family stdio backend.
//
// protocol.go - JSON-RPC 2.0 communication layer
//
// This file contains:
// - JSON-RPC request/response types for the agent CLI
// - Request builders for session management (initialize, prompt, interrupt)
//
// The agent CLI speaks newline-delimited JSON-RPC over stdin/stdout,
// one subprocess per session.
package claudecode

import (
	"strconv"
	"sync/atomic"
)

// rpcRequest is one outbound JSON-RPC message.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Type    string `json:"type"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      string `json:"id"`
}

// rpcError is a JSON-RPC 2.0 error object.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Methods understood by the agent CLI.
const (
	methodInitialize = "session.initialize"
	methodPrompt     = "session.prompt"
	methodInterrupt  = "session.interrupt"
	methodSetModel   = "session.set_model"
	methodMessages   = "session.messages"
	methodListModels = "session.list_models"

	// Inbound request the agent sends when a tool needs approval.
	methodRequestPermission = "session.request_permission"
	// Inbound notification stream.
	methodNotification = "session.notification"
)

// initializeParams starts or resumes a session.
type initializeParams struct {
	Cwd string `json:"cwd"`
	// Resume re-attaches to a native session id from a previous run.
	Resume string `json:"resume,omitempty"`
	Model  string `json:"model,omitempty"`
	Mode   string `json:"mode,omitempty"`
}

// promptPart is one element of a prompt turn.
type promptPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Path string `json:"path,omitempty"`
	Mime string `json:"mime,omitempty"`
}

// promptParams submits one user turn.
type promptParams struct {
	Parts []promptPart `json:"parts"`
	Model string       `json:"model,omitempty"`
}

var requestIDCounter atomic.Int64

func nextRequestID() string {
	return "req_" + strconv.FormatInt(requestIDCounter.Add(1), 10)
}

func newRequest(method string, params any) *rpcRequest {
	return &rpcRequest{
		JSONRPC: "2.0",
		Type:    "request",
		Method:  method,
		Params:  params,
		ID:      nextRequestID(),
	}
}
