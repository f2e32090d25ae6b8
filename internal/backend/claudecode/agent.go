// Package claudecode implements the SDK-family stdio backend.
//
// agent.go - Agent subprocess management
//
// This file contains:
// - agent struct owning one CLI subprocess and its stdio pipes
// - Request/response correlation over the JSON-RPC stream (call)
// - Event stream processing from stdout (readEvents)
//
// Each session runs its own subprocess. Notifications are normalized into
// backend events; inbound permission requests are surfaced to the handler
// instead of being resolved here, so the host can route them to the UI.
package claudecode

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/agentmux/agentmux/internal/backend"
)

const initTimeout = 30 * time.Second

// handlers receive the agent's unsolicited traffic.
type handlers struct {
	// onEvent receives normalized notifications. Never called after Close.
	onEvent func(ev *backend.Event)
	// onPermission receives an inbound permission request; rpcID must be
	// echoed back via respondPermission.
	onPermission func(rpcID string, params map[string]any)
}

// rpcResult is one correlated response.
type rpcResult struct {
	result json.RawMessage
	err    *rpcError
}

// agent owns one CLI subprocess speaking newline-delimited JSON-RPC.
type agent struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	log    *slog.Logger
	h      handlers
	exited chan struct{}

	writeMu sync.Mutex

	mu              sync.RWMutex
	closed          bool
	busy            bool
	nativeSessionID string

	pendingMu sync.Mutex
	pending   map[string]chan rpcResult
}

// startAgent spawns the CLI subprocess and begins reading its stream. The
// session is not usable until initialize returns.
func startAgent(ctx context.Context, command string, args []string, worktree string, log *slog.Logger) (*agent, error) {
	cmd := exec.Command(command, args...)
	cmd.Dir = worktree

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", command, err)
	}

	a := &agent{
		cmd:     cmd,
		stdin:   stdin,
		log:     log,
		exited:  make(chan struct{}),
		pending: make(map[string]chan rpcResult),
	}

	go a.readEvents(stdout)
	go func() {
		_ = cmd.Wait()
		close(a.exited)
		a.failPending(fmt.Errorf("agent process exited"))
	}()

	return a, nil
}

// setHandlers attaches the unsolicited-traffic handlers. Must be called
// before initialize so no notification is lost.
func (a *agent) setHandlers(h handlers) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.h = h
}

// initialize starts or resumes the session and records the native id.
func (a *agent) initialize(ctx context.Context, params initializeParams) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	result, err := a.call(ctx, methodInitialize, params)
	if err != nil {
		return "", err
	}

	var init struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(result, &init); err != nil || init.SessionID == "" {
		return "", fmt.Errorf("initialize returned no session id")
	}

	a.mu.Lock()
	a.nativeSessionID = init.SessionID
	a.mu.Unlock()
	return init.SessionID, nil
}

// call sends one request and waits for its correlated response.
func (a *agent) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return nil, fmt.Errorf("agent is closed")
	}
	a.mu.RUnlock()

	req := newRequest(method, params)
	ch := make(chan rpcResult, 1)

	a.pendingMu.Lock()
	a.pending[req.ID] = ch
	a.pendingMu.Unlock()
	defer func() {
		a.pendingMu.Lock()
		delete(a.pending, req.ID)
		a.pendingMu.Unlock()
	}()

	if err := a.send(req); err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("%s: %s (code %d)", method, res.err.Message, res.err.Code)
		}
		return res.result, nil
	case <-a.exited:
		return nil, fmt.Errorf("%s: agent process exited", method)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// notify sends a request without waiting for a response.
func (a *agent) notify(method string, params any) error {
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return fmt.Errorf("agent is closed")
	}
	a.mu.RUnlock()
	return a.send(newRequest(method, params))
}

func (a *agent) send(req *rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	data = append(data, '\n')

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if _, err := a.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to agent stdin: %w", err)
	}
	return nil
}

// respondPermission answers an inbound permission request.
func (a *agent) respondPermission(rpcID string, result map[string]any) error {
	response := map[string]any{
		"jsonrpc": "2.0",
		"type":    "response",
		"id":      rpcID,
		"result":  result,
	}
	data, err := json.Marshal(response)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if _, err := a.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write permission response: %w", err)
	}
	return nil
}

// isBusy reports whether a turn is in flight.
func (a *agent) isBusy() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.busy
}

func (a *agent) setBusy(busy bool) {
	a.mu.Lock()
	a.busy = busy
	a.mu.Unlock()
}

// close interrupts the session and terminates the subprocess.
func (a *agent) close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	// Give the agent a chance to shut down cleanly.
	_ = a.send(newRequest(methodInterrupt, nil))
	_ = a.stdin.Close()

	select {
	case <-a.exited:
	case <-time.After(5 * time.Second):
		if a.cmd.Process != nil {
			_ = a.cmd.Process.Kill()
		}
		<-a.exited
	}
}

func (a *agent) failPending(err error) {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()
	for id, ch := range a.pending {
		select {
		case ch <- rpcResult{err: &rpcError{Code: -1, Message: err.Error()}}:
		default:
		}
		delete(a.pending, id)
	}
}

// readEvents reads newline-delimited JSON-RPC messages from stdout and
// routes them: responses to pending calls, permission requests to the
// handler, notifications to the event handler.
func (a *agent) readEvents(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg struct {
			JSONRPC string          `json:"jsonrpc"`
			Type    string          `json:"type"`
			ID      string          `json:"id,omitempty"`
			Method  string          `json:"method,omitempty"`
			Result  json.RawMessage `json:"result,omitempty"`
			Error   *rpcError       `json:"error,omitempty"`
			Params  map[string]any  `json:"params,omitempty"`
		}
		if err := json.Unmarshal(line, &msg); err != nil || msg.JSONRPC != "2.0" {
			continue
		}

		switch msg.Type {
		case "response":
			a.pendingMu.Lock()
			ch, ok := a.pending[msg.ID]
			a.pendingMu.Unlock()
			if ok {
				ch <- rpcResult{result: msg.Result, err: msg.Error}
			}

		case "request":
			if msg.Method == methodRequestPermission {
				a.mu.RLock()
				onPermission := a.h.onPermission
				a.mu.RUnlock()
				if onPermission != nil {
					onPermission(msg.ID, msg.Params)
				}
			}

		case "notification":
			if msg.Method != methodNotification {
				continue
			}
			notification, _ := msg.Params["notification"].(map[string]any)
			ev := a.normalizeNotification(notification)
			if ev == nil {
				continue
			}
			a.mu.RLock()
			onEvent := a.h.onEvent
			a.mu.RUnlock()
			if onEvent != nil {
				onEvent(ev)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		a.log.Warn("agent stream closed", "error", err)
	}
}

// normalizeNotification maps one agent notification onto the event model.
// Returns nil for noise.
func (a *agent) normalizeNotification(n map[string]any) *backend.Event {
	notifType, _ := n["type"].(string)
	now := time.Now().UnixMilli()

	switch notifType {
	case "message":
		return &backend.Event{
			Type:      backend.EventMessage,
			Data:      map[string]any{"message": n["message"]},
			Timestamp: now,
		}

	case "text_delta", "thinking_text_delta":
		delta, _ := n["textDelta"].(string)
		if delta == "" {
			return nil
		}
		data := map[string]any{"delta": delta}
		if id, ok := n["messageId"].(string); ok {
			data["messageId"] = id
		}
		if notifType == "thinking_text_delta" {
			data["thinking"] = true
		}
		return &backend.Event{
			Type:      backend.EventMessagePart,
			Data:      data,
			Timestamp: now,
		}

	case "state_changed":
		newState, _ := n["newState"].(string)
		payload := &backend.StatusPayload{}
		switch newState {
		case "idle":
			payload.Type = backend.StatusIdle
			a.setBusy(false)
		case "retry":
			payload.Type = backend.StatusRetry
			if attempt, ok := n["attempt"].(float64); ok {
				payload.Attempt = int(attempt)
			}
			if msg, ok := n["message"].(string); ok {
				payload.Message = msg
			}
			if next, ok := n["nextRetryMs"].(float64); ok {
				payload.Next = time.Duration(next) * time.Millisecond
			}
		default:
			payload.Type = backend.StatusBusy
			payload.Message = newState
			a.setBusy(true)
		}
		return &backend.Event{
			Type:      backend.EventSessionStatus,
			Status:    payload,
			Timestamp: now,
		}

	case "error":
		message, _ := n["message"].(string)
		return &backend.Event{
			Type:      backend.EventSessionError,
			Data:      map[string]any{"message": message},
			Timestamp: now,
		}

	default:
		return nil
	}
}
