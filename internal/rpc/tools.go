package rpc

// toolset assembles the UI-facing tool table, one tool per operation.
func (s *Server) toolset() *Toolset {
	ts := newToolset()

	addTool(ts, "session_connect", `Establish an agent session bound to a git worktree.

Idempotent: connecting an already-active uiSessionId returns the existing
backendSessionId. Worktrees share one backend process per backend kind;
the first session starts it, the last one tears it down. Events start
streaming immediately; poll with session_events or listen for pushes.`,
		s.handleConnect)

	addTool(ts, "session_reconnect", `Re-attach to a backend session that survived a UI restart.

Pass the backendSessionId returned by an earlier session_connect, or just
the uiSessionId after a daemon restart; the persisted record fills in the
worktree and backend session. The stream generation advances, so stale
in-flight events from the previous attachment are discarded. Returns the
record including any revert pointer.`,
		s.handleReconnect)

	addTool(ts, "session_disconnect", `Detach a session and release its resources.

The backend session usually stays resumable. The shared backend process is
stopped when this was the worktree's last session of its kind. Pending
permission and question entries for the session are purged.`,
		s.handleDisconnect)

	addTool(ts, "session_prompt", `Send one user turn to a session.

Returns as soon as the prompt is accepted; output streams via events.
Sessions that are busy reject the prompt with session_busy unless the
backend queues prompts (opencode does, claudecode does not).`,
		s.handlePrompt)

	addTool(ts, "session_abort", `Signal cancellation of the in-flight turn.

Best effort: "delivered" means the signal reached the backend, not that
the turn stopped. Watch the status events for the turn actually ending.`,
		s.handleAbort)

	addTool(ts, "session_messages",
		`Fetch a session's full conversation history from its backend.`,
		s.handleMessages)

	addTool(ts, "session_info",
		`Get one session's record: status, title, model, revert pointer, generation.`,
		s.handleSessionInfo)

	addTool(ts, "session_list",
		`List registered sessions, optionally filtered by worktree.`,
		s.handleListSessions)

	addTool(ts, "session_events", `Poll buffered events for a session.

Use sinceIndex from the previous poll to resume; omit it for everything
still buffered. An error means the buffer slid past sinceIndex - refetch
history with session_messages and resume from lastIndex.`,
		s.handleEvents)

	addTool(ts, "model_list",
		`List models selectable for a session's backend.`,
		s.handleListModels)

	addTool(ts, "model_info",
		`Get the model a session currently uses.`,
		s.handleModelInfo)

	addTool(ts, "model_set",
		`Switch a session's model. Takes effect on the next prompt.`,
		s.handleSetModel)

	addTool(ts, "session_undo", `Revert the last agent turn (opencode only).

Returns the new revert pointer. Backends without history control reject
with capability_unsupported.`,
		s.handleUndo)

	addTool(ts, "session_redo",
		`Restore the last reverted turn (opencode only).`,
		s.handleRedo)

	addTool(ts, "question_reply", `Answer a pending agent question by request id.

Unknown or already-resolved ids succeed with no effect, so double-clicked
replies are harmless. Pass backend as a routing hint for sessions the
daemon is not tracking by uiSessionId.`,
		s.handleQuestionReply)

	addTool(ts, "question_reject",
		`Dismiss a pending agent question without answering.`,
		s.handleQuestionReject)

	addTool(ts, "permission_reply", `Resolve a pending permission or command-approval request.

Set remember ("allow" or "block") with a pattern to create a standing
policy for future matching commands in that session. Unknown ids succeed
with no effect.`,
		s.handlePermissionReply)

	addTool(ts, "pending_requests",
		`List unresolved permission and question requests awaiting a decision.`,
		s.handlePendingRequests)

	addTool(ts, "command_list",
		`List backend-defined commands available in a session (opencode only).`,
		s.handleListCommands)

	addTool(ts, "command_send",
		`Invoke a backend-defined command in a session (opencode only).`,
		s.handleSendCommand)

	addTool(ts, "session_rename",
		`Set a session's display title.`,
		s.handleRename)

	addTool(ts, "capabilities", `Describe what a session's backend supports.

Flags: undo, redo, commands, permissionRequests, questions, modelSelection,
reconnect, partialStreaming, promptQueue. Omit uiSessionId for the union
across registered backends.`,
		s.handleCapabilities)

	return ts
}
