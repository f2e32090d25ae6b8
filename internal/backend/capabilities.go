package backend

// Capabilities declares which optional operations a backend family supports.
// One immutable instance per Kind, attached to every session of that kind.
// The UI uses it to hide unsupported affordances; backends are the sole
// enforcement point of their own claims.
type Capabilities struct {
	Undo               bool `json:"undo"`
	Redo               bool `json:"redo"`
	Commands           bool `json:"commands"`
	PermissionRequests bool `json:"permissionRequests"`
	Questions          bool `json:"questions"`
	ModelSelection     bool `json:"modelSelection"`
	Reconnect          bool `json:"reconnect"`
	PartialStreaming   bool `json:"partialStreaming"`
	// PromptQueue means a prompt sent while the session is busy is queued by
	// the backend instead of rejected with SessionBusy.
	PromptQueue bool `json:"promptQueue"`
}

// Union merges descriptors; used as the default answer when no session is
// given and the caller wants to know what any backend might support.
func Union(caps ...Capabilities) Capabilities {
	var u Capabilities
	for _, c := range caps {
		u.Undo = u.Undo || c.Undo
		u.Redo = u.Redo || c.Redo
		u.Commands = u.Commands || c.Commands
		u.PermissionRequests = u.PermissionRequests || c.PermissionRequests
		u.Questions = u.Questions || c.Questions
		u.ModelSelection = u.ModelSelection || c.ModelSelection
		u.Reconnect = u.Reconnect || c.Reconnect
		u.PartialStreaming = u.PartialStreaming || c.PartialStreaming
		u.PromptQueue = u.PromptQueue || c.PromptQueue
	}
	return u
}
