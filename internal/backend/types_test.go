package backend

import "testing"

func TestPrompt_Validate(t *testing.T) {
	tests := []struct {
		name    string
		prompt  Prompt
		wantErr bool
	}{
		{"plain text", TextPrompt("add a test"), false},
		{"empty", Prompt{}, true},
		{"text part", Prompt{Parts: []Part{{Type: PartText, Text: "hi"}}}, false},
		{"file part", Prompt{Parts: []Part{{Type: PartFile, Path: "/tmp/a.go"}}}, false},
		{"mixed parts", Prompt{Parts: []Part{
			{Type: PartText, Text: "review this"},
			{Type: PartFile, Path: "main.go", MimeType: "text/x-go"},
		}}, false},
		{"empty text part", Prompt{Parts: []Part{{Type: PartText}}}, true},
		{"file part without path", Prompt{Parts: []Part{{Type: PartFile}}}, true},
		{"unknown part type", Prompt{Parts: []Part{{Type: "image"}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.prompt.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPrompt_Flatten(t *testing.T) {
	p := TextPrompt("hello")
	parts := p.Flatten()
	if len(parts) != 1 || parts[0].Type != PartText || parts[0].Text != "hello" {
		t.Errorf("Flatten() = %+v, want single text part", parts)
	}

	structured := Prompt{Parts: []Part{{Type: PartFile, Path: "x"}}}
	if got := structured.Flatten(); len(got) != 1 || got[0].Type != PartFile {
		t.Errorf("Flatten() should pass structured parts through, got %+v", got)
	}
}

func TestValidStatusTransition(t *testing.T) {
	tests := []struct {
		from, to StatusKind
		want     bool
	}{
		{StatusIdle, StatusBusy, true},
		{StatusBusy, StatusIdle, true},
		{StatusBusy, StatusRetry, true},
		{StatusRetry, StatusBusy, true},
		{StatusRetry, StatusIdle, true},
		// retry is only reachable from busy
		{StatusIdle, StatusRetry, false},
		{"", StatusBusy, false},
	}

	for _, tt := range tests {
		if got := ValidStatusTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidStatusTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestCapabilities_Union(t *testing.T) {
	a := Capabilities{Undo: true, Redo: true, Reconnect: true}
	b := Capabilities{Commands: true, PermissionRequests: true, Reconnect: true}

	u := Union(a, b)
	if !u.Undo || !u.Redo || !u.Commands || !u.PermissionRequests || !u.Reconnect {
		t.Errorf("Union() missing flags: %+v", u)
	}
	if u.Questions || u.PromptQueue {
		t.Errorf("Union() set flags neither input had: %+v", u)
	}
}

func TestKind_Valid(t *testing.T) {
	if !KindOpenCode.Valid() || !KindClaudeCode.Valid() {
		t.Error("known kinds should be valid")
	}
	if Kind("codex").Valid() {
		t.Error("unknown kind should be invalid")
	}
}
