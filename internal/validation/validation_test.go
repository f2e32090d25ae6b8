package validation

import (
	"strings"
	"testing"
)

func TestValidateUISessionID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"minted id", "ui_a1b2c3d4-e5f6-7890-abcd-ef1234567890", false},
		{"bare uuid", "a1b2c3d4-e5f6-7890-abcd-ef1234567890", false},
		{"caller supplied", "session-1", false},
		{"empty", "", true},
		{"traversal", "../../../etc/passwd", true},
		{"spaces", "ui 1", true},
		{"too long", strings.Repeat("a", 129), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUISessionID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateUISessionID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestValidateBackendSessionID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"opencode style", "ses_8f2a91", false},
		{"with colon", "agent:42", false},
		{"empty", "", true},
		{"spaces", "ses 1", true},
		{"shell metachars", "ses;rm -rf /", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBackendSessionID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateBackendSessionID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

func TestValidateWorktreePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"absolute", "/repo/a", false},
		{"nested", "/home/dev/worktrees/feature-x", false},
		{"empty", "", true},
		{"relative", "repo/a", true},
		{"traversal", "/repo/../etc", true},
		{"unclean", "/repo//a", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateWorktreePath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateWorktreePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestValidateRequestID(t *testing.T) {
	if err := ValidateRequestID("perm_01"); err != nil {
		t.Errorf("ValidateRequestID() unexpected error: %v", err)
	}
	if err := ValidateRequestID(""); err == nil {
		t.Error("empty request ID should be rejected")
	}
}
