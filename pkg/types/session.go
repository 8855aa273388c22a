// Package types provides the core data types shared across the deskagent daemon.
package types

// PermissionMode controls how tool use is approved during a turn.
type PermissionMode string

const (
	// ModeAuto allows every tool call without asking.
	ModeAuto PermissionMode = "auto"
	// ModeSmart auto-allows read-only tools and safe shell commands, asks otherwise.
	ModeSmart PermissionMode = "smart"
	// ModeSupervised asks for everything beyond the read-only allowlist.
	ModeSupervised PermissionMode = "supervised"
)

// Session represents one agent conversation.
type Session struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Model     string         `json:"model"`
	Workspace string         `json:"workspace"`
	Mode      PermissionMode `json:"mode,omitempty"`

	// ResumeToken is the engine-side conversation handle. Empty until the
	// engine reports one; cleared when resumption fails or the session's
	// working directory was reset.
	ResumeToken string `json:"resumeToken,omitempty"`

	Time SessionTime `json:"time"`
}

// SessionTime contains timestamps for a session.
type SessionTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// DefaultTitle is the placeholder title assigned on session creation.
const DefaultTitle = "New Session"

// HasDefaultTitle reports whether the session still carries the placeholder title.
func (s *Session) HasDefaultTitle() bool {
	return s.Title == "" || s.Title == DefaultTitle
}
