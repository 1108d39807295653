package session

import (
	"errors"
	"time"

	"cc_session_hub/internal/adapter"
)

var (
	// ErrNotFound is returned for session IDs with no log and no live session.
	ErrNotFound = errors.New("session not found")
	// ErrSessionFailed is returned while a session refuses input after its
	// event log could not be written.
	ErrSessionFailed = errors.New("session failed")
	// ErrInactive is returned for commands that need a running agent.
	ErrInactive = errors.New("session is not active")
	// ErrBadCursor is returned for malformed pagination cursors.
	ErrBadCursor = errors.New("malformed cursor")
)

// Status is where a session is in its lifecycle.
type Status string

const (
	StatusActive   Status = "active"   // an agent process is attached
	StatusArchived Status = "archived" // history only; activated on demand
	StatusDead     Status = "dead"     // the agent exited on its own
)

// Info describes a session for listings and viewers.
type Info struct {
	ID                 string       `json:"id"`
	Title              string       `json:"title"`
	FirstPrompt        string       `json:"firstPrompt,omitempty"`
	FirstMessageID     string       `json:"firstMessageId,omitempty"`
	WorkingDir         string       `json:"workingDir,omitempty"`
	EventCount         int          `json:"eventCount"`
	Created            time.Time    `json:"created"`
	Modified           time.Time    `json:"modified"`
	Status             Status       `json:"status"`
	Mode               adapter.Mode `json:"mode"`
	Writable           bool         `json:"writable"`
	Subscribers        int          `json:"subscribers"`
	PendingPermissions int          `json:"pendingPermissions"`
	Failed             string       `json:"failed,omitempty"`
}

// LifecycleType names a lifecycle transition.
type LifecycleType string

const (
	Created     LifecycleType = "created"
	Updated     LifecycleType = "updated"
	Activated   LifecycleType = "activated"
	Deactivated LifecycleType = "deactivated"
	Deleted     LifecycleType = "deleted"
)

// LifecycleEvent carries only the session and what happened to it.
// Recipients re-fetch whatever state they need.
type LifecycleEvent struct {
	SessionID string        `json:"sessionId"`
	Type      LifecycleType `json:"type"`
}

// Listener is called synchronously for every lifecycle event, outside of
// any session lock. Listeners that do real work should hand off to their
// own goroutine.
type Listener func(LifecycleEvent)
