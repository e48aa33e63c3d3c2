package session

import (
	"errors"
	"time"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound = errors.New("session not found")
	// ErrInUse is returned when a client asks for a session id that is
	// already bridged.
	ErrInUse = errors.New("session id already in use")
	// ErrExpired is the cancellation cause for sessions ended by the
	// inactivity janitor.
	ErrExpired = errors.New("session expired")
	// ErrInvalidModel rejects a realtime model outside the allow-list.
	ErrInvalidModel = errors.New("invalid realtime model")
	// ErrUpstreamClosed ends a session whose upstream connection failed.
	ErrUpstreamClosed = errors.New("upstream connection closed")
)

// Session is the registry view of one bridged connection.
type Session struct {
	ID                 string    `json:"session_id"`
	Model              string    `json:"model"`
	TranscriptionModel string    `json:"transcription_model"`
	Doc                string    `json:"doc,omitempty"`
	Status             Status    `json:"status"`
	CommitState        string    `json:"commit_state"`
	BufferedMs         float64   `json:"buffered_ms"`
	Commits            int       `json:"commits"`
	Transcriptions     int       `json:"transcriptions"`
	StartedAt          time.Time `json:"started_at"`
	LastActivityAt     time.Time `json:"last_activity_at"`
}

// ListResponse is the body of GET /v1/sessions.
type ListResponse struct {
	Sessions        []*Session `json:"sessions"`
	Active          int        `json:"active"`
	InactivityTTLMS int64      `json:"inactivity_ttl_ms"`
}
