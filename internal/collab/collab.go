// Package collab coordinates studio and sync sessions: it serializes each
// session's operations, runs pipeline work for them and routes the results
// to the right users.
package collab

import (
	"context"
	"errors"

	"github.com/wakeup/audiostudio/internal/effect"
	"github.com/wakeup/audiostudio/internal/protocol"
)

var (
	// ErrNotFound is returned when a session is absent or already ended.
	ErrNotFound = errors.New("session not found")
	// ErrForbidden is returned when the caller may not act on the session.
	ErrForbidden = errors.New("not permitted for this session")
)

// Router delivers messages to a user's private channel or to everyone
// subscribed to a session.
type Router interface {
	SendToUser(userID string, m protocol.Message)
	SendToSession(sessionID string, m protocol.Message)
	// JoinSession subscribes the user's connections to the session channel.
	JoinSession(sessionID, userID string)
	LeaveSession(sessionID, userID string)
	// CloseSession drops every subscription to the session channel.
	CloseSession(sessionID string)
}

// Processor runs audio through the media pipeline.
type Processor interface {
	Apply(ctx context.Context, input []byte, chain []effect.Descriptor, onProgress func(int)) ([]byte, error)
	Mix(ctx context.Context, primary, secondary []byte, secondaryGain float64, onProgress func(int)) ([]byte, error)
	Concatenate(ctx context.Context, buffers [][]byte, onProgress func(int)) ([]byte, error)
	Trim(ctx context.Context, input []byte, start, duration float64, onProgress func(int)) ([]byte, error)
}
