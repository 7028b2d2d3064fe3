// Package store defines the SessionStore interface for buildbot persistence.
package store

import (
	"errors"

	"github.com/jxucoder/buildbot/pkg/model"
)

// ErrNotFound is returned when a session record does not exist.
var ErrNotFound = errors.New("session not found")

// SessionStore persists build session records and their event log so that a
// restarted process can find sessions it no longer owns.
type SessionStore interface {
	// SaveSession inserts or replaces the record for snap.ID.
	SaveSession(snap model.Snapshot) error
	GetSession(id string) (model.Snapshot, error)
	// ListSessions returns records newest first. An empty status lists all.
	ListSessions(status model.Status) ([]model.Snapshot, error)
	UpdateStatus(id string, status model.Status, errMsg string) error
	AddEvent(event *model.Event) error
	GetEvents(sessionID string, afterID int64) ([]*model.Event, error)
	Close() error
}
