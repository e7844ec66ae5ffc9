package engine

import (
	"context"

	"github.com/roach88/cellar/internal/store"
)

// EventKind classifies a stage event.
type EventKind string

const (
	EventStarted  EventKind = "started"
	EventFinished EventKind = "finished"
	EventFailed   EventKind = "failed"
	EventSkipped  EventKind = "skipped"
	EventStep     EventKind = "step"  // one build step is about to run
	EventCheck    EventKind = "check" // one smoke-test check is about to run
)

// Event is one entry in a session's stage trace. Seq comes from the
// engine's logical clock.
type Event struct {
	Seq       int64     `json:"seq"`
	SessionID string    `json:"session_id"`
	Package   string    `json:"package"`
	Version   string    `json:"version"`
	Stage     Stage     `json:"stage"`
	Kind      EventKind `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
}

// Recorder persists stage events and install receipts. *store.Store
// implements it.
type Recorder interface {
	WriteStageEvent(ctx context.Context, ev store.StageEvent) error
	WriteInstall(ctx context.Context, inst store.Install) error
	SetHealth(ctx context.Context, name, version string, health store.Health, detail string) error
	DeleteInstall(ctx context.Context, name, version string) error
}

func (ev Event) toStore() store.StageEvent {
	return store.StageEvent{
		SessionID: ev.SessionID,
		Seq:       ev.Seq,
		Package:   ev.Package,
		Version:   ev.Version,
		Stage:     string(ev.Stage),
		Kind:      string(ev.Kind),
		Detail:    ev.Detail,
	}
}
