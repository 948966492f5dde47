package intake

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Action is the kind of committed transition an audit entry describes.
type Action string

const (
	ActionAdded     Action = "added"
	ActionProcessed Action = "processed"
	ActionCancelled Action = "cancelled"
)

// ActionFor maps a terminal outcome to its audit action.
func ActionFor(outcome Outcome) Action {
	if outcome == Cancelled {
		return ActionCancelled
	}
	return ActionProcessed
}

// AuditEntry is an immutable record of one committed state transition.
type AuditEntry struct {
	ID          uuid.UUID `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Coordinator string    `json:"coordinator"`
	Action      Action    `json:"action"`
	Clinic      string    `json:"clinic"`
	PatientID   string    `json:"patient_id"`
	SSN         string    `json:"ssn"`
	Critical    bool      `json:"critical"`
}

// NewAuditEntry fills an entry for p as it stands after the transition.
func NewAuditEntry(at time.Time, coordinator string, action Action, p *Patient) AuditEntry {
	return AuditEntry{
		ID:          uuid.New(),
		Timestamp:   at,
		Coordinator: coordinator,
		Action:      action,
		Clinic:      p.Clinic,
		PatientID:   p.ID,
		SSN:         p.SSN,
		Critical:    p.Critical,
	}
}

// Recorder receives an entry after each committed transition. A failing
// Recorder never undoes the transition.
type Recorder interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// RecorderFunc is a function adapter for Recorder.
type RecorderFunc func(ctx context.Context, entry AuditEntry) error

func (f RecorderFunc) Record(ctx context.Context, entry AuditEntry) error {
	return f(ctx, entry)
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, AuditEntry) error { return nil }
