package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/intake/internal/domain/intake"
)

var testTime = time.Date(2026, 3, 4, 10, 30, 5, 0, time.UTC)

func testEntry(action intake.Action, critical bool) intake.AuditEntry {
	return intake.AuditEntry{
		ID:          uuid.New(),
		Timestamp:   testTime,
		Coordinator: "Alice",
		Action:      action,
		Clinic:      "Heart",
		PatientID:   "ada_lovelace_123",
		SSN:         "123",
		Critical:    critical,
	}
}

type memorySink struct {
	mu      sync.Mutex
	entries []intake.AuditEntry
	err     error
	closed  bool
	block   chan struct{}
}

func (m *memorySink) Name() string { return "memory" }

func (m *memorySink) Write(_ context.Context, e intake.AuditEntry) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return m.err
}

func (m *memorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memorySink) snapshot() ([]intake.AuditEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]intake.AuditEntry, len(m.entries))
	copy(out, m.entries)
	return out, m.closed
}
