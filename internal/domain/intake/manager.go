package intake

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SystemActor marks seed loads. Patients added by it are not audited.
const SystemActor = "SYSTEM"

// AssignPolicy decides what Assign does for a coordinator that is already
// bound to a patient.
type AssignPolicy string

const (
	// AssignReject refuses the second assignment with ErrAlreadyAssigned.
	AssignReject AssignPolicy = "reject"
	// AssignReplace rebinds the coordinator to the next eligible patient. The
	// earlier patient stays Assigned in its queue with no binding.
	AssignReplace AssignPolicy = "replace"
)

// ParseAssignPolicy maps a config value to a policy; empty means AssignReject.
func ParseAssignPolicy(s string) (AssignPolicy, error) {
	switch AssignPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", AssignReject:
		return AssignReject, nil
	case AssignReplace:
		return AssignReplace, nil
	default:
		return "", fmt.Errorf("invalid assign policy %q (valid: reject, replace)", s)
	}
}

// Options configures a Manager.
type Options struct {
	Clinics        []string
	HardCapacity   int
	IntakeCapacity int
	AssignPolicy   AssignPolicy
	// Now stamps audit entries; defaults to time.Now.
	Now func() time.Time
}

type binding struct {
	patientID string
	clinic    string
}

// Manager owns the clinic queues, the identity index used for duplicate
// detection and the coordinator assignment table.
//
// Lock order: identityMu, then assignMu, then a queue's own lock. clinicsMu
// is only held while resolving a clinic name.
type Manager struct {
	opts     Options
	recorder Recorder
	logger   zerolog.Logger

	clinicsMu sync.RWMutex
	clinics   map[string]*Queue

	identityMu sync.Mutex
	index      map[string]string // patient id -> clinic

	assignMu    sync.Mutex
	assignments map[string]binding // coordinator -> patient
}

// NewManager creates a manager with one empty queue per configured clinic.
// A nil recorder disables auditing.
func NewManager(opts Options, recorder Recorder, logger zerolog.Logger) *Manager {
	if opts.HardCapacity <= 0 {
		opts.HardCapacity = DefaultHardCapacity
	}
	if opts.IntakeCapacity <= 0 {
		opts.IntakeCapacity = DefaultIntakeCapacity
	}
	if opts.AssignPolicy == "" {
		opts.AssignPolicy = AssignReject
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}

	m := &Manager{
		opts:        opts,
		recorder:    recorder,
		logger:      logger.With().Str("component", "intake").Logger(),
		clinics:     make(map[string]*Queue),
		index:       make(map[string]string),
		assignments: make(map[string]binding),
	}
	for _, name := range opts.Clinics {
		_ = m.AddClinic(name)
	}
	return m
}

// AddClinic creates an empty queue. Adding an existing clinic is a no-op.
func (m *Manager) AddClinic(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("clinic name is required")
	}
	m.clinicsMu.Lock()
	defer m.clinicsMu.Unlock()
	if _, ok := m.clinics[name]; !ok {
		m.clinics[name] = NewQueue(name, m.opts.HardCapacity)
	}
	return nil
}

// Clinics returns the clinic names in lexical order.
func (m *Manager) Clinics() []string {
	m.clinicsMu.RLock()
	defer m.clinicsMu.RUnlock()
	names := make([]string, 0, len(m.clinics))
	for name := range m.clinics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) queue(clinic string) (*Queue, error) {
	m.clinicsMu.RLock()
	q, ok := m.clinics[clinic]
	m.clinicsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%q: %w", clinic, ErrQueueNotFound)
	}
	return q, nil
}

// AddPatient queues p in clinic. It fails with ErrDuplicateIdentity when the
// patient is already queued anywhere, ErrQueueNotFound for an unknown clinic
// and ErrQueueFull when the clinic reached its intake or structural capacity.
// On success p.Clinic is set; unless actor is SystemActor an added entry is
// audited for actor.
func (m *Manager) AddPatient(ctx context.Context, clinic string, p *Patient, actor string) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = PatientID(p.FirstName, p.LastName, p.SSN)
	}

	m.identityMu.Lock()
	if where, ok := m.index[p.ID]; ok {
		m.identityMu.Unlock()
		return fmt.Errorf("%s already exists in %s: %w", p.ID, where, ErrDuplicateIdentity)
	}
	q, err := m.queue(clinic)
	if err != nil {
		m.identityMu.Unlock()
		return err
	}

	rec := *p
	rec.Clinic = clinic
	rec.Status = Unassigned
	rec.Coordinator = ""
	rec.AddedAt = m.opts.Now()
	if err := q.insertWithin(&rec, m.opts.IntakeCapacity); err != nil {
		m.identityMu.Unlock()
		return err
	}
	m.index[rec.ID] = clinic
	m.identityMu.Unlock()

	p.Clinic, p.Status, p.Coordinator, p.AddedAt = rec.Clinic, rec.Status, rec.Coordinator, rec.AddedAt

	if actor != SystemActor {
		m.audit(ctx, actor, ActionAdded, &rec)
	}
	return nil
}

// Assign binds coordinator to the first unassigned patient of clinic.
func (m *Manager) Assign(ctx context.Context, clinic, coordinator string) (*Patient, error) {
	if strings.TrimSpace(coordinator) == "" {
		return nil, fmt.Errorf("coordinator is required")
	}
	q, err := m.queue(clinic)
	if err != nil {
		return nil, err
	}

	m.assignMu.Lock()
	defer m.assignMu.Unlock()

	if prev, bound := m.assignments[coordinator]; bound && m.opts.AssignPolicy != AssignReplace {
		return nil, fmt.Errorf("%s holds %s: %w", coordinator, prev.patientID, ErrAlreadyAssigned)
	}

	p := q.NextEligible(coordinator)
	if p == nil {
		return nil, fmt.Errorf("%s: %w", clinic, ErrNoEligibleRecord)
	}
	m.assignments[coordinator] = binding{patientID: p.ID, clinic: clinic}

	m.logger.Debug().
		Str("clinic", clinic).
		Str("coordinator", coordinator).
		Str("patient_id", p.ID).
		Bool("critical", p.Critical).
		Msg("patient assigned")
	return p, nil
}

// Finalize ends the coordinator's assignment with outcome, removing the
// patient from its clinic and auditing the transition.
func (m *Manager) Finalize(ctx context.Context, coordinator string, outcome Outcome) (*Patient, error) {
	if !outcome.Terminal() {
		return nil, fmt.Errorf("%v: %w", outcome, ErrInvalidOutcome)
	}

	m.identityMu.Lock()
	m.assignMu.Lock()

	b, ok := m.assignments[coordinator]
	if !ok {
		m.assignMu.Unlock()
		m.identityMu.Unlock()
		return nil, fmt.Errorf("%s: %w", coordinator, ErrNoActiveAssignment)
	}
	q, err := m.queue(b.clinic)
	if err != nil {
		m.assignMu.Unlock()
		m.identityMu.Unlock()
		return nil, err
	}
	p := q.removeAssigned(b.patientID, coordinator, outcome)
	if p == nil {
		m.assignMu.Unlock()
		m.identityMu.Unlock()
		return nil, fmt.Errorf("%s: %w", coordinator, ErrNoActiveAssignment)
	}
	delete(m.assignments, coordinator)
	delete(m.index, p.ID)

	m.assignMu.Unlock()
	m.identityMu.Unlock()

	m.audit(ctx, coordinator, ActionFor(outcome), p)
	return p, nil
}

// Process finalizes the coordinator's assignment as processed.
func (m *Manager) Process(ctx context.Context, coordinator string) (*Patient, error) {
	return m.Finalize(ctx, coordinator, Processed)
}

// Cancel finalizes the coordinator's assignment as cancelled.
func (m *Manager) Cancel(ctx context.Context, coordinator string) (*Patient, error) {
	return m.Finalize(ctx, coordinator, Cancelled)
}

// Release abandons the coordinator's assignment. The patient goes back to
// Unassigned at the same position. It reports whether a binding existed.
func (m *Manager) Release(coordinator string) bool {
	m.assignMu.Lock()
	defer m.assignMu.Unlock()

	b, ok := m.assignments[coordinator]
	if !ok {
		return false
	}
	delete(m.assignments, coordinator)
	if q, err := m.queue(b.clinic); err == nil {
		q.unassign(b.patientID, coordinator)
	}
	m.logger.Debug().
		Str("clinic", b.clinic).
		Str("coordinator", coordinator).
		Str("patient_id", b.patientID).
		Msg("assignment released")
	return true
}

// AssignedTo returns the patient currently bound to coordinator.
func (m *Manager) AssignedTo(coordinator string) (*Patient, bool) {
	m.assignMu.Lock()
	b, ok := m.assignments[coordinator]
	m.assignMu.Unlock()
	if !ok {
		return nil, false
	}
	q, err := m.queue(b.clinic)
	if err != nil {
		return nil, false
	}
	p := q.FindByID(b.patientID)
	return p, p != nil
}

// SearchByName scans every clinic for an exact, case-sensitive name match.
func (m *Manager) SearchByName(first, last string) []*Patient {
	matches := []*Patient{}
	for _, clinic := range m.Clinics() {
		q, err := m.queue(clinic)
		if err != nil {
			continue
		}
		for _, p := range q.Patients() {
			if p.FirstName == first && p.LastName == last {
				matches = append(matches, p)
			}
		}
	}
	return matches
}

// Sizes returns the current number of patients per clinic.
func (m *Manager) Sizes() map[string]int {
	m.clinicsMu.RLock()
	defer m.clinicsMu.RUnlock()
	sizes := make(map[string]int, len(m.clinics))
	for name, q := range m.clinics {
		sizes[name] = q.Len()
	}
	return sizes
}

// Batch returns a zero based page of a clinic's queue.
func (m *Manager) Batch(clinic string, page, size int) ([]*Patient, error) {
	q, err := m.queue(clinic)
	if err != nil {
		return nil, err
	}
	return q.Batch(page, size), nil
}

// Patients lists a clinic in queue order, optionally filtered by status.
func (m *Manager) Patients(clinic string, status *Status) ([]*Patient, error) {
	q, err := m.queue(clinic)
	if err != nil {
		return nil, err
	}
	return q.Filter(status), nil
}

// Find looks a patient up by id across all clinics.
func (m *Manager) Find(id string) (*Patient, bool) {
	m.identityMu.Lock()
	clinic, ok := m.index[id]
	m.identityMu.Unlock()
	if !ok {
		return nil, false
	}
	q, err := m.queue(clinic)
	if err != nil {
		return nil, false
	}
	p := q.FindByID(id)
	return p, p != nil
}

func (m *Manager) audit(ctx context.Context, coordinator string, action Action, p *Patient) {
	entry := NewAuditEntry(m.opts.Now(), coordinator, action, p)
	if err := m.recorder.Record(ctx, entry); err != nil {
		m.logger.Error().
			Err(fmt.Errorf("%w: %v", ErrAuditWriteFailed, err)).
			Str("action", string(action)).
			Str("clinic", p.Clinic).
			Str("patient_id", p.ID).
			Msg("audit entry not recorded")
	}
}
