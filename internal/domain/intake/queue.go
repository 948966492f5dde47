package intake

import (
	"fmt"
	"sync"
)

const (
	// DefaultHardCapacity is the structural maximum of a single clinic queue.
	DefaultHardCapacity = 18
	// DefaultIntakeCapacity is the operational cap enforced when patients are added.
	DefaultIntakeCapacity = 10
	// DefaultBatchSize is the page size used for clinic listings.
	DefaultBatchSize = 9
)

// Queue is the ordered patient list of one clinic. Critical patients occupy a
// contiguous prefix; arrival order is kept inside the prefix and inside the
// regular suffix.
//
// Patients returned by Queue methods are copies. The queue owns the stored
// records and mutates them only under its own lock.
type Queue struct {
	name     string
	capacity int

	mu       sync.Mutex
	patients []*Patient
}

// NewQueue creates an empty queue. A non-positive capacity falls back to DefaultHardCapacity.
func NewQueue(name string, capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultHardCapacity
	}
	return &Queue{
		name:     name,
		capacity: capacity,
		patients: make([]*Patient, 0, capacity),
	}
}

func (q *Queue) Name() string  { return q.name }
func (q *Queue) Capacity() int { return q.capacity }

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.patients)
}

// Insert stores a copy of p according to its priority. It fails with
// ErrQueueFull when the queue is at capacity, leaving the queue unchanged.
func (q *Queue) Insert(p *Patient) error {
	return q.insertWithin(p, q.capacity)
}

// insertWithin is Insert with an additional, possibly stricter, size limit.
func (q *Queue) insertWithin(p *Patient, limit int) error {
	if p == nil {
		return fmt.Errorf("%w: nil patient", ErrInvalidPatient)
	}
	if limit <= 0 || limit > q.capacity {
		limit = q.capacity
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.patients) >= limit {
		return fmt.Errorf("%s: %w (%d/%d)", q.name, ErrQueueFull, len(q.patients), limit)
	}

	p = p.clone()
	if !p.Critical || len(q.patients) == 0 {
		q.patients = append(q.patients, p)
		return nil
	}

	// end of the critical prefix
	at := 0
	for at < len(q.patients) && q.patients[at].Critical {
		at++
	}
	q.patients = append(q.patients, nil)
	copy(q.patients[at+1:], q.patients[at:])
	q.patients[at] = p
	return nil
}

// NextEligible hands the first unassigned patient to coordinator and returns
// it, or nil when every queued patient is already assigned.
func (q *Queue) NextEligible(coordinator string) *Patient {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range q.patients {
		if p.Status == Unassigned {
			p.Status = Assigned
			p.Coordinator = coordinator
			return p.clone()
		}
	}
	return nil
}

// RemoveAssigned unlinks the patient assigned to coordinator and returns it
// with its status set to outcome. A nil result means there was nothing to finalize.
func (q *Queue) RemoveAssigned(coordinator string, outcome Outcome) *Patient {
	return q.removeAssigned("", coordinator, outcome)
}

// removeAssigned is RemoveAssigned narrowed to one patient id; an empty id
// matches the first patient held by coordinator.
func (q *Queue) removeAssigned(id, coordinator string, outcome Outcome) *Patient {
	if !CanTransition(Assigned, outcome) || !outcome.Terminal() {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for i, p := range q.patients {
		if p.Status != Assigned || p.Coordinator != coordinator {
			continue
		}
		if id != "" && p.ID != id {
			continue
		}
		q.patients = append(q.patients[:i], q.patients[i+1:]...)
		p.Status = outcome
		p.Coordinator = ""
		return p.clone()
	}
	return nil
}

// unassign returns the patient with the given id to Unassigned if it is
// currently held by coordinator. Its position does not change.
func (q *Queue) unassign(id, coordinator string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range q.patients {
		if p.ID == id && p.Status == Assigned && p.Coordinator == coordinator {
			p.Status = Unassigned
			p.Coordinator = ""
			return true
		}
	}
	return false
}

// Batch returns page number page (zero based) of size patients. Out of range
// pages and non-positive sizes give an empty result.
func (q *Queue) Batch(page, size int) []*Patient {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := []*Patient{}
	if page < 0 || size <= 0 {
		return out
	}
	n := len(q.patients)
	if n == 0 || page > (n-1)/size {
		return out
	}
	start := page * size
	end := n
	if size < n-start {
		end = start + size
	}
	for _, p := range q.patients[start:end] {
		out = append(out, p.clone())
	}
	return out
}

// FindByID returns the queued patient with the given id, or nil.
func (q *Queue) FindByID(id string) *Patient {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range q.patients {
		if p.ID == id {
			return p.clone()
		}
	}
	return nil
}

// Patients returns the whole queue in order.
func (q *Queue) Patients() []*Patient {
	return q.Filter(nil)
}

// Filter returns, in queue order, the patients whose status matches. A nil
// status matches everything.
func (q *Queue) Filter(status *Status) []*Patient {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Patient, 0, len(q.patients))
	for _, p := range q.patients {
		if status == nil || p.Status == *status {
			out = append(out, p.clone())
		}
	}
	return out
}

func (p *Patient) clone() *Patient {
	c := *p
	return &c
}
