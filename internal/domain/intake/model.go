package intake

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a patient in a clinic queue.
type Status int

const (
	Unassigned Status = iota
	Assigned
	Processed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Unassigned:
		return "Unassigned"
	case Assigned:
		return "Assigned"
	case Processed:
		return "Processed"
	case Cancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// ParseStatus accepts the status names case-insensitively.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unassigned":
		return Unassigned, nil
	case "assigned":
		return Assigned, nil
	case "processed":
		return Processed, nil
	case "cancelled", "canceled":
		return Cancelled, nil
	default:
		return Unassigned, fmt.Errorf("invalid status %q (valid: unassigned, assigned, processed, cancelled)", s)
	}
}

// MarshalText renders the status by name in JSON output.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Terminal reports whether the status ends the patient's stay in a queue.
func (s Status) Terminal() bool {
	return s == Processed || s == Cancelled
}

// transitions lists, for every target status, the statuses it may be reached from.
var transitions = map[Status][]Status{
	Assigned:   {Unassigned},
	Unassigned: {Assigned},
	Processed:  {Assigned},
	Cancelled:  {Assigned},
}

// CanTransition reports whether a patient may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Outcome is the terminal status an assignment is finalized with.
type Outcome = Status

// Patient is a single intake record. Identity fields and the critical flag
// never change after NewPatient; the rest is owned by the queue holding it.
type Patient struct {
	ID          string    `json:"id"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	SSN         string    `json:"ssn"`
	Critical    bool      `json:"critical"`
	Status      Status    `json:"status"`
	Coordinator string    `json:"coordinator,omitempty"`
	Clinic      string    `json:"clinic,omitempty"`
	AddedAt     time.Time `json:"added_at,omitempty"`
}

// PatientID derives the global duplicate key from the identity fields.
func PatientID(first, last, ssn string) string {
	return strings.ToLower(first) + "_" + strings.ToLower(last) + "_" + ssn
}

// NewPatient builds an unassigned patient record.
func NewPatient(first, last, ssn string, critical bool) *Patient {
	return &Patient{
		ID:        PatientID(first, last, ssn),
		FirstName: first,
		LastName:  last,
		SSN:       ssn,
		Critical:  critical,
		Status:    Unassigned,
	}
}

// Validate checks the identity fields are present.
func (p *Patient) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil patient", ErrInvalidPatient)
	}
	if strings.TrimSpace(p.FirstName) == "" {
		return fmt.Errorf("%w: first name is required", ErrInvalidPatient)
	}
	if strings.TrimSpace(p.LastName) == "" {
		return fmt.Errorf("%w: last name is required", ErrInvalidPatient)
	}
	if strings.TrimSpace(p.SSN) == "" {
		return fmt.Errorf("%w: ssn is required", ErrInvalidPatient)
	}
	return nil
}

// Label is the priority tag used in listings.
func (p *Patient) Label() string {
	if p.Critical {
		return "CRITICAL"
	}
	return "REGULAR"
}
