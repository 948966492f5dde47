package intake

import "errors"

var (
	ErrDuplicateIdentity  = errors.New("patient already queued")
	ErrQueueNotFound      = errors.New("clinic not found")
	ErrQueueFull          = errors.New("clinic is at full capacity")
	ErrNoEligibleRecord   = errors.New("no unassigned patient in clinic")
	ErrNoActiveAssignment = errors.New("coordinator has no active assignment")
	ErrAlreadyAssigned    = errors.New("coordinator already has an active assignment")
	ErrAuditWriteFailed   = errors.New("audit write failed")
	ErrInvalidPatient     = errors.New("invalid patient")
	ErrInvalidOutcome     = errors.New("outcome must be processed or cancelled")
)
