// Package audit persists intake audit entries. Sinks write one entry at a
// time; the Dispatcher fans entries out to them off the request path.
package audit

import (
	"context"

	"github.com/ehr/intake/internal/domain/intake"
)

// Sink is a destination for audit entries.
type Sink interface {
	Name() string
	Write(ctx context.Context, entry intake.AuditEntry) error
	Close() error
}
