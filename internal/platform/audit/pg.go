package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ehr/intake/internal/domain/intake"
)

// execer is satisfied by *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGSink inserts entries into the intake_audit table.
type PGSink struct {
	conn execer
}

func NewPGSink(conn execer) *PGSink {
	return &PGSink{conn: conn}
}

func (s *PGSink) Name() string { return "postgres" }

func (s *PGSink) Write(ctx context.Context, e intake.AuditEntry) error {
	const query = `
		INSERT INTO intake_audit (
			id, recorded_at, coordinator, action, clinic, patient_id, ssn, critical
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.conn.Exec(ctx, query,
		e.ID, e.Timestamp.UTC(), e.Coordinator, string(e.Action),
		e.Clinic, e.PatientID, e.SSN, e.Critical,
	)
	if err != nil {
		return fmt.Errorf("insert intake_audit: %w", err)
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *PGSink) Close() error { return nil }
