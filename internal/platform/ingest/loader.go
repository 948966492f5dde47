package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/domain/intake"
)

// LoadReport counts what happened to each row of a seed file.
type LoadReport struct {
	Clinic     string `json:"clinic"`
	Added      int    `json:"added"`
	Duplicates int    `json:"duplicates"`
	Full       int    `json:"full"`
	Invalid    int    `json:"invalid"`
}

// Loader seeds clinics as the SYSTEM actor, so seeded patients are not
// audited.
type Loader struct {
	mgr        *intake.Manager
	classifier Classifier
	logger     zerolog.Logger
}

func NewLoader(mgr *intake.Manager, classifier Classifier, logger zerolog.Logger) *Loader {
	if classifier == nil {
		classifier = ColumnClassifier{Fallback: NewRandomClassifier(DefaultCriticalProbability, 0)}
	}
	return &Loader{
		mgr:        mgr,
		classifier: classifier,
		logger:     logger.With().Str("component", "ingest").Logger(),
	}
}

// LoadClinic seeds clinic from the CSV file at path.
func (l *Loader) LoadClinic(ctx context.Context, path, clinic string) (LoadReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return LoadReport{Clinic: clinic}, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()

	report, err := l.Load(ctx, f, clinic)
	if err != nil {
		return report, fmt.Errorf("%s: %w", path, err)
	}
	return report, nil
}

// Load seeds clinic from CSV read from r. Rejected rows are logged and
// counted; only an unreadable file or an unknown clinic is an error.
func (l *Loader) Load(ctx context.Context, r io.Reader, clinic string) (LoadReport, error) {
	report := LoadReport{Clinic: clinic}

	rows, err := ReadCSV(r)
	if err != nil {
		return report, err
	}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if row.Err != nil {
			report.Invalid++
			l.logger.Warn().Err(row.Err).Str("clinic", clinic).Int("line", row.Line).Msg("skipping seed row")
			continue
		}

		p := intake.NewPatient(row.FirstName, row.LastName, row.SSN, l.classifier.Critical(row))
		err := l.mgr.AddPatient(ctx, clinic, p, intake.SystemActor)
		switch {
		case err == nil:
			report.Added++
		case errors.Is(err, intake.ErrQueueNotFound):
			return report, err
		case errors.Is(err, intake.ErrDuplicateIdentity):
			report.Duplicates++
			l.logger.Warn().Str("clinic", clinic).Int("line", row.Line).Str("patient_id", p.ID).Msg("duplicate seed patient")
		case errors.Is(err, intake.ErrQueueFull):
			report.Full++
			l.logger.Warn().Str("clinic", clinic).Int("line", row.Line).Str("patient_id", p.ID).Msg("clinic full, seed patient rejected")
		default:
			report.Invalid++
			l.logger.Warn().Err(err).Str("clinic", clinic).Int("line", row.Line).Msg("skipping seed row")
		}
	}

	l.logger.Info().
		Str("clinic", clinic).
		Int("added", report.Added).
		Int("duplicates", report.Duplicates).
		Int("full", report.Full).
		Int("invalid", report.Invalid).
		Msg("clinic seeded")
	return report, nil
}

// LoadRoster creates every roster clinic and seeds those with a seed file.
// A missing seed file is logged and leaves the clinic empty.
func (l *Loader) LoadRoster(ctx context.Context, r *Roster) ([]LoadReport, error) {
	reports := make([]LoadReport, 0, len(r.Clinics))
	for _, c := range r.Clinics {
		if err := l.mgr.AddClinic(c.Name); err != nil {
			return reports, err
		}
		if c.Seed == "" {
			reports = append(reports, LoadReport{Clinic: c.Name})
			continue
		}
		report, err := l.LoadClinic(ctx, c.Seed, c.Name)
		if errors.Is(err, os.ErrNotExist) {
			l.logger.Warn().Str("clinic", c.Name).Str("seed", c.Seed).Msg("seed file not found, clinic starts empty")
			reports = append(reports, report)
			continue
		}
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}
