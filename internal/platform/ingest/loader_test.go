package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/domain/intake"
)

type countingRecorder struct{ n int }

func (c *countingRecorder) Record(context.Context, intake.AuditEntry) error {
	c.n++
	return nil
}

func newTestLoader(clinics ...string) (*Loader, *intake.Manager, *countingRecorder) {
	rec := &countingRecorder{}
	m := intake.NewManager(intake.Options{Clinics: clinics}, rec, zerolog.Nop())
	return NewLoader(m, ColumnClassifier{Fallback: FixedClassifier(false)}, zerolog.Nop()), m, rec
}

func TestLoader_Load(t *testing.T) {
	l, m, rec := newTestLoader("Heart", "Plastic")
	mustSeed := func(clinic, csv string) LoadReport {
		t.Helper()
		report, err := l.Load(context.Background(), strings.NewReader(csv), clinic)
		if err != nil {
			t.Fatalf("load %s: %v", clinic, err)
		}
		return report
	}

	mustSeed("Plastic", "firstName,lastName,ssn\nAda,Lovelace,111\n")
	report := mustSeed("Heart", "firstName,lastName,ssn,critical\n"+
		"Alan,Turing,222,false\n"+
		"Grace,Hopper,333,true\n"+
		"Ada,Lovelace,111,false\n"+
		"Bad,,444,\n")

	want := LoadReport{Clinic: "Heart", Added: 2, Duplicates: 1, Invalid: 1}
	if report != want {
		t.Errorf("report = %+v, want %+v", report, want)
	}
	patients, _ := m.Patients("Heart", nil)
	if len(patients) != 2 || patients[0].FirstName != "Grace" || !patients[0].Critical {
		t.Errorf("expected critical Grace first, got %+v", patients)
	}
	if rec.n != 0 {
		t.Errorf("seeded patients must not be audited, got %d entries", rec.n)
	}
}

func TestLoader_IntakeCapacity(t *testing.T) {
	l, m, _ := newTestLoader("Heart")
	var b strings.Builder
	b.WriteString("firstName,lastName,ssn\n")
	for i := 0; i < intake.DefaultIntakeCapacity+3; i++ {
		fmt.Fprintf(&b, "P%d,x,%d\n", i, i)
	}

	report, err := l.Load(context.Background(), strings.NewReader(b.String()), "Heart")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if report.Added != intake.DefaultIntakeCapacity || report.Full != 3 {
		t.Errorf("unexpected report %+v", report)
	}
	if m.Sizes()["Heart"] != intake.DefaultIntakeCapacity {
		t.Errorf("expected %d queued, got %d", intake.DefaultIntakeCapacity, m.Sizes()["Heart"])
	}
}

func TestLoader_UnknownClinic(t *testing.T) {
	l, _, _ := newTestLoader("Heart")
	_, err := l.Load(context.Background(), strings.NewReader("firstName,lastName,ssn\nA,B,1\n"), "Dental")
	if !errors.Is(err, intake.ErrQueueNotFound) {
		t.Errorf("expected ErrQueueNotFound, got %v", err)
	}
}

func TestLoader_LoadClinicMissingFile(t *testing.T) {
	l, _, _ := newTestLoader("Heart")
	_, err := l.LoadClinic(context.Background(), filepath.Join(t.TempDir(), "nope.csv"), "Heart")
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestLoader_LoadRoster(t *testing.T) {
	dir := t.TempDir()
	heart := filepath.Join(dir, "cleanData_Heart.csv")
	if err := os.WriteFile(heart, []byte("firstName,lastName,ssn\nAda,Lovelace,1\nAlan,Turing,2\n"), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}

	l, m, _ := newTestLoader()
	roster := DefaultRoster([]string{"Heart", "Pulmonary"}, dir)
	roster.Clinics = append(roster.Clinics, ClinicSpec{Name: "Plastic"})

	reports, err := l.LoadRoster(context.Background(), roster)
	if err != nil {
		t.Fatalf("LoadRoster: %v", err)
	}
	if len(reports) != 3 || reports[0].Added != 2 || reports[1].Added != 0 {
		t.Errorf("unexpected reports %+v", reports)
	}
	if got := strings.Join(m.Clinics(), ","); got != "Heart,Plastic,Pulmonary" {
		t.Errorf("unexpected clinics %s", got)
	}
}

func TestLoader_Cancelled(t *testing.T) {
	l, _, _ := newTestLoader("Heart")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Load(ctx, strings.NewReader("firstName,lastName,ssn\nA,B,1\n"), "Heart")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
