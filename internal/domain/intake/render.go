package intake

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

var (
	criticalLabel = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	regularLabel  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	clinicHeading = lipgloss.NewStyle().Bold(true).Underline(true)
)

// FormatPatient renders the one-line listing form of p.
func FormatPatient(p *Patient) string {
	return formatPatient(p, "["+p.Label()+"]")
}

func formatPatient(p *Patient, label string) string {
	return fmt.Sprintf("%s %s %s (SSN: %s, ID: %s) - Status: %s",
		label, p.FirstName, p.LastName, p.SSN, p.ID, p.Status)
}

// Printer writes clinic listings for terminals and reports.
type Printer struct {
	Out io.Writer
	// Styled colours the priority label and headings.
	Styled bool
}

// PrintClinic writes one line per patient of clinic, optionally only those
// with the given status.
func (pr *Printer) PrintClinic(m *Manager, clinic string, status *Status) error {
	patients, err := m.Patients(clinic, status)
	if err != nil {
		_, werr := fmt.Fprintln(pr.Out, "Clinic not found.")
		return werr
	}
	for _, p := range patients {
		if _, err := fmt.Fprintln(pr.Out, pr.line(p)); err != nil {
			return err
		}
	}
	return nil
}

// PrintAll writes every clinic under its own heading.
func (pr *Printer) PrintAll(m *Manager, status *Status) error {
	for _, clinic := range m.Clinics() {
		heading := fmt.Sprintf("=== %s Clinic ===", clinic)
		if pr.Styled {
			heading = clinicHeading.Render(heading)
		}
		if _, err := fmt.Fprintf(pr.Out, "\n%s\n", heading); err != nil {
			return err
		}
		if err := pr.PrintClinic(m, clinic, status); err != nil {
			return err
		}
	}
	return nil
}

func (pr *Printer) line(p *Patient) string {
	if !pr.Styled {
		return FormatPatient(p)
	}
	style := regularLabel
	if p.Critical {
		style = criticalLabel
	}
	return formatPatient(p, style.Render("["+p.Label()+"]"))
}
