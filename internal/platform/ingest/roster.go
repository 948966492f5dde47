package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ClinicSpec names a clinic and, optionally, the CSV file that seeds it.
type ClinicSpec struct {
	Name string `yaml:"name"`
	Seed string `yaml:"seed,omitempty"`
}

// Roster is the set of clinics a server starts with.
//
//	clinics:
//	  - name: Heart
//	    seed: data/cleanData_Heart.csv
type Roster struct {
	Clinics []ClinicSpec `yaml:"clinics"`
}

// LoadRoster reads a YAML roster. Relative seed paths resolve against the
// roster file's directory.
func LoadRoster(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	r, err := ParseRoster(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	base := filepath.Dir(path)
	for i, c := range r.Clinics {
		if c.Seed != "" && !filepath.IsAbs(c.Seed) {
			r.Clinics[i].Seed = filepath.Join(base, c.Seed)
		}
	}
	return r, nil
}

func ParseRoster(data []byte) (*Roster, error) {
	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// DefaultRoster seeds each clinic from <dataDir>/cleanData_<name>.csv.
func DefaultRoster(names []string, dataDir string) *Roster {
	r := &Roster{}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		r.Clinics = append(r.Clinics, ClinicSpec{
			Name: name,
			Seed: filepath.Join(dataDir, "cleanData_"+name+".csv"),
		})
	}
	return r
}

func (r *Roster) Validate() error {
	if len(r.Clinics) == 0 {
		return fmt.Errorf("roster lists no clinics")
	}
	seen := make(map[string]bool, len(r.Clinics))
	for i, c := range r.Clinics {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return fmt.Errorf("roster clinic %d has no name", i)
		}
		if seen[name] {
			return fmt.Errorf("roster lists clinic %q twice", name)
		}
		seen[name] = true
		r.Clinics[i].Name = name
	}
	return nil
}

// Names returns the clinic names in roster order.
func (r *Roster) Names() []string {
	names := make([]string, len(r.Clinics))
	for i, c := range r.Clinics {
		names[i] = c.Name
	}
	return names
}
