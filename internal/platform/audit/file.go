package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ehr/intake/internal/domain/intake"
)

// TimestampLayout is the time format of transaction log lines.
const TimestampLayout = "2006-01-02 15:04:05"

// FileSink appends human readable transaction lines to a file.
type FileSink struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// OpenFileSink opens path for appending, creating it and its directory.
func OpenFileSink(path string) (*FileSink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", path, err)
	}
	return &FileSink{path: path, f: f}, nil
}

func (s *FileSink) Name() string { return "file:" + s.path }

func (s *FileSink) Write(_ context.Context, entry intake.AuditEntry) error {
	line := FormatLine(entry) + "\n"

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return fmt.Errorf("audit log %s is closed", s.path)
	}
	if _, err := s.f.WriteString(line); err != nil {
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// FormatLine renders an entry as
// "[2006-01-02 15:04:05] alice processed CRITICAL patient id (SSN: 1) in Heart."
func FormatLine(e intake.AuditEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s ", e.Timestamp.Format(TimestampLayout), e.Coordinator, e.Action)
	if e.Critical {
		b.WriteString("CRITICAL ")
	}
	fmt.Fprintf(&b, "patient %s (SSN: %s) in %s.", e.PatientID, e.SSN, e.Clinic)
	return b.String()
}
