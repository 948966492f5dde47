// Package ingest seeds clinic queues from CSV files described by a roster.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Required CSV header columns. Column order is free and extra columns are
// ignored.
const (
	ColFirstName = "firstName"
	ColLastName  = "lastName"
	ColSSN       = "ssn"
	ColCritical  = "critical"
)

var ErrMissingColumn = errors.New("missing required column")

// Row is one patient line of a seed file. Err is set when the line could not
// be turned into a patient; such rows are reported, never queued.
type Row struct {
	Line      int
	FirstName string
	LastName  string
	SSN       string
	// Critical is nil when the file has no critical column or the cell is
	// empty.
	Critical *bool
	Err      error
}

// ReadCSV parses a seed file. It fails only when the header is unreadable
// or lacks a required column.
func ReadCSV(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty csv: %w", ErrMissingColumn)
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		cols[name] = i
	}
	for _, required := range []string{ColFirstName, ColLastName, ColSSN} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("%q: %w", required, ErrMissingColumn)
		}
	}
	critCol, hasCrit := cols[ColCritical]

	rows := []Row{}
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				rows = append(rows, Row{Line: perr.Line, Err: err})
				continue
			}
			return rows, fmt.Errorf("read csv: %w", err)
		}
		if isBlank(record) {
			continue
		}
		line, _ := cr.FieldPos(0)

		cell := func(i int) string {
			if i < len(record) {
				return strings.TrimSpace(record[i])
			}
			return ""
		}
		row := Row{
			Line:      line,
			FirstName: cell(cols[ColFirstName]),
			LastName:  cell(cols[ColLastName]),
			SSN:       cell(cols[ColSSN]),
		}
		if row.FirstName == "" || row.LastName == "" || row.SSN == "" {
			row.Err = fmt.Errorf("line %d: first name, last name and ssn are required", line)
		}
		if hasCrit {
			if v := cell(critCol); v != "" {
				b, err := parseBool(v)
				if err != nil && row.Err == nil {
					row.Err = fmt.Errorf("line %d: %w", line, err)
				}
				if err == nil {
					row.Critical = &b
				}
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func isBlank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "yes", "y":
		return true, nil
	case "no", "n":
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid critical value %q", s)
	}
	return b, nil
}
