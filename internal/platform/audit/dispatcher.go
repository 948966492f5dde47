package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/domain/intake"
)

const DefaultBuffer = 256

var (
	ErrDispatcherFull   = errors.New("audit buffer full, entry dropped")
	ErrDispatcherClosed = errors.New("audit dispatcher closed")
)

// Dispatcher queues entries on a buffered channel and writes them to every
// sink from a single worker, so each sink sees entries in the order they were
// recorded.
// It implements intake.Recorder.
type Dispatcher struct {
	sinks  []Sink
	logger zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	entries chan intake.AuditEntry
	done    chan struct{}

	dropped atomic.Int64
	failed  atomic.Int64
}

// NewDispatcher starts the worker. buffer <= 0 uses DefaultBuffer.
func NewDispatcher(logger zerolog.Logger, buffer int, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	d := &Dispatcher{
		sinks:   sinks,
		logger:  logger.With().Str("component", "audit").Logger(),
		entries: make(chan intake.AuditEntry, buffer),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Record enqueues entry without blocking. It fails when the buffer is full
// or the dispatcher is closed; the transition that produced entry stands.
func (d *Dispatcher) Record(_ context.Context, entry intake.AuditEntry) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.entries <- entry:
		return nil
	default:
		d.dropped.Add(1)
		return ErrDispatcherFull
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	ctx := context.Background()
	for entry := range d.entries {
		for _, s := range d.sinks {
			if err := s.Write(ctx, entry); err != nil {
				d.failed.Add(1)
				d.logger.Error().Err(err).
					Str("sink", s.Name()).
					Str("entry_id", entry.ID.String()).
					Str("action", string(entry.Action)).
					Str("patient_id", entry.PatientID).
					Msg("audit sink write failed")
			}
		}
	}
}

// Dropped reports entries rejected because the buffer was full.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Failed reports individual sink write failures.
func (d *Dispatcher) Failed() int64 { return d.failed.Load() }

// Close stops accepting entries, drains the buffer and closes every sink.
// If ctx expires first the sinks are left open and ctx.Err is returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.entries)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	var errs []error
	for _, s := range d.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
