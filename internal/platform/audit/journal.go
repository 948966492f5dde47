package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/ehr/intake/internal/domain/intake"
)

var (
	journalPrefix  = []byte("audit/")
	journalMetaKey = []byte("meta/last_seq")
)

func journalKey(seq uint64) []byte {
	k := make([]byte, len(journalPrefix)+8)
	copy(k, journalPrefix)
	binary.BigEndian.PutUint64(k[len(journalPrefix):], seq)
	return k
}

// Record is a journal entry with its sequence number.
type Record struct {
	Seq   uint64            `json:"seq"`
	Entry intake.AuditEntry `json:"entry"`
}

// Journal is an append-only audit log in an embedded pebble store.
// Sequence numbers start at 1 and survive restarts.
type Journal struct {
	db *pebble.DB

	mu      sync.Mutex
	lastSeq uint64
}

// OpenJournal opens or creates the journal stored in dir.
func OpenJournal(dir string) (*Journal, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open audit journal %s: %w", dir, err)
	}

	j := &Journal{db: db}
	meta, closer, err := db.Get(journalMetaKey)
	switch {
	case err == nil:
		if len(meta) >= 8 {
			j.lastSeq = binary.BigEndian.Uint64(meta[:8])
		}
		closer.Close()
	case errors.Is(err, pebble.ErrNotFound):
	default:
		db.Close()
		return nil, fmt.Errorf("read audit journal meta: %w", err)
	}
	return j, nil
}

func (j *Journal) Name() string { return "journal" }

func (j *Journal) Write(ctx context.Context, entry intake.AuditEntry) error {
	_, err := j.Append(ctx, entry)
	return err
}

// Append stores entry and its new sequence number in one synced batch.
func (j *Journal) Append(_ context.Context, entry intake.AuditEntry) (uint64, error) {
	val, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("encode audit entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	seq := j.lastSeq + 1
	b := j.db.NewBatch()
	defer b.Close()

	if err := b.Set(journalKey(seq), val, nil); err != nil {
		return 0, err
	}
	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], seq)
	if err := b.Set(journalMetaKey, meta[:], nil); err != nil {
		return 0, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("commit audit entry: %w", err)
	}
	j.lastSeq = seq
	return seq, nil
}

// LastSeq returns the sequence number of the newest entry, 0 when empty.
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSeq
}

// Scan returns up to limit records with seq >= from in order. A limit of 0
// means no limit.
func (j *Journal) Scan(from uint64, limit int) ([]Record, error) {
	if from == 0 {
		from = 1
	}
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: journalKey(from),
		UpperBound: append(journalKey(^uint64(0)), 0x00),
	})
	if err != nil {
		return nil, fmt.Errorf("open audit journal iterator: %w", err)
	}
	defer iter.Close()

	records := []Record{}
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && len(records) >= limit {
			break
		}
		key := iter.Key()
		var rec Record
		rec.Seq = binary.BigEndian.Uint64(key[len(journalPrefix):])
		if err := json.Unmarshal(iter.Value(), &rec.Entry); err != nil {
			return records, fmt.Errorf("decode audit entry %d: %w", rec.Seq, err)
		}
		records = append(records, rec)
	}
	return records, iter.Error()
}

// Tail returns the newest n records, oldest first.
func (j *Journal) Tail(n int) ([]Record, error) {
	last := j.LastSeq()
	if n <= 0 || last == 0 {
		return []Record{}, nil
	}
	from := uint64(1)
	if last > uint64(n) {
		from = last - uint64(n) + 1
	}
	return j.Scan(from, n)
}

func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}
