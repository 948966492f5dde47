package ingest

import (
	"math/rand/v2"
	"sync"
	"time"
)

// DefaultCriticalProbability marks roughly one seeded patient in four as
// critical.
const DefaultCriticalProbability = 0.25

// Classifier decides whether a seeded row is critical.
type Classifier interface {
	Critical(row Row) bool
}

// RandomClassifier flags rows critical with the given probability.
type RandomClassifier struct {
	Probability float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomClassifier seeds its generator with seed; 0 seeds from the clock.
func NewRandomClassifier(probability float64, seed uint64) *RandomClassifier {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &RandomClassifier{
		Probability: probability,
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (c *RandomClassifier) Critical(Row) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.Float64() < c.Probability
}

// ColumnClassifier trusts the file's critical column and defers to Fallback
// for rows without one. A nil Fallback treats such rows as regular.
type ColumnClassifier struct {
	Fallback Classifier
}

func (c ColumnClassifier) Critical(row Row) bool {
	if row.Critical != nil {
		return *row.Critical
	}
	if c.Fallback == nil {
		return false
	}
	return c.Fallback.Critical(row)
}

// FixedClassifier gives every row the same priority.
type FixedClassifier bool

func (f FixedClassifier) Critical(Row) bool { return bool(f) }
