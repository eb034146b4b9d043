package slots

import (
	"math/rand"
	"sync"
	"time"
)

// Rand is the randomness the allocator needs: minute jitter and day sampling.
// Inject a seeded source for reproducible schedules.
type Rand interface {
	Intn(n int) int
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewLockedRand returns a goroutine-safe Rand seeded with seed.
func NewLockedRand(seed int64) Rand {
	return &lockedRand{r: rand.New(rand.NewSource(seed))}
}

// NewTimeSeeded seeds from the wall clock. The seed is returned so callers
// can log it and replay the same schedule later.
func NewTimeSeeded() (Rand, int64) {
	seed := time.Now().UnixNano()
	return NewLockedRand(seed), seed
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Intn(n)
}

// between returns a value in [lo, hi].
func between(r Rand, lo, hi int) int {
	return lo + r.Intn(hi-lo+1)
}
