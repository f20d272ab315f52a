package gate

import (
	"fmt"
	"sync"
	"time"

	"github.com/tinkerbelle-io/tb-remediate/internal/domain"
)

// Breaker limits production applies with a one-hour sliding window and a
// per-resource cooldown.
type Breaker struct {
	mu         sync.Mutex
	maxPerHour int
	cooldown   time.Duration
	now        func() time.Time
	recent     []time.Time
	lastByRef  map[string]time.Time
	previous   map[string]time.Time
}

// NewBreaker creates a breaker. A maxPerHour of zero disables the window.
func NewBreaker(maxPerHour int, cooldown time.Duration) *Breaker {
	return &Breaker{
		maxPerHour: maxPerHour,
		cooldown:   cooldown,
		now:        time.Now,
		lastByRef:  make(map[string]time.Time),
		previous:   make(map[string]time.Time),
	}
}

// Reserve records an apply against ref, or explains why it is not allowed.
// Check and record happen atomically so concurrent incidents cannot
// overshoot the window.
func (b *Breaker) Reserve(ref domain.ResourceRef) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.prune(now)

	if b.maxPerHour > 0 && len(b.recent) >= b.maxPerHour {
		return fmt.Errorf("circuit breaker open: %d applies in the last hour", len(b.recent))
	}
	key := ref.Key()
	if last, ok := b.lastByRef[key]; ok && now.Sub(last) < b.cooldown {
		return fmt.Errorf("%s is on cooldown until %s", ref, last.Add(b.cooldown).UTC().Format(time.RFC3339))
	}
	b.recent = append(b.recent, now)
	if last, ok := b.lastByRef[key]; ok {
		b.previous[key] = last
	}
	b.lastByRef[key] = now
	return nil
}

// Release gives back the most recent reservation for ref. Used when nothing
// reached production.
func (b *Breaker) Release(ref domain.ResourceRef) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := ref.Key()
	last, ok := b.lastByRef[key]
	if !ok {
		return
	}
	for i := len(b.recent) - 1; i >= 0; i-- {
		if b.recent[i].Equal(last) {
			b.recent = append(b.recent[:i], b.recent[i+1:]...)
			break
		}
	}
	if prev, ok := b.previous[key]; ok {
		b.lastByRef[key] = prev
		delete(b.previous, key)
	} else {
		delete(b.lastByRef, key)
	}
}

// Open reports whether the hourly window is full.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.now())
	return b.maxPerHour > 0 && len(b.recent) >= b.maxPerHour
}

// prune drops entries older than one hour from the window.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(b.recent) && b.recent[i].Before(cutoff) {
		i++
	}
	b.recent = b.recent[i:]
}
