package countstore

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemCountStore keeps counters in process memory. Day buckets of past days
// are dropped on the first access after midnight UTC.
type MemCountStore struct {
	mu             sync.Mutex
	Counts         map[string]int
	DistinctCounts map[string]map[string]bool
	// Now overrides the clock, for tests.
	Now func() time.Time

	// UTC day of the day buckets currently held
	day string
}

var _ CountStore = (*MemCountStore)(nil)

func NewMemCountStore() *MemCountStore {
	return &MemCountStore{
		Counts:         make(map[string]int),
		DistinctCounts: make(map[string]map[string]bool),
	}
}

// now returns the clock and prunes stale day buckets. Callers hold mu.
func (s *MemCountStore) now() time.Time {
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	today := now.UTC().Format(time.DateOnly)
	if today != s.day {
		if s.day != "" {
			suffix := "/" + s.day
			for k := range s.Counts {
				if strings.HasSuffix(k, suffix) {
					delete(s.Counts, k)
				}
			}
			for k := range s.DistinctCounts {
				if strings.HasSuffix(k, suffix) {
					delete(s.DistinctCounts, k)
				}
			}
		}
		s.day = today
	}
	return now
}

func (s *MemCountStore) GetCount(ctx context.Context, name, val, period string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Counts[periodBucket(name, val, period, s.now())], nil
}

func (s *MemCountStore) Increment(ctx context.Context, name, val, period string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := periodBucket(name, val, period, s.now())
	s.Counts[k]++
	return s.Counts[k], nil
}

func (s *MemCountStore) GetCountDistinct(ctx context.Context, name, bucket, period string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.DistinctCounts[periodBucket(name, bucket, period, s.now())]), nil
}

func (s *MemCountStore) IncrementDistinct(ctx context.Context, name, bucket, val, period string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := periodBucket(name, bucket, period, s.now())
	m, ok := s.DistinctCounts[k]
	if !ok {
		m = make(map[string]bool)
		s.DistinctCounts[k] = m
	}
	m[val] = true
	return nil
}
