// Named sets of account names, loaded from configuration.
package setstore

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
)

const (
	// accounts whose votes are never inspected
	SetWhitelist = "whitelist"
	// accounts judged against the suspicious timeframe instead of the default
	SetSuspicious = "suspicious-users"
	// voters whose abuse may be flagged; empty means any voter
	SetFlagTargets = "flag-targets"
)

type SetStore interface {
	InSet(ctx context.Context, name, val string) (bool, error)
}

type MemSetStore struct {
	mu   sync.RWMutex
	Sets map[string]map[string]bool
}

var _ SetStore = (*MemSetStore)(nil)

func NewMemSetStore() *MemSetStore {
	return &MemSetStore{
		Sets: make(map[string]map[string]bool),
	}
}

func normalize(val string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(val)), "@")
}

// InSet reports false when the named set doesn't exist.
func (s *MemSetStore) InSet(ctx context.Context, name, val string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Sets[name][normalize(val)], nil
}

// Len returns the size of a set, zero if absent.
func (s *MemSetStore) Len(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Sets[name])
}

// Replace swaps the full contents of a set.
func (s *MemSetStore) Replace(name string, vals []string) {
	m := make(map[string]bool, len(vals))
	for _, v := range vals {
		if n := normalize(v); n != "" {
			m[n] = true
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Sets[name] = m
}

// LoadFromFileJSON reads an object of set name to member list, replacing any
// sets of the same name.
func (s *MemSetStore) LoadFromFileJSON(p string) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	raw, err := io.ReadAll(f)
	if err != nil {
		return err
	}

	var sets map[string][]string
	if err := json.Unmarshal(raw, &sets); err != nil {
		return err
	}
	for name, l := range sets {
		s.Replace(name, l)
	}
	return nil
}
