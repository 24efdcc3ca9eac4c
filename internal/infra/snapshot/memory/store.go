// Package memory implements an in-memory bundle archive for tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"entitycore/internal/snapshot/core"
	"entitycore/pkg/entity"
)

type entry struct {
	info core.Info
	data []byte
}

// Store implements core.Archive backed by process memory. Bundles are kept
// encoded so loads never share state with the saved value.
type Store struct {
	mu   sync.RWMutex
	objs map[string]entry
}

// New returns an empty in-memory archive.
func New() *Store { return &Store{objs: make(map[string]entry)} }

// Driver returns the archive driver identifier.
func (s *Store) Driver() core.Driver { return core.DriverMemory }

// Save stores b under name, replacing any previous bundle.
func (s *Store) Save(_ context.Context, name string, b *entity.Bundle) (core.Info, error) {
	name, err := core.CheckName(name)
	if err != nil {
		return core.Info{}, err
	}
	data, err := core.Encode(b)
	if err != nil {
		return core.Info{}, err
	}
	info := core.Describe(name, b, data, time.Now())
	s.mu.Lock()
	s.objs[name] = entry{info: info, data: data}
	s.mu.Unlock()
	return info, nil
}

// Load decodes the bundle stored under name.
func (s *Store) Load(_ context.Context, name string) (*entity.Bundle, error) {
	name, err := core.CheckName(name)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	obj, ok := s.objs[name]
	s.mu.RUnlock()
	if !ok {
		return nil, core.ErrNotFound
	}
	return core.Decode(obj.data)
}

// Delete removes the bundle, reporting whether it existed.
func (s *Store) Delete(_ context.Context, name string) (bool, error) {
	name, err := core.CheckName(name)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objs[name]
	if ok {
		delete(s.objs, name)
	}
	return ok, nil
}

// List returns the bundles whose names start with prefix, sorted by name.
func (s *Store) List(_ context.Context, prefix string) ([]core.Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Info, 0, len(s.objs))
	for name, obj := range s.objs {
		if strings.HasPrefix(name, prefix) {
			out = append(out, obj.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
