package memory

import (
	"context"
	"sync"

	"github.com/marmos91/stategc/pkg/node"
)

// ScratchSet is an exact visited set in memory.
type ScratchSet struct {
	mu  sync.Mutex
	set map[node.Hash]struct{}
}

func NewScratchSet() *ScratchSet {
	return &ScratchSet{set: make(map[node.Hash]struct{})}
}

func (s *ScratchSet) Add(_ context.Context, h node.Hash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.set[h]; ok {
		return false, nil
	}
	s.set[h] = struct{}{}
	return true, nil
}

func (s *ScratchSet) Len() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.set))
}

func (s *ScratchSet) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set = make(map[node.Hash]struct{})
	return nil
}
