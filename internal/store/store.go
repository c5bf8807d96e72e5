// Package store keeps the ordered conversation buffer and merges streaming
// fragments and loading placeholders into it.
package store

import (
	"sync"

	"github.com/omochice/tiny-chat/pkg/protocol"
)

// Store is the ordered buffer of conversation entries for one session.
// Entries keep the position of their first arrival.
type Store struct {
	mu      sync.RWMutex
	entries []protocol.Message
	// index maps an id to the position of its first entry.
	index map[string]int
}

// New creates an empty Store.
func New() *Store {
	return &Store{index: make(map[string]int)}
}

// Append merges msg into the buffer.
//
// A loading placeholder at the tail is evicted by any non-loading record. A
// streaming record whose id is already present has its content appended to
// the existing entry in place. Anything else is inserted at the end. Control
// frames are not conversation entries and are ignored.
func (s *Store) Append(msg protocol.Message) {
	if msg == nil || msg.Kind().IsControl() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A second placeholder replaces the first, so the eviction below also
	// runs for loading records.
	if s.tailIsLoading() {
		s.popTail()
	}

	if msg.IsStreaming() {
		if i, ok := s.index[msg.MessageID()]; ok {
			if existing, ok := s.entries[i].(protocol.Streamable); ok {
				existing.AppendContent(protocol.Content(msg))
				return
			}
		}
	}

	s.entries = append(s.entries, protocol.Clone(msg))
	if _, ok := s.index[msg.MessageID()]; !ok {
		s.index[msg.MessageID()] = len(s.entries) - 1
	}
}

// Clear empties the buffer.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.index = make(map[string]int)
}

// RemoveLoading drops the placeholder, if present. It reports whether one
// was removed.
func (s *Store) RemoveLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.tailIsLoading() {
		return false
	}
	s.popTail()
	return true
}

// Loading returns the current placeholder.
func (s *Store) Loading() (*protocol.Loading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.tailIsLoading() {
		return nil, false
	}
	return protocol.Clone(s.entries[len(s.entries)-1]).(*protocol.Loading), true
}

// Messages returns a snapshot of the buffer in order.
func (s *Store) Messages() []protocol.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.Message, len(s.entries))
	for i, m := range s.entries {
		out[i] = protocol.Clone(m)
	}
	return out
}

// Get returns a copy of the first entry with the given id.
func (s *Store) Get(id string) (protocol.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return protocol.Clone(s.entries[i]), true
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// The placeholder only ever occupies the tail: any other record evicts it.
func (s *Store) tailIsLoading() bool {
	n := len(s.entries)
	return n > 0 && s.entries[n-1].Kind() == protocol.KindLoading
}

func (s *Store) popTail() {
	n := len(s.entries)
	last := s.entries[n-1]
	s.entries[n-1] = nil
	s.entries = s.entries[:n-1]
	if i, ok := s.index[last.MessageID()]; ok && i == n-1 {
		delete(s.index, last.MessageID())
	}
}
