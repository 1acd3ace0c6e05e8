package store

import (
	"sort"
	"sync"

	"github.com/chainguild/cgp/event"
)

// MemoryStore keeps guild logs in process memory. Each guild keeps its
// events in append order plus a seq-to-index side map so DeleteEvent is
// O(1); deleted slots are nilled and skipped on read.
type MemoryStore struct {
	mu     sync.RWMutex
	guilds map[string]*memoryLog
	closed bool
}

type memoryLog struct {
	events []*event.Event
	index  map[int64]int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{guilds: make(map[string]*memoryLog)}
}

func (m *MemoryStore) Append(guildID string, ev *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	log, ok := m.guilds[guildID]
	if !ok {
		log = &memoryLog{index: make(map[int64]int)}
		m.guilds[guildID] = log
	}
	log.index[ev.Seq] = len(log.events)
	log.events = append(log.events, ev)
	return nil
}

func (m *MemoryStore) GetLog(guildID string) ([]*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	log, ok := m.guilds[guildID]
	if !ok {
		return nil, nil
	}
	out := make([]*event.Event, 0, len(log.events))
	for _, ev := range log.events {
		if ev != nil {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetLastEvent(guildID string) (*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	log, ok := m.guilds[guildID]
	if !ok {
		return nil, nil
	}
	for i := len(log.events) - 1; i >= 0; i-- {
		if log.events[i] != nil {
			return log.events[i], nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) GetGuildIDs() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	ids := make([]string, 0, len(m.guilds))
	for id := range m.guilds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) DeleteEvent(guildID string, seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	log, ok := m.guilds[guildID]
	if !ok {
		return nil
	}
	if idx, ok := log.index[seq]; ok {
		log.events[idx] = nil
		delete(log.index, seq)
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.guilds = nil
	return nil
}
