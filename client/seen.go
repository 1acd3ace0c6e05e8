package client

// seenCap bounds the dedup window; on overflow the oldest entries are
// evicted down to seenLow so eviction is amortized rather than per-insert.
const (
	seenCap = 1000
	seenLow = 900
)

// seenSet is a bounded FIFO set of event ids used to drop duplicate
// deliveries (relay replay after resubscribe, peer gossip echoes).
type seenSet struct {
	ids   map[string]struct{}
	order []string
}

func newSeenSet() *seenSet {
	return &seenSet{ids: make(map[string]struct{}, seenCap)}
}

// Add inserts an id and reports whether it was new.
func (s *seenSet) Add(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)

	if len(s.order) > seenCap {
		drop := len(s.order) - seenLow
		for _, old := range s.order[:drop] {
			delete(s.ids, old)
		}
		s.order = append(s.order[:0], s.order[drop:]...)
	}
	return true
}

// Has reports whether the id is inside the window.
func (s *seenSet) Has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// Len returns the number of ids currently tracked.
func (s *seenSet) Len() int {
	return len(s.ids)
}
