package journal

import "github.com/louisbranch/loremaster/internal/services/game/storage"

// Health reports journal persistence counters.
type Health struct {
	Appended         int64
	Persisted        int64
	PersistFailures  int64
	LastPersistError string
	LastLoadStatus   storage.LoadStatus
	LastLoadDetail   string

	persistFailing bool
}

// Healthy reports whether the most recent persist attempt succeeded.
func (h Health) Healthy() bool {
	return !h.persistFailing
}

// Health returns a snapshot of the journal's health counters.
func (s *Store) Health() Health {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	return s.health
}
