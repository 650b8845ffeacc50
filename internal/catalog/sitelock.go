package catalog

import "sync"

// siteLocks serializes in-process operations per site key. It complements
// the row lock taken inside the database transaction: the mutex keeps two
// goroutines in this process from even starting a concurrent diff, the row
// lock protects against other processes.
type siteLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newSiteLocks() *siteLocks {
	return &siteLocks{locks: make(map[string]*sync.Mutex)}
}

// get returns the mutex for a site key, creating it on first use. Locks
// are never evicted; the set of monitored sites is small and stable.
func (s *siteLocks) get(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[key]
	if !ok {
		m = &sync.Mutex{}
		s.locks[key] = m
	}
	return m
}
