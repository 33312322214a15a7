package worker

import (
	"sync"
	"time"
)

// Locker hands out single-flight leases keyed by task id. A lease that is
// not released before the TTL is treated as abandoned and can be taken by
// another worker, which then resumes from the recorded step index.
type Locker struct {
	mu     sync.Mutex
	ttl    time.Duration
	leases map[string]time.Time
}

func NewLocker(ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Locker{
		ttl:    ttl,
		leases: make(map[string]time.Time),
	}
}

// Acquire takes the lease for taskID. It fails when another holder's lease
// is still live.
func (l *Locker) Acquire(taskID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if expiry, held := l.leases[taskID]; held && time.Now().Before(expiry) {
		return false
	}
	l.leases[taskID] = time.Now().Add(l.ttl)
	return true
}

// Extend renews the holder's lease, typically between steps of a long plan.
func (l *Locker) Extend(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.leases[taskID]; held {
		l.leases[taskID] = time.Now().Add(l.ttl)
	}
}

func (l *Locker) Release(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.leases, taskID)
}
