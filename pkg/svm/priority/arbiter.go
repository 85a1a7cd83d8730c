// Package priority implements the VM's priority arbiter: resource-consuming
// instructions (CALL_SERVICE, CALL_ACTION, CALL_TOOL) contend for a binary
// semaphore keyed by service-id, ordered by the instruction's compile-time
// PriorityPolicy rather than arrival order.
package priority

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Level mirrors ir.PriorityLevel without importing ir, keeping this package
// a leaf the VM can use without a dependency cycle.
type Level int

const (
	Critical   Level = 0
	High       Level = 64
	Normal     Level = 128
	Low        Level = 192
	Background Level = 255
)

// Request describes one instruction's bid for a service-keyed resource.
type Request struct {
	ServiceID   string
	Level       Level
	Preemptible bool
	MaxWait     time.Duration
}

// ErrArbitrationTimeout is returned when a request could not acquire the
// resource within its MaxWait budget and no preemptible holder was found.
type ErrArbitrationTimeout struct {
	ServiceID string
	Waited    time.Duration
}

func (e *ErrArbitrationTimeout) Error() string {
	return fmt.Sprintf("priority arbitration timed out waiting for service %q after %s", e.ServiceID, e.Waited)
}

// holder tracks who currently owns a service's semaphore. Preemption is not
// cooperative: a preemptible holder is simply evicted from the map and its
// in-flight work is left to fail on its own next resource access, the same
// local-first failure handling every other runtime error gets (§7).
type holder struct {
	level       Level
	preemptible bool
}

// Arbiter grants exclusive, priority-ordered access to a service-keyed
// resource. One binary semaphore per service-id: only one instruction may
// hold a given service-id's resource at a time. A higher-priority request
// (lower Level) preempts a lower-priority holder only if that holder was
// marked Preemptible; otherwise the request waits up to its MaxWait.
type Arbiter struct {
	mu      sync.Mutex
	holders map[string]*holder
	waiters map[string][]*waitEntry
}

type waitEntry struct {
	level       Level
	preemptible bool
	granted     chan struct{}
}

// New returns an empty Arbiter.
func New() *Arbiter {
	return &Arbiter{
		holders: make(map[string]*holder),
		waiters: make(map[string][]*waitEntry),
	}
}

// Acquire blocks until req's instruction may proceed against req.ServiceID,
// or returns ErrArbitrationTimeout once req.MaxWait elapses with no grant.
// On success it returns a release func the caller must invoke exactly once
// when the resource is no longer needed.
func (a *Arbiter) Acquire(ctx context.Context, req Request) (release func(), err error) {
	maxWait := req.MaxWait
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	deadline := time.Now().Add(maxWait)

	a.mu.Lock()
	if h, busy := a.holders[req.ServiceID]; busy {
		if h.preemptible && req.Level < h.level {
			delete(a.holders, req.ServiceID)
		}
	}
	if _, busy := a.holders[req.ServiceID]; !busy {
		a.grantLocked(req)
		a.mu.Unlock()
		return a.releaseFunc(req.ServiceID), nil
	}

	entry := &waitEntry{level: req.Level, preemptible: req.Preemptible, granted: make(chan struct{})}
	a.insertWaiterLocked(req.ServiceID, entry)
	a.mu.Unlock()

	select {
	case <-entry.granted:
		return a.releaseFunc(req.ServiceID), nil
	case <-time.After(time.Until(deadline)):
		a.removeWaiterLocked(req.ServiceID, entry)
		return nil, &ErrArbitrationTimeout{ServiceID: req.ServiceID, Waited: maxWait}
	case <-ctx.Done():
		a.removeWaiterLocked(req.ServiceID, entry)
		return nil, ctx.Err()
	}
}

func (a *Arbiter) grantLocked(req Request) {
	a.holders[req.ServiceID] = &holder{level: req.Level, preemptible: req.Preemptible}
}

// insertWaiterLocked inserts entry into the service's wait list in
// priority order (lower Level first), so a CRITICAL request queued after a
// NORMAL one is still served first once the resource frees.
func (a *Arbiter) insertWaiterLocked(serviceID string, entry *waitEntry) {
	list := a.waiters[serviceID]
	i := 0
	for i < len(list) && list[i].level <= entry.level {
		i++
	}
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = entry
	a.waiters[serviceID] = list
}

func (a *Arbiter) removeWaiterLocked(serviceID string, entry *waitEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	list := a.waiters[serviceID]
	for i, e := range list {
		if e == entry {
			a.waiters[serviceID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// releaseFunc returns the func a holder calls to give up serviceID, waking
// the highest-priority waiter (if any) or clearing the holder entirely.
func (a *Arbiter) releaseFunc(serviceID string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			defer a.mu.Unlock()

			list := a.waiters[serviceID]
			if len(list) == 0 {
				delete(a.holders, serviceID)
				return
			}
			next := list[0]
			a.waiters[serviceID] = list[1:]
			a.holders[serviceID] = &holder{level: next.level, preemptible: next.preemptible}
			close(next.granted)
		})
	}
}
