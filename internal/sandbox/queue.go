package sandbox

import "sync"

// runQueue is a mutual-exclusion lock that admits waiters strictly in the
// order they called Lock. The zero value is unlocked.
type runQueue struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

// Lock blocks until every earlier caller has unlocked.
func (q *runQueue) Lock() {
	q.mu.Lock()
	if !q.held {
		q.held = true
		q.mu.Unlock()
		return
	}
	turn := make(chan struct{})
	q.waiters = append(q.waiters, turn)
	q.mu.Unlock()
	<-turn
}

// Unlock hands the lock to the oldest waiter, if any.
func (q *runQueue) Unlock() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.held {
		panic("sandbox: unlock of unlocked run queue")
	}
	if len(q.waiters) == 0 {
		q.held = false
		return
	}
	next := q.waiters[0]
	q.waiters[0] = nil
	q.waiters = q.waiters[1:]
	close(next)
}

// waiting returns the number of blocked callers.
func (q *runQueue) waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}
