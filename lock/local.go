/*
Package lock provides budget.Locker implementations.

PURPOSE:
  The service serialises every balance mutation on the keys it touches
  ("allocation:<id>", "budget:<id>", "fiscal_year:<year>"). Within one
  process the store transaction already does that; a Locker is only
  needed when several instances share one database.

IMPLEMENTATIONS:
  Local: keyed in-process mutex. Useful for tests and single-binary
         deployments that still want key-level exclusion ahead of the
         store's global write lock.
  Redis: bsm/redislock on a shared Redis. Used when REDIS_ADDRESS is set.

SEE ALSO:
  - budget/service.go: atomically() acquires keys in sorted order
  - config/config.go: REDIS_ADDRESS, LOCK_TTL, LOCK_WAIT
*/
package lock

import (
	"context"
	"fmt"
	"sync"

	"github.com/warp/budget-ledger/budget"
)

// Local is an in-process keyed lock. The zero value is not usable; call
// NewLocal.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// slot is a one-token semaphore with a reference count so idle keys can
// be dropped from the map.
type slot struct {
	ch   chan struct{}
	refs int
}

var _ budget.Locker = (*Local)(nil)

func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

// Lock blocks until key is free or ctx is done.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	s := l.acquireSlot(key)
	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.releaseSlot(key, s)
		return nil, fmt.Errorf("%w: %s: %v", budget.ErrLockNotObtained, key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.releaseSlot(key, s)
		})
	}, nil
}

func (l *Local) acquireSlot(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *Local) releaseSlot(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// held reports how many keys currently have waiters or holders.
func (l *Local) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
