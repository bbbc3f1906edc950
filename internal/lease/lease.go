// Package lease keeps two syncs of the same feed from running at once.
package lease

import (
	"context"
	"sync"
	"time"
)

// Locker hands out short exclusive leases. ok is false when someone else
// holds the key; release is then nil. A lease that is never released
// expires after ttl.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// Local is an in-process Locker for single-replica deployments.
type Local struct {
	mu    sync.Mutex
	held  map[string]localLease
	seq   uint64
	clock func() time.Time
}

type localLease struct {
	token   uint64
	expires time.Time
}

func NewLocal() *Local {
	return &Local{held: map[string]localLease{}, clock: time.Now}
}

var _ Locker = (*Local)(nil)

func (l *Local) Acquire(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if cur, ok := l.held[key]; ok && now.Before(cur.expires) {
		return nil, false, nil
	}
	l.seq++
	token := l.seq
	l.held[key] = localLease{token: token, expires: now.Add(ttl)}

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.held[key]; ok && cur.token == token {
			delete(l.held, key)
		}
	}, true, nil
}
