package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// LocalLocker serializes writers within a single process. It is the degraded
// fallback when no shared lock backend is reachable: cross-process mutual
// exclusion is NOT provided and callers must log that they are running in
// this mode.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localLock
}

type localLock struct {
	sem   chan struct{}
	owner string
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localLock)}
}

func (l *LocalLocker) get(name string) *localLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	ll, ok := l.locks[name]
	if !ok {
		ll = &localLock{sem: make(chan struct{}, 1)}
		l.locks[name] = ll
	}
	return ll
}

func (l *LocalLocker) Acquire(ctx context.Context, name string, timeout time.Duration) (*Guard, error) {
	ll := l.get(name)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ll.sem <- struct{}{}:
		token := uuid.NewString()
		l.mu.Lock()
		ll.owner = token
		l.mu.Unlock()
		return &Guard{Name: name, token: token}, nil
	case <-timer.C:
		return nil, errors.Wrapf(ErrNotAcquired, "local lock %s after %s", name, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *LocalLocker) Release(_ context.Context, g *Guard) error {
	if g == nil {
		return nil
	}
	ll := l.get(g.Name)
	l.mu.Lock()
	owned := ll.owner == g.token
	if owned {
		ll.owner = ""
	}
	l.mu.Unlock()
	if owned {
		<-ll.sem
	}
	return nil
}
