package aggregate

import (
	"context"
	"sync"
	"time"
)

// localLocker is a per key mutex for single process deployments.
type localLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newLocalLocker() *localLocker { return &localLocker{slots: map[string]chan struct{}{}} }

func (l *localLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

// Lock ignores ttl: a holder in this process cannot outlive it.
func (l *localLocker) Lock(ctx context.Context, key string, _ time.Duration) (func(), error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
