package policy

import (
	"context"
	"hash/fnv"
	"time"
)

// stripedLocks serializes per-symbol state access. Symbols hash onto a
// fixed stripe set; acquisition is bounded so a stuck transition degrades
// to an IGNORE verdict instead of blocking the pipeline.
type stripedLocks struct {
	stripes []chan struct{}
}

func newStripedLocks(n int) *stripedLocks {
	if n <= 0 {
		n = 64
	}
	l := &stripedLocks{stripes: make([]chan struct{}, n)}
	for i := range l.stripes {
		l.stripes[i] = make(chan struct{}, 1)
	}
	return l
}

func (l *stripedLocks) stripe(symbol string) chan struct{} {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return l.stripes[h.Sum32()%uint32(len(l.stripes))]
}

// acquire takes the symbol's stripe within the timeout. The returned
// release must be called exactly once; ok is false on timeout.
func (l *stripedLocks) acquire(ctx context.Context, symbol string, timeout time.Duration) (release func(), ok bool) {
	stripe := l.stripe(symbol)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case stripe <- struct{}{}:
		return func() { <-stripe }, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}
