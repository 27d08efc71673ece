package market

import (
	"container/list"
	"sync"
)

type tickIdentity struct {
	source   string
	symbol   string
	sequence uint64
}

// slidingDedup suppresses replayed ticks by (source, symbol, sequence)
// within a bounded window of recent identities
type slidingDedup struct {
	mu     sync.Mutex
	window int
	seen   map[tickIdentity]*list.Element
	order  *list.List
}

func newSlidingDedup(window int) *slidingDedup {
	if window <= 0 {
		window = 4096
	}
	return &slidingDedup{
		window: window,
		seen:   make(map[tickIdentity]*list.Element, window),
		order:  list.New(),
	}
}

// Observe returns false when the identity was already seen in the window
func (d *slidingDedup) Observe(source, symbol string, sequence uint64) bool {
	id := tickIdentity{source: source, symbol: symbol, sequence: sequence}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, dup := d.seen[id]; dup {
		return false
	}
	d.seen[id] = d.order.PushBack(id)
	for d.order.Len() > d.window {
		oldest := d.order.Front()
		d.order.Remove(oldest)
		delete(d.seen, oldest.Value.(tickIdentity))
	}
	return true
}

func (d *slidingDedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}
