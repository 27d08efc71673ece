package bars

import "github.com/signalforge/signalforge/internal/model"

// Ring is a fixed-size ring buffer of closed bars for one (symbol, timeframe).
// The oldest bar is evicted when capacity is reached; OnEvict lets the
// indicator cache drop memoized values for the evicted bar.
type Ring struct {
	buf     []model.Bar
	head    int
	count   int
	OnEvict func(bar model.Bar)
}

// NewRing creates a ring with the given capacity
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]model.Bar, capacity)}
}

// Push appends a closed bar, evicting the oldest when full
func (r *Ring) Push(bar model.Bar) {
	if r.count == len(r.buf) {
		if r.OnEvict != nil {
			r.OnEvict(r.buf[r.head])
		}
		r.buf[r.head] = bar
		r.head = (r.head + 1) % len(r.buf)
		return
	}
	r.buf[(r.head+r.count)%len(r.buf)] = bar
	r.count++
}

// Len returns the number of stored bars
func (r *Ring) Len() int {
	return r.count
}

// Last returns up to n most recent bars, oldest first
func (r *Ring) Last(n int) []model.Bar {
	if n > r.count {
		n = r.count
	}
	out := make([]model.Bar, 0, n)
	start := r.count - n
	for i := start; i < r.count; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}

// Latest returns the most recent bar, or false when empty
func (r *Ring) Latest() (model.Bar, bool) {
	if r.count == 0 {
		return model.Bar{}, false
	}
	return r.buf[(r.head+r.count-1)%len(r.buf)], true
}

// Closes returns the close prices of up to n most recent bars, oldest first
func (r *Ring) Closes(n int) []float64 {
	bars := r.Last(n)
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}
