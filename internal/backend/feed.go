package backend

import (
	"context"
	"sync"
)

// feed is a growable ring buffer backing one Subscribe call. It doubles its
// capacity at 70% fill up to maxCapacity; past that the oldest item is
// overwritten so a stalled consumer never blocks publishers.
type feed[T any] struct {
	mu          sync.Mutex
	buf         []T
	head        int // read position
	tail        int // write position
	count       int
	capacity    int
	maxCapacity int
	closed      bool
	ready       chan struct{}

	// Stats
	pushed  int64
	dropped int64
}

func newFeed[T any](initialCapacity, maxCapacity int) *feed[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	if maxCapacity < initialCapacity {
		maxCapacity = initialCapacity
	}
	return &feed[T]{
		buf:         make([]T, initialCapacity),
		capacity:    initialCapacity,
		maxCapacity: maxCapacity,
		ready:       make(chan struct{}, 1),
	}
}

// push appends item without blocking. Returns false if the feed is closed.
// dropped is true when the oldest item had to be discarded.
func (f *feed[T]) push(item T) (ok bool, dropped bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return false, false
	}

	threshold := (f.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if f.count+1 >= threshold && f.capacity < f.maxCapacity {
		f.grow()
	}

	if f.count == f.capacity {
		// Full at max capacity: overwrite the oldest
		var zero T
		f.buf[f.head] = zero
		f.head = (f.head + 1) % f.capacity
		f.count--
		f.dropped++
		dropped = true
	}

	f.buf[f.tail] = item
	f.tail = (f.tail + 1) % f.capacity
	f.count++
	f.pushed++

	select {
	case f.ready <- struct{}{}:
	default:
	}
	return true, dropped
}

// next blocks until an item is available, the feed is closed and drained,
// or ctx is done.
func (f *feed[T]) next(ctx context.Context) (T, bool) {
	for {
		f.mu.Lock()
		if f.count > 0 {
			item := f.buf[f.head]
			var zero T
			f.buf[f.head] = zero
			f.head = (f.head + 1) % f.capacity
			f.count--
			f.mu.Unlock()
			return item, true
		}
		if f.closed {
			f.mu.Unlock()
			var zero T
			return zero, false
		}
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			var zero T
			return zero, false
		case <-f.ready:
		}
	}
}

func (f *feed[T]) close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	close(f.ready)
}

func (f *feed[T]) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

// grow doubles capacity, bounded by maxCapacity. Must be called with lock held.
func (f *feed[T]) grow() {
	newCapacity := f.capacity * 2
	if newCapacity > f.maxCapacity {
		newCapacity = f.maxCapacity
	}
	newBuf := make([]T, newCapacity)

	if f.count > 0 {
		if f.head < f.tail {
			copy(newBuf, f.buf[f.head:f.tail])
		} else {
			n := copy(newBuf, f.buf[f.head:])
			copy(newBuf[n:], f.buf[:f.tail])
		}
	}

	f.buf = newBuf
	f.head = 0
	f.tail = f.count
	f.capacity = newCapacity
}
