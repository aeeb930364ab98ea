// Package queue provides a FIFO queue that lets each identity through once.
package queue

import "errors"

// ErrEmpty is returned by Get when no items are queued.
var ErrEmpty = errors.New("queue is empty")

// compactThreshold is the number of consumed slots after which the backing
// slice is shifted down.
const compactThreshold = 64

// Unique is a FIFO queue that silently drops items whose key was seen
// before. Keys are never forgotten, so an item is yielded at most once over
// the lifetime of the queue.
//
// Unique is not safe for concurrent use.
type Unique[T any, K comparable] struct {
	key   func(T) K
	seen  map[K]struct{}
	items []T
	head  int
}

// New creates a queue keyed by key.
func New[T any, K comparable](key func(T) K) *Unique[T, K] {
	if key == nil {
		panic("queue: key function cannot be nil")
	}
	return &Unique[T, K]{
		key:  key,
		seen: make(map[K]struct{}),
	}
}

// NewIdentity creates a queue where each item is its own key.
func NewIdentity[T comparable]() *Unique[T, T] {
	return New(func(item T) T { return item })
}

// Push appends item unless its key was already seen.
// Returns false if the item was dropped as a duplicate.
func (q *Unique[T, K]) Push(item T) bool {
	k := q.key(item)
	if _, dup := q.seen[k]; dup {
		return false
	}
	q.seen[k] = struct{}{}
	q.items = append(q.items, item)
	return true
}

// PushMany pushes items in order and returns how many were accepted.
func (q *Unique[T, K]) PushMany(items []T) int {
	accepted := 0
	for _, item := range items {
		if q.Push(item) {
			accepted++
		}
	}
	return accepted
}

// Get removes and returns the oldest queued item.
func (q *Unique[T, K]) Get() (T, error) {
	var zero T
	if q.Len() == 0 {
		return zero, ErrEmpty
	}

	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++

	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head >= compactThreshold && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return item, nil
}

// Len returns the number of queued items not yet retrieved.
func (q *Unique[T, K]) Len() int {
	return len(q.items) - q.head
}

// Seen returns the number of distinct keys ever accepted.
func (q *Unique[T, K]) Seen() int {
	return len(q.seen)
}

// Contains reports whether key was accepted before.
func (q *Unique[T, K]) Contains(key K) bool {
	_, ok := q.seen[key]
	return ok
}
