// Package queue provides an ordered, id-deduplicated queue used for every
// packet, utterance and interaction collection in the session engine.
//
// A Queue keeps insertion order in a doubly-linked list with an id index, so
// lookup, removal and FIFO dequeue are all O(1). Queues are not safe for
// concurrent use; the session scheduler owns them from a single goroutine.
package queue

import (
	"container/list"
	"errors"
	"time"
)

// ErrDuplicate is returned by Enqueue when the id is already present.
var ErrDuplicate = errors.New("queue: duplicate id")

// Item is an entry that can be stored in a Queue.
type Item interface {
	ID() string
	RecentTime() time.Time
}

// Completer is implemented by items that may be incomplete. Dequeue leaves an
// incomplete head in place unless asked to remove it anyway.
type Completer interface {
	IsComplete() bool
}

// Queue is an ordered sequence of items keyed by id.
type Queue[T Item] struct {
	order *list.List
	index map[string]*list.Element
}

// New returns an empty queue.
func New[T Item]() *Queue[T] {
	return &Queue[T]{
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

func (q *Queue[T]) lazyInit() {
	if q.order == nil {
		q.order = list.New()
		q.index = make(map[string]*list.Element)
	}
}

// Enqueue appends item. Items with an id already present are rejected.
func (q *Queue[T]) Enqueue(item T) error {
	q.lazyInit()
	id := item.ID()
	if _, ok := q.index[id]; ok {
		return ErrDuplicate
	}
	q.index[id] = q.order.PushBack(item)
	return nil
}

// Peek returns the oldest item without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	var zero T
	if q.order == nil || q.order.Len() == 0 {
		return zero, false
	}
	return q.order.Front().Value.(T), true
}

// Newest returns the most recently enqueued item.
func (q *Queue[T]) Newest() (T, bool) {
	var zero T
	if q.order == nil || q.order.Len() == 0 {
		return zero, false
	}
	return q.order.Back().Value.(T), true
}

// Dequeue returns the oldest item. The item is removed when it is complete (or
// does not implement Completer) or when removeEvenIfIncomplete is set;
// otherwise it stays at the head and is returned for inspection.
// removed reports whether the head left the queue.
func (q *Queue[T]) Dequeue(removeEvenIfIncomplete bool) (item T, removed bool, ok bool) {
	head, ok := q.Peek()
	if !ok {
		return head, false, false
	}
	if !removeEvenIfIncomplete {
		if c, isCompleter := any(head).(Completer); isCompleter && !c.IsComplete() {
			return head, false, true
		}
	}
	q.removeElement(q.order.Front())
	return head, true, true
}

// Get looks up an item by id.
func (q *Queue[T]) Get(id string) (T, bool) {
	var zero T
	if q.index == nil {
		return zero, false
	}
	el, ok := q.index[id]
	if !ok {
		return zero, false
	}
	return el.Value.(T), true
}

// Contains reports whether id is present.
func (q *Queue[T]) Contains(id string) bool {
	_, ok := q.Get(id)
	return ok
}

// Remove deletes the item with id and returns it.
func (q *Queue[T]) Remove(id string) (T, bool) {
	var zero T
	if q.index == nil {
		return zero, false
	}
	el, ok := q.index[id]
	if !ok {
		return zero, false
	}
	item := el.Value.(T)
	q.removeElement(el)
	return item, true
}

func (q *Queue[T]) removeElement(el *list.Element) {
	item := q.order.Remove(el).(T)
	delete(q.index, item.ID())
}

// PourTo moves every item of q to the back of dst in order. The move is all
// or nothing: if keep rejects any item (keep may be nil), or dst already
// holds one of the ids, nothing moves and q is left as it was. Pouring a
// queue into itself is a no-op. It returns the number of items moved.
func (q *Queue[T]) PourTo(dst *Queue[T], keep func(T) bool) int {
	if dst == nil || dst == q || q.order == nil || q.order.Len() == 0 {
		return 0
	}
	for el := q.order.Front(); el != nil; el = el.Next() {
		item := el.Value.(T)
		if keep != nil && !keep(item) {
			return 0
		}
		if dst.Contains(item.ID()) {
			return 0
		}
	}
	dst.lazyInit()
	moved := 0
	for el := q.order.Front(); el != nil; {
		next := el.Next()
		item := el.Value.(T)
		if err := dst.Enqueue(item); err == nil {
			q.removeElement(el)
			moved++
		}
		el = next
	}
	return moved
}

// TrimTo removes the oldest items until at most limit remain and returns them.
// A non-positive limit leaves the queue untouched.
func (q *Queue[T]) TrimTo(limit int) []T {
	if limit <= 0 || q.order == nil {
		return nil
	}
	var evicted []T
	for q.order.Len() > limit {
		item, _, _ := q.Dequeue(true)
		evicted = append(evicted, item)
	}
	return evicted
}

// IsOverDue reports whether candidate is a late arrival relative to this
// queue: it is not already present and its RecentTime is strictly older than
// the newest entry's. Late arrivals belong in a discard bucket, not in a live
// collection.
func (q *Queue[T]) IsOverDue(candidate T) bool {
	if q.Contains(candidate.ID()) {
		return false
	}
	newest, ok := q.Newest()
	if !ok {
		return false
	}
	ts := candidate.RecentTime()
	if ts.IsZero() {
		return false
	}
	return ts.Before(newest.RecentTime())
}

// Count returns the number of items.
func (q *Queue[T]) Count() int {
	if q.order == nil {
		return 0
	}
	return q.order.Len()
}

// Clear removes every item.
func (q *Queue[T]) Clear() {
	q.order = list.New()
	q.index = make(map[string]*list.Element)
}

// Items returns a snapshot of the items in order.
func (q *Queue[T]) Items() []T {
	if q.order == nil {
		return nil
	}
	out := make([]T, 0, q.order.Len())
	for el := q.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(T))
	}
	return out
}

// Each calls fn for every item in order until fn returns false.
func (q *Queue[T]) Each(fn func(T) bool) {
	if q.order == nil {
		return
	}
	for el := q.order.Front(); el != nil; el = el.Next() {
		if !fn(el.Value.(T)) {
			return
		}
	}
}
