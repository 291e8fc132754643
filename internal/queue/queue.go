// Package queue provides a stable, goroutine-safe min-heap used to order
// filesystem operations by path depth.
package queue

import (
	"container/heap"
	"sync"
)

type entry[T any] struct {
	value T
	rank  int
	seq   uint64
}

type entries[T any] []entry[T]

func (e entries[T]) Len() int { return len(e) }

func (e entries[T]) Less(i, j int) bool {
	if e[i].rank == e[j].rank {
		return e[i].seq < e[j].seq
	}
	return e[i].rank < e[j].rank
}

func (e entries[T]) Swap(i, j int) { e[i], e[j] = e[j], e[i] }

func (e *entries[T]) Push(x any) { *e = append(*e, x.(entry[T])) }

func (e *entries[T]) Pop() any {
	old := *e
	last := old[len(old)-1]
	old[len(old)-1] = entry[T]{}
	*e = old[:len(old)-1]
	return last
}

// Queue pops the lowest rank first. Equal ranks pop in push order.
type Queue[T any] struct {
	mu    sync.Mutex
	items entries[T]
	seq   uint64
}

func New[T any]() *Queue[T] {
	return &Queue[T]{}
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) Push(value T, rank int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	heap.Push(&q.items, entry[T]{value: value, rank: rank, seq: q.seq})
}

func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return heap.Pop(&q.items).(entry[T]).value, true
}

// Drain pops everything in order.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, 0, len(q.items))
	for len(q.items) > 0 {
		out = append(out, heap.Pop(&q.items).(entry[T]).value)
	}
	return out
}
