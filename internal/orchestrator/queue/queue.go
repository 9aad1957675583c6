// Package queue implements the ready-phase execution queue backing the
// Workspace Automation Controller's queue-kick trigger: a
// priority-ordered view over a snapshot of ready tasks, highest priority
// (lowest phase order) first; the order among entries with equal priority
// is not defined.
package queue

import (
	"container/heap"
	"sync"

	"github.com/kandev/forgeflow/internal/task"
)

// Entry is a single ready task as seen by the queue.
type Entry struct {
	TaskID   int64
	Priority int64 // lower Order = higher priority
	Task     *task.Task
	index    int
}

type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	return h[i].Priority < h[j].Priority
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	n := len(*h)
	e := x.(*Entry)
	e.index = n
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[0 : n-1]
	return e
}

// Queue is a thread-safe priority queue of ready tasks for one workspace.
type Queue struct {
	mu      sync.Mutex
	heap    entryHeap
	byID    map[int64]*Entry
	maxSize int
}

// New creates an empty Queue. maxSize <= 0 means unbounded.
func New(maxSize int) *Queue {
	q := &Queue{heap: make(entryHeap, 0), byID: make(map[int64]*Entry), maxSize: maxSize}
	heap.Init(&q.heap)
	return q
}

// Fill replaces the queue contents with a fresh snapshot of ready tasks,
// ordered by their current Order field.
func (q *Queue) Fill(tasks []*task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heap = make(entryHeap, 0, len(tasks))
	q.byID = make(map[int64]*Entry, len(tasks))
	for i, t := range tasks {
		e := &Entry{TaskID: t.ID, Priority: t.Order, Task: t, index: i}
		q.heap = append(q.heap, e)
		q.byID[t.ID] = e
	}
	heap.Init(&q.heap)
}

// Next returns the highest-priority entry without removing it, or nil if
// the queue is empty.
func (q *Queue) Next() *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0]
}

// Pop removes and returns the highest-priority entry, or nil if empty.
func (q *Queue) Pop() *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	e := heap.Pop(&q.heap).(*Entry)
	delete(q.byID, e.TaskID)
	return e
}

// Remove drops a task from the queue if present.
func (q *Queue) Remove(taskID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[taskID]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, e.index)
	delete(q.byID, taskID)
	return true
}

// Len returns the number of entries currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// IsFull reports whether the queue has reached its configured bound.
func (q *Queue) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxSize > 0 && len(q.heap) >= q.maxSize
}
