package queue

import (
	"testing"

	"github.com/kandev/forgeflow/internal/task"
)

func readyTask(id, order int64) *task.Task {
	return &task.Task{ID: id, Phase: task.PhaseReady, Order: order}
}

func TestQueuePopsLowestOrderFirst(t *testing.T) {
	q := New(0)
	q.Fill([]*task.Task{readyTask(3, 30), readyTask(1, 10), readyTask(2, 20)})

	if q.Len() != 3 {
		t.Fatalf("expected Len() = 3, got %d", q.Len())
	}

	first := q.Pop()
	if first == nil || first.TaskID != 1 {
		t.Fatalf("expected task 1 first, got %+v", first)
	}
	second := q.Pop()
	if second == nil || second.TaskID != 2 {
		t.Fatalf("expected task 2 second, got %+v", second)
	}
	third := q.Pop()
	if third == nil || third.TaskID != 3 {
		t.Fatalf("expected task 3 third, got %+v", third)
	}
	if q.Pop() != nil {
		t.Fatal("expected empty queue after draining")
	}
}

func TestQueueNextDoesNotRemove(t *testing.T) {
	q := New(0)
	q.Fill([]*task.Task{readyTask(1, 10)})

	if n := q.Next(); n == nil || n.TaskID != 1 {
		t.Fatalf("expected Next() to return task 1, got %+v", n)
	}
	if q.Len() != 1 {
		t.Fatalf("expected Next() to not remove entry, Len() = %d", q.Len())
	}
}

func TestQueueRemove(t *testing.T) {
	q := New(0)
	q.Fill([]*task.Task{readyTask(1, 10), readyTask(2, 20)})

	if !q.Remove(1) {
		t.Fatal("expected Remove(1) to succeed")
	}
	if q.Remove(1) {
		t.Fatal("expected second Remove(1) to fail")
	}
	if n := q.Next(); n == nil || n.TaskID != 2 {
		t.Fatalf("expected task 2 to remain, got %+v", n)
	}
}

func TestQueueIsFull(t *testing.T) {
	q := New(1)
	q.Fill([]*task.Task{readyTask(1, 10)})
	if !q.IsFull() {
		t.Fatal("expected queue to report full at maxSize")
	}

	unbounded := New(0)
	unbounded.Fill([]*task.Task{readyTask(1, 10), readyTask(2, 20)})
	if unbounded.IsFull() {
		t.Fatal("expected unbounded queue to never report full")
	}
}
