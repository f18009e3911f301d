package bus

import (
	"database/sql"
	"os"
	"testing"

	_ "modernc.org/sqlite"
)

func setupTestQueue(t *testing.T) *Queue {
	t.Helper()
	f, err := os.CreateTemp("", "bus-queue-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	db, err := sql.Open("sqlite", f.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	q := NewQueue(db)
	if err := q.Init(); err != nil {
		t.Fatal(err)
	}
	return q
}

func TestQueueDequeueHighestScoreFirst(t *testing.T) {
	q := setupTestQueue(t)

	if err := q.Enqueue("T1", 2); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue("T2", 3); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue("T3", 4); err != nil {
		t.Fatal(err)
	}

	want := []string{"T3", "T2", "T1"}
	for _, w := range want {
		got, ok, err := q.Dequeue()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("expected a dequeued entry for %s", w)
		}
		if got != w {
			t.Errorf("expected %s, got %s", w, got)
		}
	}

	if _, ok, err := q.Dequeue(); err != nil || ok {
		t.Errorf("expected empty queue, got ok=%v err=%v", ok, err)
	}
}

func TestQueueFIFOWithinPriorityBand(t *testing.T) {
	q := setupTestQueue(t)

	if err := q.Enqueue("first", 2); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue("second", 2); err != nil {
		t.Fatal(err)
	}

	got, _, _ := q.Dequeue()
	if got != "first" {
		t.Errorf("expected FIFO order within same priority band, got %s", got)
	}
}

func TestQueueLengthAndRemove(t *testing.T) {
	q := setupTestQueue(t)

	q.Enqueue("T1", 2)
	q.Enqueue("T2", 2)

	n, err := q.QueueLength()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected length 2, got %d", n)
	}

	if err := q.Remove("T1"); err != nil {
		t.Fatal(err)
	}
	n, _ = q.QueueLength()
	if n != 1 {
		t.Errorf("expected length 1 after remove, got %d", n)
	}
}
