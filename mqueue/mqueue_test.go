package mqueue

import (
	"testing"

	"ilo/defs"
)

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := New(4)
	for i := 0; i < 3; i++ {
		if err := q.Enqueue(Message{SourcePid: int32(i), Type: Signal, Payload: uint64(i)}); err != 0 {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		m, ok := q.Dequeue()
		if !ok {
			t.Fatalf("dequeue %d: empty", i)
		}
		if m.Payload != uint64(i) {
			t.Fatalf("expected FIFO order, got payload %d at position %d", m.Payload, i)
		}
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatalf("expected empty queue after draining")
	}
}

func TestFullRejectsEnqueue(t *testing.T) {
	q := New(2)
	if err := q.Enqueue(Message{Type: Int}); err != 0 {
		t.Fatalf("first enqueue should succeed, got %v", err)
	}
	if err := q.Enqueue(Message{Type: Int}); err != 0 {
		t.Fatalf("second enqueue should succeed, got %v", err)
	}
	if err := q.Enqueue(Message{Type: Int}); err != defs.EFULL {
		t.Fatalf("expected EFULL, got %v", err)
	}
	if !q.Full() {
		t.Fatalf("expected Full() true")
	}
}

func TestEmptyAndCap(t *testing.T) {
	q := New(8)
	if !q.Empty() {
		t.Fatalf("expected new queue to be Empty")
	}
	if q.Cap() != 8 {
		t.Fatalf("expected Cap 8, got %d", q.Cap())
	}
	q.Enqueue(Message{Type: Data})
	if q.Empty() {
		t.Fatalf("expected non-empty after enqueue")
	}
	if q.Len() != 1 {
		t.Fatalf("expected Len 1, got %d", q.Len())
	}
}

func TestDrainEmptiesAndReportsCount(t *testing.T) {
	q := New(4)
	q.Enqueue(Message{Payload: 1})
	q.Enqueue(Message{Payload: 2})
	if n := q.Drain(); n != 2 {
		t.Fatalf("expected Drain to report 2, got %d", n)
	}
	if !q.Empty() {
		t.Fatalf("expected queue empty after Drain")
	}
}

func TestWraparound(t *testing.T) {
	q := New(3)
	q.Enqueue(Message{Payload: 1})
	q.Enqueue(Message{Payload: 2})
	q.Dequeue()
	q.Enqueue(Message{Payload: 3})
	q.Enqueue(Message{Payload: 4})
	var got []uint64
	for {
		m, ok := q.Dequeue()
		if !ok {
			break
		}
		got = append(got, m.Payload)
	}
	want := []uint64{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
