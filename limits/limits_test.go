package limits

import "testing"

func TestTakenRefusesToGoNegative(t *testing.T) {
	a := NewAtomic(2)
	if !a.Taken(2) {
		t.Fatalf("expected first taken(2) to succeed")
	}
	if a.Taken(1) {
		t.Fatalf("expected taken(1) to fail once budget is exhausted")
	}
	if a.Remaining() != 0 {
		t.Fatalf("expected remaining 0, got %d", a.Remaining())
	}
}

func TestGivenCreditsBackTheCounter(t *testing.T) {
	a := NewAtomic(0)
	a.Given(3)
	if a.Remaining() != 3 {
		t.Fatalf("expected 3, got %d", a.Remaining())
	}
	if !a.Take() {
		t.Fatalf("expected take to succeed")
	}
	if a.Remaining() != 2 {
		t.Fatalf("expected 2, got %d", a.Remaining())
	}
}

func TestNewSystemIndependentCounters(t *testing.T) {
	s := NewSystem(1, 2, 3)
	if !s.Tasks.Take() {
		t.Fatalf("expected task slot available")
	}
	if s.Tasks.Take() {
		t.Fatalf("expected task table exhausted after 1 slot taken")
	}
	if !s.Queues.Take() || !s.Queues.Take() {
		t.Fatalf("expected 2 queue slots available independent of tasks")
	}
	if s.Caps.Remaining() != 3 {
		t.Fatalf("expected caps budget untouched, got %d", s.Caps.Remaining())
	}
}
