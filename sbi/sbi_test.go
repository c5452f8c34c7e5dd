package sbi

import "testing"

func TestPutcharConsole(t *testing.T) {
	s := NewSim()
	for _, b := range []byte("hi") {
		s.Putchar(b)
	}
	if got := string(s.Console()); got != "hi" {
		t.Fatalf("expected console %q, got %q", "hi", got)
	}
}

func TestFeedInputGetchar(t *testing.T) {
	s := NewSim()
	s.FeedInput([]byte("ab"))
	b, ok := s.Getchar()
	if !ok || b != 'a' {
		t.Fatalf("expected 'a', got %q ok=%v", b, ok)
	}
	b, ok = s.Getchar()
	if !ok || b != 'b' {
		t.Fatalf("expected 'b', got %q ok=%v", b, ok)
	}
	if _, ok := s.Getchar(); ok {
		t.Fatalf("expected exhausted input to report ok=false")
	}
}

func TestAdvanceFiresTimerAtDeadline(t *testing.T) {
	s := NewSim()
	s.SetTimer(100)
	if fired := s.Advance(50); fired {
		t.Fatalf("expected no fire before deadline")
	}
	if fired := s.Advance(50); !fired {
		t.Fatalf("expected fire once ticks reach the deadline")
	}
	// once fired, the timer is disarmed until SetTimer is called again.
	if fired := s.Advance(1000); fired {
		t.Fatalf("expected no repeat fire without a new SetTimer")
	}
}

func TestSendIPIAccumulatesMask(t *testing.T) {
	s := NewSim()
	s.SendIPI(0x1)
	s.SendIPI(0x2)
	if s.IPIMask() != 0x3 {
		t.Fatalf("expected mask 0x3, got %#x", s.IPIMask())
	}
}

func TestHartStartFailsSingleHart(t *testing.T) {
	s := NewSim()
	if err := s.HartStart(1, 0, 0); err == nil {
		t.Fatalf("expected HartStart to fail on a single-hart machine")
	}
}

func TestHartStopSetsHalted(t *testing.T) {
	s := NewSim()
	if s.Halted() {
		t.Fatalf("expected not halted initially")
	}
	s.HartStop()
	if !s.Halted() {
		t.Fatalf("expected Halted true after HartStop")
	}
}
