package clock

import (
	"testing"

	"ilo/sbi"
)

func TestNowSplitsSecondsAndMicros(t *testing.T) {
	fw := sbi.NewSim()
	c := New(fw, 1_000_000, 10_000) // 1 MHz timebase
	fw.Advance(1_500_000)           // 1.5 seconds
	secs, micros := c.Now()
	if secs != 1 {
		t.Fatalf("expected 1 second, got %d", secs)
	}
	if micros != 500_000 {
		t.Fatalf("expected 500000 micros, got %d", micros)
	}
}

func TestDeadlineAfterMicros(t *testing.T) {
	fw := sbi.NewSim()
	c := New(fw, 1_000_000, 0)
	fw.Advance(10)
	deadline := c.DeadlineAfterMicros(5)
	if deadline != 15 {
		t.Fatalf("expected deadline 15 ticks (10 + 5us*1MHz), got %d", deadline)
	}
}

func TestArmNextQuantumProgramsFirmwareTimer(t *testing.T) {
	fw := sbi.NewSim()
	c := New(fw, 1_000_000, 100)
	fw.Advance(50)
	c.ArmNextQuantum()
	if fired := fw.Advance(99); fired {
		t.Fatalf("expected no fire before quantum elapses")
	}
	if fired := fw.Advance(1); !fired {
		t.Fatalf("expected fire once the quantum elapses")
	}
}

func TestNewZeroTimebaseDoesNotDivideByZero(t *testing.T) {
	fw := sbi.NewSim()
	c := New(fw, 0, 10)
	fw.Advance(5)
	secs, micros := c.Now()
	if secs != 5 || micros != 0 {
		t.Fatalf("expected timebase to be floored to 1, got secs=%d micros=%d", secs, micros)
	}
}
