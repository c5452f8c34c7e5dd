package util

import "testing"

func TestMin(t *testing.T) {
	if Min(3, 7) != 3 {
		t.Fatalf("expected 3")
	}
	if Min(uint64(9), uint64(2)) != 2 {
		t.Fatalf("expected 2")
	}
}

func TestRounddownRoundup(t *testing.T) {
	if Rounddown(4095, 4096) != 0 {
		t.Fatalf("expected 0")
	}
	if Rounddown(4096, 4096) != 4096 {
		t.Fatalf("expected 4096")
	}
	if Roundup(1, 4096) != 4096 {
		t.Fatalf("expected 4096")
	}
	if Roundup(4096, 4096) != 4096 {
		t.Fatalf("expected 4096 for already-aligned input")
	}
}

func TestReadnWritenRoundtrip(t *testing.T) {
	buf := make([]byte, 16)
	Writen(buf, 8, 0, 0x0102030405060708)
	if got := Readn(buf, 8, 0); got != 0x0102030405060708 {
		t.Fatalf("expected roundtrip, got %#x", got)
	}
	Writen(buf, 2, 8, 0xbeef)
	if got := Readn(buf, 2, 8); got != 0xbeef {
		t.Fatalf("expected 0xbeef, got %#x", got)
	}
}

func TestReadnOutOfBoundsPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for out-of-bounds read")
		}
	}()
	Readn(make([]byte, 4), 8, 0)
}
