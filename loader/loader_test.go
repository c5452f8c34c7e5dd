package loader

import (
	"encoding/binary"
	"testing"

	"ilo/ptable"
)

// buildELF64 assembles just enough of an ELF64 header + one program
// header + payload bytes for ParseFlat to exercise, without pulling in
// a real ELF-writing library (this package deliberately has none).
func buildELF64(entry, vaddr uint64, flags uint32, payload []byte) []byte {
	const ehsize = 64
	const phsize = 56
	phoff := uint64(ehsize)
	buf := make([]byte, ehsize+phsize+len(payload))
	copy(buf[0:4], elfMagic)
	buf[4] = elfClass64
	binary.LittleEndian.PutUint64(buf[elfEntryOffset:], entry)
	binary.LittleEndian.PutUint64(buf[elfPhoffOffset:], phoff)
	binary.LittleEndian.PutUint16(buf[elfPhentsizeOff:], phsize)
	binary.LittleEndian.PutUint16(buf[elfPhnumOff:], 1)

	ph := buf[phoff:]
	binary.LittleEndian.PutUint32(ph[0:], phTypeLoad)
	binary.LittleEndian.PutUint32(ph[4:], flags)
	fileOff := phoff + phsize
	binary.LittleEndian.PutUint64(ph[8:], fileOff)
	binary.LittleEndian.PutUint64(ph[16:], vaddr)
	binary.LittleEndian.PutUint64(ph[32:], uint64(len(payload)))
	binary.LittleEndian.PutUint64(ph[40:], uint64(len(payload))+4096) // memsz > filesz, exercising BSS padding

	copy(buf[fileOff:], payload)
	return buf
}

func TestParseFlatRejectsBadMagic(t *testing.T) {
	if _, err := ParseFlat([]byte("not an elf at all, way too short")); err == nil {
		t.Fatalf("expected an error for non-ELF input")
	}
}

func TestParseFlatReadsEntryAndSegment(t *testing.T) {
	raw := buildELF64(0x1000, 0x1000, phFlagR|phFlagX, []byte("hello"))
	img, err := ParseFlat(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if img.Entry != 0x1000 {
		t.Fatalf("expected entry 0x1000, got %#x", img.Entry)
	}
	if len(img.Segments) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(img.Segments))
	}
	seg := img.Segments[0]
	if seg.VirtAddr != 0x1000 {
		t.Fatalf("expected vaddr 0x1000, got %#x", seg.VirtAddr)
	}
	if string(seg.FileBytes) != "hello" {
		t.Fatalf("expected file bytes %q, got %q", "hello", seg.FileBytes)
	}
	if seg.MemSize != uint64(len("hello"))+4096 {
		t.Fatalf("expected memsz to exceed filesz for BSS padding, got %d", seg.MemSize)
	}
	if seg.Flags&PermR == 0 || seg.Flags&PermX == 0 || seg.Flags&PermW != 0 {
		t.Fatalf("unexpected flags %v", seg.Flags)
	}
}

func TestToPTablePermTranslatesBits(t *testing.T) {
	p := ToPTablePerm(PermR | PermW)
	if p&ptable.PermR == 0 || p&ptable.PermW == 0 || p&ptable.PermX != 0 {
		t.Fatalf("unexpected ptable perm %v", p)
	}
}

func TestMapRamdiskLookup(t *testing.T) {
	rd := MapRamdisk{"initd": []byte{1, 2, 3}}
	b, ok := rd.Lookup("initd")
	if !ok || len(b) != 3 {
		t.Fatalf("expected a 3-byte lookup hit, got %v ok=%v", b, ok)
	}
	if _, ok := rd.Lookup("missing"); ok {
		t.Fatalf("expected miss for unknown name")
	}
}
