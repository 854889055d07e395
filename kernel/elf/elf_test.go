package elf

import (
	"encoding/binary"
	"testing"
)

// buildImage assembles a minimal valid ELF64 executable with the given
// program headers and trailing segment data, for tests that don't want to
// hand-maintain a raw byte dump.
func buildImage(t *testing.T, entry uint64, segments []Segment) []byte {
	t.Helper()

	phnum := len(segments)
	phoff := uint64(headerSize)
	dataStart := phoff + uint64(phnum)*programHeaderSize

	var body []byte
	type placed struct {
		seg    Segment
		offset uint64
	}
	var placements []placed
	for _, seg := range segments {
		placements = append(placements, placed{seg: seg, offset: dataStart + uint64(len(body))})
		body = append(body, seg.Data...)
	}

	img := make([]byte, dataStart+uint64(len(body)))
	copy(img[0:16], expectedIdent[:])
	binary.LittleEndian.PutUint16(img[16:18], typeExec)
	binary.LittleEndian.PutUint16(img[18:20], machineX86_64)
	binary.LittleEndian.PutUint64(img[24:32], entry)
	binary.LittleEndian.PutUint64(img[32:40], phoff)
	binary.LittleEndian.PutUint16(img[54:56], programHeaderSize)
	binary.LittleEndian.PutUint16(img[56:58], uint16(phnum))

	for i, p := range placements {
		off := phoff + uint64(i)*programHeaderSize
		phdr := img[off : off+programHeaderSize]
		binary.LittleEndian.PutUint32(phdr[0:4], segmentLoad)
		binary.LittleEndian.PutUint32(phdr[4:8], uint32(p.seg.Flags))
		binary.LittleEndian.PutUint64(phdr[8:16], p.offset)
		binary.LittleEndian.PutUint64(phdr[16:24], p.seg.LoadAddr)
		binary.LittleEndian.PutUint64(phdr[32:40], uint64(len(p.seg.Data)))
		binary.LittleEndian.PutUint64(phdr[40:48], p.seg.LoadSize)
	}

	copy(img[dataStart:], body)
	return img
}

func TestNewReaderRejectsShortImage(t *testing.T) {
	if _, err := NewReader(make([]byte, 10)); err != errTooShort {
		t.Fatalf("expected errTooShort; got %v", err)
	}
}

func TestNewReaderRejectsBadIdent(t *testing.T) {
	img := buildImage(t, 0x1000, nil)
	img[1] = 'X'
	if _, err := NewReader(img); err != errBadIdent {
		t.Fatalf("expected errBadIdent; got %v", err)
	}
}

func TestNewReaderParsesEntryPoint(t *testing.T) {
	img := buildImage(t, 0x40_0000_1000, nil)
	r, err := NewReader(img)
	if err != nil {
		t.Fatal(err)
	}
	if got := r.EntryPoint(); got != 0x40_0000_1000 {
		t.Fatalf("expected entry point 0x%x; got 0x%x", uint64(0x40_0000_1000), got)
	}
}

func TestVisitLoadSegments(t *testing.T) {
	segs := []Segment{
		{Flags: FlagRead | FlagExecute, Data: []byte{0x90, 0x90, 0x90, 0xc3}, LoadAddr: 0x40_0000_0000, LoadSize: 0x1000},
		{Flags: FlagRead | FlagWrite, Data: []byte{1, 2, 3}, LoadAddr: 0x40_0001_0000, LoadSize: 0x2000},
	}
	img := buildImage(t, 0x40_0000_0000, segs)

	r, err := NewReader(img)
	if err != nil {
		t.Fatal(err)
	}

	var got []Segment
	r.VisitLoadSegments(func(seg Segment) {
		got = append(got, seg)
	})

	if len(got) != 2 {
		t.Fatalf("expected 2 segments; got %d", len(got))
	}
	for i, want := range segs {
		if got[i].Flags != want.Flags || got[i].LoadAddr != want.LoadAddr || got[i].LoadSize != want.LoadSize {
			t.Fatalf("segment %d: got %+v; want flags/addr/size from %+v", i, got[i], want)
		}
		if string(got[i].Data) != string(want.Data) {
			t.Fatalf("segment %d data: got %v; want %v", i, got[i].Data, want.Data)
		}
	}
}

func TestNewReaderRejectsMissingProgramHeaders(t *testing.T) {
	img := buildImage(t, 0x1000, nil)
	binary.LittleEndian.PutUint64(img[32:40], 0) // zero out phoff
	if _, err := NewReader(img); err != errNoProgramHeaders {
		t.Fatalf("expected errNoProgramHeaders; got %v", err)
	}
}
