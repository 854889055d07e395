package gate

import "testing"

func TestSegmentDescriptorSerialize(t *testing.T) {
	code := SegmentDescriptor{Priv: KernelPrivilege, Present: true, Code: true}.Serialize()

	if typ := (code >> 40) & 0xf; typ != segTypeCode {
		t.Fatalf("expected code segment type 0x%x; got 0x%x", segTypeCode, typ)
	}
	if code&(1<<44) == 0 {
		t.Fatal("expected S bit set for a code/data descriptor")
	}
	if code&(1<<47) == 0 {
		t.Fatal("expected present bit set")
	}
	if code&(1<<53) == 0 {
		t.Fatal("expected long mode bit set for a code segment")
	}

	data := SegmentDescriptor{Priv: UserPrivilege, Present: true, Code: false}.Serialize()
	if typ := (data >> 40) & 0xf; typ != segTypeData {
		t.Fatalf("expected data segment type 0x%x; got 0x%x", segTypeData, typ)
	}
	if priv := (data >> 45) & 0x3; priv != UserPrivilege {
		t.Fatalf("expected DPL %d; got %d", UserPrivilege, priv)
	}
	if data&(1<<53) != 0 {
		t.Fatal("expected long mode bit clear for a data segment")
	}
}

func TestTSSDescriptorSerializeSplitsBase(t *testing.T) {
	const base = uint64(0x1122_3344_5566_7788)
	d := TSSDescriptor{Base: base, Limit: TaskStateSegmentSize - 1, Priv: KernelPrivilege}
	out := d.Serialize()

	low := uint64(out[0]) | uint64(out[1])<<8 | uint64(out[2])<<16 | uint64(out[3])<<24 |
		uint64(out[4])<<32 | uint64(out[5])<<40 | uint64(out[6])<<48 | uint64(out[7])<<56
	high := uint64(out[8]) | uint64(out[9])<<8 | uint64(out[10])<<16 | uint64(out[11])<<24

	gotBaseLow := (low >> 16) & 0xffffff
	gotBaseHigh := (low >> 56) & 0xff
	if wantLow := base & 0xffffff; gotBaseLow != wantLow {
		t.Fatalf("base[0:24] = 0x%x; want 0x%x", gotBaseLow, wantLow)
	}
	if wantHigh := (base >> 24) & 0xff; gotBaseHigh != wantHigh {
		t.Fatalf("base[24:32] = 0x%x; want 0x%x", gotBaseHigh, wantHigh)
	}
	if wantTop := (base >> 32) & 0xffffffff; high != wantTop {
		t.Fatalf("base[32:64] = 0x%x; want 0x%x", high, wantTop)
	}
	if typ := (low >> 40) & 0xf; typ != segTypeTSS {
		t.Fatalf("expected TSS type 0x%x; got 0x%x", segTypeTSS, typ)
	}
	if low&(1<<47) == 0 {
		t.Fatal("expected present bit set")
	}
}

func TestInterruptDescriptorSerializeEncodesOffsetAndGate(t *testing.T) {
	const offset = uint64(0xdead_beef_1234_5678)
	sel := NewSegmentSelector(KernelCodeSegmentIndex, KernelPrivilege)

	d := InterruptDescriptor{
		Offset:            offset,
		Segment:           sel,
		Priv:              KernelPrivilege,
		Present:           true,
		DisableInterrupts: true,
	}
	out := d.Serialize()

	low := uint64(out[0]) | uint64(out[1])<<8 | uint64(out[2])<<16 | uint64(out[3])<<24 |
		uint64(out[4])<<32 | uint64(out[5])<<40 | uint64(out[6])<<48 | uint64(out[7])<<56
	high := uint64(out[8]) | uint64(out[9])<<8 | uint64(out[10])<<16 | uint64(out[11])<<24

	gotOffsetLow := low & 0xffff
	gotOffsetMid := (low >> 48) & 0xffff
	if want := offset & 0xffff; gotOffsetLow != want {
		t.Fatalf("offset[0:16] = 0x%x; want 0x%x", gotOffsetLow, want)
	}
	if want := (offset >> 16) & 0xffff; gotOffsetMid != want {
		t.Fatalf("offset[16:32] = 0x%x; want 0x%x", gotOffsetMid, want)
	}
	if want := (offset >> 32) & 0xffffffff; high != want {
		t.Fatalf("offset[32:64] = 0x%x; want 0x%x", high, want)
	}

	gotSel := uint16((low >> 16) & 0xffff)
	if wantSel := sel.Serialize(); gotSel != wantSel {
		t.Fatalf("segment selector = 0x%x; want 0x%x", gotSel, wantSel)
	}
	if typ := (low >> 40) & 0xf; typ != 0xe {
		t.Fatalf("expected interrupt gate type 0xe; got 0x%x", typ)
	}
	if low&(1<<47) == 0 {
		t.Fatal("expected present bit set")
	}

	trap := InterruptDescriptor{Offset: offset, Segment: sel, Present: true}.Serialize()
	trapLow := uint64(trap[0]) | uint64(trap[1])<<8 | uint64(trap[2])<<16 | uint64(trap[3])<<24 |
		uint64(trap[4])<<32 | uint64(trap[5])<<40 | uint64(trap[6])<<48 | uint64(trap[7])<<56
	if typ := (trapLow >> 40) & 0xf; typ != 0xf {
		t.Fatalf("expected trap gate type 0xf; got 0x%x", typ)
	}
}

func TestTaskStateSegmentSerializeLayout(t *testing.T) {
	tss := TaskStateSegment{
		PrivilegedStacks: [3]uint64{0x1000, 0x2000, 0x3000},
		InterruptStacks:  [7]uint64{0xa000, 0xb000, 0xc000, 0xd000, 0xe000, 0xf000, 0x10000},
	}
	out := tss.Serialize()

	readU64 := func(off int) uint64 {
		var v uint64
		for i := 0; i < 8; i++ {
			v |= uint64(out[off+i]) << (8 * i)
		}
		return v
	}

	for i, want := range tss.PrivilegedStacks {
		if got := readU64(4 + i*8); got != want {
			t.Fatalf("RSP%d = 0x%x; want 0x%x", i, got, want)
		}
	}
	for i, want := range tss.InterruptStacks {
		if got := readU64(4 + 24 + 8 + i*8); got != want {
			t.Fatalf("IST%d = 0x%x; want 0x%x", i+1, got, want)
		}
	}
}
