package gate

import (
	"encoding/binary"
	"testing"
	"unsafe"
)

func TestVMSetGDTEntry(t *testing.T) {
	v := NewVM()
	v.SetGDTEntry(KernelCodeSegmentIndex, SegmentDescriptor{Priv: KernelPrivilege, Present: true, Code: true})

	got := binary.LittleEndian.Uint64(v.gdt[KernelCodeSegmentIndex*8:])
	want := SegmentDescriptor{Priv: KernelPrivilege, Present: true, Code: true}.Serialize()
	if got != want {
		t.Fatalf("gdt[%d] = 0x%x; want 0x%x", KernelCodeSegmentIndex, got, want)
	}

	if v.gdt[0] != 0 || v.gdt[7] != 0 {
		t.Fatal("expected the null descriptor slot to remain untouched")
	}
}

func TestVMSetIDTEntry(t *testing.T) {
	v := NewVM()
	desc := InterruptDescriptor{
		Offset:            0x1000,
		Segment:           NewSegmentSelector(KernelCodeSegmentIndex, KernelPrivilege),
		Present:           true,
		DisableInterrupts: true,
	}
	v.SetIDTEntry(14, desc)

	want := desc.Serialize()
	if v.idt[14] != want {
		t.Fatalf("idt[14] = %v; want %v", v.idt[14], want)
	}
	if v.idt[0] != ([16]byte{}) {
		t.Fatal("expected slot 0 to remain untouched")
	}
}

func TestVMHandleInterruptInstallsGateAndRegistersHandler(t *testing.T) {
	defer SetEntryStubLocator(func(vector int) uintptr { return uintptr(0x7000 + vector) })()

	v := NewVM()
	var called bool
	v.HandleInterrupt(0x80, UserPrivilege, func() { called = true })

	want := InterruptDescriptor{
		Offset:            0x7000 + 0x80,
		Segment:           NewSegmentSelector(KernelCodeSegmentIndex, KernelPrivilege),
		Priv:              UserPrivilege,
		InterruptStack:    trapInterruptStack,
		Present:           true,
		DisableInterrupts: true,
	}.Serialize()
	if v.idt[0x80] != want {
		t.Fatalf("idt[0x80] = %v; want %v", v.idt[0x80], want)
	}

	handlers[0x80]()
	if !called {
		t.Fatal("expected the registered handler to be reachable from the handler table")
	}
}

func TestVMSetTSSPointsDescriptorAtTaskState(t *testing.T) {
	v := NewVM()
	tss := TaskStateSegment{PrivilegedStacks: [3]uint64{0x9000, 0x9000, 0x9000}}
	v.SetTSS(tss)

	low := binary.LittleEndian.Uint64(v.gdt[TSSIndex*8:])
	high := binary.LittleEndian.Uint64(v.gdt[(TSSIndex+1)*8:])

	gotBaseLow := (low >> 16) & 0xffffff
	gotBaseMid := (low >> 56) & 0xff
	wantBase := uint64(uintptr(unsafe.Pointer(&v.tss)))
	if want := wantBase & 0xffffff; gotBaseLow != want {
		t.Fatalf("base[0:24] = 0x%x; want 0x%x", gotBaseLow, want)
	}
	if want := (wantBase >> 24) & 0xff; gotBaseMid != want {
		t.Fatalf("base[24:32] = 0x%x; want 0x%x", gotBaseMid, want)
	}
	if want := (wantBase >> 32) & 0xffffffff; high != want {
		t.Fatalf("base[32:64] = 0x%x; want 0x%x", high, want)
	}

	if v.tss.PrivilegedStacks != tss.PrivilegedStacks {
		t.Fatal("expected task state contents to be copied in")
	}
}
