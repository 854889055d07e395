package kmain

import (
	"gokernel/kernel/mem"
	"testing"
)

func TestModuleRangeTracksWidestSpan(t *testing.T) {
	var r moduleRange

	r.observe(0x200000, 0x210000)
	r.observe(0x100000, 0x105000)
	r.observe(0x300000, 0x400000)

	if r.start != mem.PhysAddr(0x100000) {
		t.Fatalf("expected lowest start 0x100000; got 0x%x", r.start)
	}
	if r.end != mem.PhysAddr(0x400000) {
		t.Fatalf("expected highest end 0x400000; got 0x%x", r.end)
	}
}

func TestModuleRangeNoModulesStaysZero(t *testing.T) {
	var r moduleRange
	if r.start != 0 || r.end != 0 {
		t.Fatalf("expected zero range with no modules observed; got %+v", r)
	}
}
