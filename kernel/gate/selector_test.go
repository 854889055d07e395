package gate

import "testing"

func TestSegmentSelectorSerialize(t *testing.T) {
	cases := []struct {
		sel  SegmentSelector
		want uint16
	}{
		{NewSegmentSelector(UserCodeSegmentIndex, UserPrivilege), (UserCodeSegmentIndex << 3) | UserPrivilege},
		{NewSegmentSelector(KernelCodeSegmentIndex, KernelPrivilege), KernelCodeSegmentIndex << 3},
		{SegmentSelector{Index: TSSIndex, RequestedPriv: KernelPrivilege, IsLDT: true}, (TSSIndex << 3) | 1<<2},
	}

	for _, c := range cases {
		if got := c.sel.Serialize(); got != c.want {
			t.Fatalf("Serialize() = 0x%x; want 0x%x", got, c.want)
		}
	}
}
