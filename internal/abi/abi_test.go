package abi

import "testing"

func TestAlignDownAndAlignUp(t *testing.T) {
	cases := []struct {
		addr        uint32
		wantDown    uint32
		wantUp      uint32
		wantAligned bool
	}{
		{0, 0, 0, true},
		{1, 0, PageSize, false},
		{PageSize, PageSize, PageSize, true},
		{PageSize - 1, 0, PageSize, false},
		{PageSize + 1, PageSize, 2 * PageSize, false},
	}
	for _, c := range cases {
		if got := AlignDown(c.addr); got != c.wantDown {
			t.Errorf("AlignDown(0x%x) = 0x%x, want 0x%x", c.addr, got, c.wantDown)
		}
		if got := AlignUp(c.addr); got != c.wantUp {
			t.Errorf("AlignUp(0x%x) = 0x%x, want 0x%x", c.addr, got, c.wantUp)
		}
		if got := IsPageAligned(c.addr); got != c.wantAligned {
			t.Errorf("IsPageAligned(0x%x) = %v, want %v", c.addr, got, c.wantAligned)
		}
	}
}

func TestAddrStringers(t *testing.T) {
	if got := Addr32(0x2A).String(); got != "0x0000002a" {
		t.Fatalf("Addr32.String() = %q, want 0x0000002a", got)
	}
	if got := CacheOffset(0x10).String(); got != "cache+0x10" {
		t.Fatalf("CacheOffset.String() = %q, want cache+0x10", got)
	}
}

// TestEncodingAssignsDistinctRegisters checks the one invariant everything
// else in the translator depends on: every ABI role maps to its own
// distinct host register, so no two roles ever alias the same GPR.
func TestEncodingAssignsDistinctRegisters(t *testing.T) {
	seen := make(map[uint8]HostReg)
	for role, enc := range Encoding {
		if other, ok := seen[enc]; ok {
			t.Fatalf("register encoding %d assigned to both %v and %v", enc, other, role)
		}
		seen[enc] = role
	}
}

func TestCalleeSavedMatchesSystemVABI(t *testing.T) {
	calleeSaved := map[uint8]bool{
		0: false, 1: false, 2: false, 3: true, 4: false,
		5: true, 6: false, 7: false,
		8: false, 9: false, 10: false, 11: false,
		12: true, 13: true, 14: true, 15: true,
	}
	for enc, want := range calleeSaved {
		if got := CalleeSaved(enc); got != want {
			t.Errorf("CalleeSaved(%d) = %v, want %v", enc, got, want)
		}
	}
}

func TestNeedsREX(t *testing.T) {
	for enc := uint8(0); enc < 16; enc++ {
		want := enc >= 8
		if got := NeedsREX(enc); got != want {
			t.Errorf("NeedsREX(%d) = %v, want %v", enc, got, want)
		}
	}
}

func TestGPR32OffsetMatchesGPR32Encoding(t *testing.T) {
	for name, enc := range GPR32 {
		if GPR32Name[enc] != name {
			t.Fatalf("GPR32Name[%d] = %q, want %q", enc, GPR32Name[enc], name)
		}
	}
	want := []RegOffset{OffEAX, OffECX, OffEDX, OffEBX, OffESP, OffEBP, OffESI, OffEDI}
	for i, off := range want {
		if GPR32Offset[i] != off {
			t.Fatalf("GPR32Offset[%d] = %d, want %d", i, GPR32Offset[i], off)
		}
	}
}

func TestSyscallSelectorValidAndString(t *testing.T) {
	cases := []struct {
		sel  SyscallSelector
		ok   bool
		name string
	}{
		{SysTerminate, true, "terminate"},
		{SysTransmit, true, "transmit"},
		{SysReceive, true, "receive"},
		{SysFDWait, true, "fdwait"},
		{SysAllocate, true, "allocate"},
		{SysDeallocate, true, "deallocate"},
		{SysRandom, true, "random"},
		{SyscallSelector(0), false, "invalid"},
		{SyscallSelector(8), false, "invalid"},
	}
	for _, c := range cases {
		if got := c.sel.Valid(); got != c.ok {
			t.Errorf("SyscallSelector(%d).Valid() = %v, want %v", c.sel, got, c.ok)
		}
		if got := c.sel.String(); got != c.name {
			t.Errorf("SyscallSelector(%d).String() = %q, want %q", c.sel, got, c.name)
		}
	}
}

func TestFixedMemoryRegionsAreNonEmptyAndAligned(t *testing.T) {
	if TaskRegionBegin >= TaskRegionEnd {
		t.Fatal("task region must be non-empty")
	}
	if StackBegin >= StackEnd {
		t.Fatal("stack region must be non-empty")
	}
	if MagicPageBase < TaskRegionBegin || MagicPageBase >= TaskRegionEnd {
		t.Fatal("the magic page must sit inside the task region's address range")
	}
	if !IsPageAligned(uint32(TaskRegionBegin)) || !IsPageAligned(uint32(StackBegin)) || !IsPageAligned(uint32(MagicPageBase)) {
		t.Fatal("fixed regions must start on a page boundary")
	}
}
