package abi

// RegOffset is the byte offset of a guest GPR/EIP/EFlags field within
// process.Process.Regs, used by the translator to address a guest
// register as [PROCESS64+offset] rather than keeping every register
// resident in a host register across the whole block (the fixed ABI only
// reserves a handful of host registers for VAL64/ADDR64/SP32/etc., so
// guest GPRs live in memory and are loaded/stored around each use).
type RegOffset uint32

const (
	OffEAX RegOffset = 0
	OffECX RegOffset = 4
	OffEDX RegOffset = 8
	OffEBX RegOffset = 12
	OffESP RegOffset = 16
	OffEBP RegOffset = 20
	OffESI RegOffset = 24
	OffEDI RegOffset = 28
	OffEIP RegOffset = 32
	OffEFlags RegOffset = 36
)

// GPR32Offset maps a guest 32-bit GPR encoding (0-7, the same numbering as
// GPR32) to its RegOffset.
var GPR32Offset = [8]RegOffset{
	OffEAX, OffECX, OffEDX, OffEBX,
	OffESP, OffEBP, OffESI, OffEDI,
}

// GPR32Name is used only for diagnostics/tracing output.
var GPR32Name = [8]string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi"}
