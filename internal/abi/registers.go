package abi

// HostReg identifies one of the fixed host ABI registers the translator
// bakes into every generated block. Grounded on the teacher's per-arch
// register tables in reg.go, narrowed to the single host architecture
// (amd64) this translator ever targets and renamed to the roles the
// translator assigns rather than raw ISA names.
type HostReg int

const (
	// MEM64 is the base of the 4 GiB guest mapping; added to a 32-bit
	// guest address to produce a host address.
	MEM64 HostReg = iota
	// SP32 is a scratch register the push/pop emitters use to compute
	// guest stack addresses; the guest ESP itself lives in Process.Regs.
	SP32
	// PC32 is zeroed by the trampoline on entry; translated code keeps the
	// guest EIP in Process.Regs rather than in this register.
	PC32
	// VAL64 is scratch space for computed values.
	VAL64
	// ADDR64 is scratch space for computed effective addresses.
	ADDR64
	// PROCESS64 points at the owning Process struct.
	PROCESS64
	// BLOCK64 is zeroed by the trampoline on entry and serves as scratch,
	// e.g. the EDX image in MUL/DIV emission.
	BLOCK64
)

func (r HostReg) String() string {
	switch r {
	case MEM64:
		return "MEM64"
	case SP32:
		return "SP32"
	case PC32:
		return "PC32"
	case VAL64:
		return "VAL64"
	case ADDR64:
		return "ADDR64"
	case PROCESS64:
		return "PROCESS64"
	case BLOCK64:
		return "BLOCK64"
	default:
		return "HostReg(?)"
	}
}

// Encoding is the x86-64 register-number encoding (0-15) used in ModRM/SIB
// bytes and the REX prefix for each fixed ABI register. This table is the
// single place that assigns an ABI role to a concrete machine register; the
// translator and the dispatcher/trampoline both consult it so changing a
// register number touches one place (see SPEC_FULL.md design notes and the
// teacher's own reg.go encoding tables, which this mirrors in spirit: a
// flat map from name to {size, encoding}).
var Encoding = map[HostReg]uint8{
	MEM64:     15, // r15 - callee-saved, rarely clobbered by libc calls
	SP32:      14, // r14
	PC32:      13, // r13
	VAL64:     0,  // rax - scratch, caller-saved
	ADDR64:    1,  // rcx - scratch, caller-saved
	PROCESS64: 12, // r12 - callee-saved
	BLOCK64:   2,  // rdx - scratch, caller-saved
}

// CalleeSaved reports whether the System V AMD64 ABI requires this register
// to be preserved across a call; the dispatcher trampoline must save/restore
// exactly these registers around each entry into the code cache, in
// addition to the ABI registers themselves which the trampoline owns for
// the duration of a dispatch.
func CalleeSaved(enc uint8) bool {
	switch enc {
	case 3, 5, 12, 13, 14, 15: // rbx, rbp, r12-r15
		return true
	default:
		return false
	}
}

// NeedsREX reports whether addressing this register's low 3 bits requires
// a REX prefix byte (encoding >= 8, i.e. r8-r15).
func NeedsREX(enc uint8) bool {
	return enc >= 8
}

// GPR32 maps a guest 32-bit general-purpose register name to its x86
// encoding (0-7). The decoder and translator work with encodings directly
// and do not consult this table.
var GPR32 = map[string]uint8{
	"eax": 0, "ecx": 1, "edx": 2, "ebx": 3,
	"esp": 4, "ebp": 5, "esi": 6, "edi": 7,
}

// LegacyHigh8 lists the guest 8-bit "high byte" register encodings that
// cannot be combined with an r8-r15 base in the same instruction (AH, CH,
// DH, BH live at encodings 4-7 only when no REX prefix is present).
var LegacyHigh8 = map[string]bool{
	"ah": true, "ch": true, "dh": true, "bh": true,
}
