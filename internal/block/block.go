// Package block builds a guest basic block by decoding instructions
// starting at a guest PC until a control-flow instruction, a decode
// failure, or the block's instruction cap is reached. Grounded on the
// teacher's CompilationPipeline staged-build style (compilation_pipeline.go)
// and its StackValidator (stack_validator.go), narrowed to a single
// decode-until-branch pass instead of a multi-stage compiler pipeline.
package block

import (
	"github.com/xyproto/grr32/internal/abi"
	"github.com/xyproto/grr32/internal/xed"
)

// MaxInstructions bounds a single block; guest code that never branches
// inside this many instructions still gets split so the translator and
// cache arena see bounded work per block. A package-level var rather than
// a const so cmd/grr32 can override it from --max_instructions_per_block.
var MaxInstructions = 32

// Block is one guest basic block: a contiguous run of decoded guest
// instructions from Start up to (but not including) End, ending either in
// a control-transfer instruction or because the instruction cap was hit.
type Block struct {
	Start abi.Addr32
	End   abi.Addr32

	Insns []DecodedInsn

	HasSyscall bool
	HasError   bool // decode failed or hit UD2
}

// DecodedInsn pairs a decoded instruction with the guest address it was
// read from, since a block's instructions don't all share one PC.
type DecodedInsn struct {
	PC   abi.Addr32
	Insn xed.Instruction
}

// Reader abstracts process memory access during block building so tests can
// supply a plain byte slice without constructing a full Process.
type Reader interface {
	TryReadBytes(addr abi.Addr32, n int) ([]byte, bool)
}

// Builder constructs Blocks against a Reader.
type Builder struct {
	Mem Reader
}

// NewBuilder returns a Builder reading guest memory through mem.
func NewBuilder(mem Reader) *Builder {
	return &Builder{Mem: mem}
}

// Build decodes a new block starting at pc. It stops after the first
// control-flow instruction, after MaxInstructions instructions, or when a
// read or decode fails (HasError is then set and the block ends with
// whatever instructions were already collected; the translated block's
// Value then carries ends_with_error).
func (b *Builder) Build(pc abi.Addr32) *Block { //nolint:gocyclo
	blk := &Block{Start: pc, End: pc}

	cur := pc
	for len(blk.Insns) < MaxInstructions {
		// Instructions never span more than 15 bytes; read generously and
		// let Decode report ErrTooShort if the block abuts unmapped memory.
		buf, ok := b.Mem.TryReadBytes(cur, 15)
		if !ok || len(buf) == 0 {
			blk.HasError = true
			break
		}

		insn, err := xed.Decode(buf)
		if err != nil {
			blk.HasError = true
			break
		}

		blk.Insns = append(blk.Insns, DecodedInsn{PC: cur, Insn: insn})
		cur = abi.Addr32(uint32(cur) + uint32(insn.Length))
		blk.End = cur

		if insn.Class == xed.IclUd2 {
			blk.HasError = true
			break
		}
		if insn.IsSyscallLike() {
			blk.HasSyscall = true
			break
		}
		if insn.IsControlFlow() {
			break
		}
	}

	return blk
}

// HasOneSuccessor reports whether this block, as decoded, can only ever
// fall through or branch to a single statically known successor -- i.e. it
// ends with an unconditional direct JMP, a direct CALL (returns to the
// instruction after it, which is a different block), or simply ran off the
// end of the instruction cap with no branch at all (falls through to End).
// Conditional branches, indirect branches, and RET all have more than one
// possible successor and return false.
func (blk *Block) HasOneSuccessor() bool {
	if len(blk.Insns) == 0 {
		return false
	}
	last := blk.Insns[len(blk.Insns)-1].Insn
	switch last.Class {
	case xed.IclJmp, xed.IclCall:
		return true
	default:
		return !last.IsControlFlow()
	}
}
