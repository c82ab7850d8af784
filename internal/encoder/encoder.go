// Package encoder emits host (amd64) machine code for the small, fixed
// set of operations the translator needs: moving values between the ABI
// registers and guest memory, arithmetic against the virtualized guest
// registers, and control transfer in and out of the cache. Adapted from
// the teacher's manual REX/ModRM/SIB byte emission in mov.go, cmp.go,
// push.go, lea.go, and.go, or.go, bitwise.go, movzx.go, div.go, shl.go
// (reg.go's flat register table is reused via internal/abi.Encoding
// instead of the teacher's own map[string]Register), generalized from
// "any named register" to the seven fixed ABI roles plus the sixteen
// scratch GPRs the translator may pick a dead one from.
package encoder

// Sink is anything bytes can be appended to; satisfied by
// *codecache.Transaction and, in tests, a plain *bytes.Buffer wrapper.
type Sink interface {
	Write(p []byte)
}

// Emitter accumulates host instruction bytes for one block into a Sink.
type Emitter struct {
	out Sink
}

// New wraps sink in an Emitter.
func New(sink Sink) *Emitter {
	return &Emitter{out: sink}
}

func (e *Emitter) b1(b byte)               { e.out.Write([]byte{b}) }
func (e *Emitter) bytes(bs ...byte)        { e.out.Write(bs) }
func (e *Emitter) imm32(v int32) {
	e.bytes(byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}
func (e *Emitter) imm8(v int8) { e.b1(byte(v)) }

// rex builds a REX prefix byte; w selects the 64-bit operand-size bit, r/x/b
// are the high bits of reg/index/rm field extensions (each 0 or 1).
func rex(w, r, x, b bool) byte {
	v := byte(0x40)
	if w {
		v |= 0x08
	}
	if r {
		v |= 0x04
	}
	if x {
		v |= 0x02
	}
	if b {
		v |= 0x01
	}
	return v
}

func needsRex(w bool, encodings ...uint8) bool {
	if w {
		return true
	}
	for _, e := range encodings {
		if e >= 8 {
			return true
		}
	}
	return false
}

// modrmDirect builds a mod=11 ModRM byte for a register-direct operand.
func modrmDirect(regField, rmField uint8) byte {
	return 0xC0 | ((regField & 7) << 3) | (rmField & 7)
}

// modrmDisp builds the ModRM (and trailing SIB if rmField selects RSP/R12,
// and trailing displacement bytes) for a [baseReg+disp] memory operand,
// the same three-way disp0/disp8/disp32 split the teacher's mem_ops.go
// hand-encodes.
func (e *Emitter) modrmDisp(regField, baseField uint8, disp int32) {
	rm := baseField & 7
	needsSIB := rm == 4
	switch {
	case disp == 0 && rm != 5:
		e.b1(0x00 | (regField&7)<<3 | rm)
		if needsSIB {
			e.b1(0x24)
		}
	case disp >= -128 && disp <= 127:
		e.b1(0x40 | (regField&7)<<3 | rm)
		if needsSIB {
			e.b1(0x24)
		}
		e.imm8(int8(disp))
	default:
		e.b1(0x80 | (regField&7)<<3 | rm)
		if needsSIB {
			e.b1(0x24)
		}
		e.imm32(disp)
	}
}
