package s1

import (
	"fmt"

	"github.com/nexaos/nvm/codegen"
	"github.com/nexaos/nvm/ir"
)

// archRegSlot maps an x86 GPR encoding index (0=RAX..7=RDI, 8-15=R8-R15,
// the same numbering decoder.Register.Index and vcpu.GuestRegisters.GPR
// use) to its offset slot in vcpu.GuestRegisters.ToArray's canonical
// layout, which differs in field order from the raw encoding (RBX/RCX
// and RSP/RBP/RSI/RDI are not in encoding order there). Both S1 and S2
// address the vCPU-state block through this same table.
var archRegSlot = [16]uint8{
	0: 0, 1: 2, 2: 3, 3: 1,
	4: 7, 5: 6, 6: 4, 7: 5,
	8: 8, 9: 9, 10: 10, 11: 11,
	12: 12, 13: 13, 14: 14, 15: 15,
}

func regOffset(archReg uint8) int32 {
	if int(archReg) >= len(archRegSlot) {
		return 0
	}

	return int32(archRegSlot[archReg]) * 8
}

const ripOffset int32 = 16 * 8

// ErrUnsupportedOp is returned when a block's IR uses an operation the
// S1 emitter has no template for; Lower is responsible for never
// producing one of these on the fast path, so reaching this is a bug
// in the lowering step rather than an expected runtime condition.
type ErrUnsupportedOp struct{ Op ir.Op }

func (e ErrUnsupportedOp) Error() string {
	return fmt.Sprintf("jit/s1: no code template for op %v", e.Op)
}

// frameSize rounds the spill area up to a 16-byte-aligned stack frame,
// matching the System V AMD64 ABI's alignment requirement at call
// boundaries.
func frameSize(spills int) int32 {
	n := int32(spills) * 8
	if n%16 != 0 {
		n += 8
	}

	return n
}

// Compile emits host machine code for a single IR block using a
// previously computed Allocation. The generated function takes the
// vCPU-state pointer in RDI (the System V AMD64 ABI's first integer
// argument register) and returns the packed (exit_kind<<56)|next_rip
// word in RAX, per spec.md 6's ABI contract.
func Compile(b *ir.IrBlock, alloc Allocation) ([]byte, error) {
	buf := codegen.NewBuffer()
	fsize := frameSize(len(alloc.Spills))

	emitPrologue(buf, fsize)

	vreg := func(v ir.VReg, scratch codegen.HostReg) codegen.HostReg {
		if reg, ok := alloc.Regs[v]; ok {
			return reg
		}

		buf.EmitLoadMem(scratch, codegen.FramePointerReg, alloc.SlotOf(v))

		return scratch
	}

	storeResult := func(dest ir.VReg, reg codegen.HostReg) {
		if hr, ok := alloc.Regs[dest]; ok {
			if hr != reg {
				buf.EmitMovRegReg(hr, reg)
			}

			return
		}

		buf.EmitStoreMem(codegen.FramePointerReg, alloc.SlotOf(dest), reg)
	}

	for _, instr := range b.Instrs {
		switch instr.Op {
		case ir.OpConst:
			dst := destReg(alloc, instr.Dest, codegen.RAX)
			buf.EmitMovRegImm64(dst, uint64(instr.Imm))
			storeResult(instr.Dest, dst)

		case ir.OpLoadReg:
			dst := destReg(alloc, instr.Dest, codegen.RAX)
			buf.EmitLoadMem(dst, codegen.VCPUStateReg, regOffset(instr.ArchReg))
			storeResult(instr.Dest, dst)

		case ir.OpStoreReg:
			src := vreg(instr.Args[0], codegen.RAX)
			buf.EmitStoreMem(codegen.VCPUStateReg, regOffset(instr.ArchReg), src)

		case ir.OpLoadRIP:
			dst := destReg(alloc, instr.Dest, codegen.RAX)
			buf.EmitLoadMem(dst, codegen.VCPUStateReg, ripOffset)
			storeResult(instr.Dest, dst)

		case ir.OpAdd, ir.OpSub, ir.OpAnd, ir.OpOr, ir.OpXor, ir.OpCmp:
			lhs := vreg(instr.Args[0], codegen.RAX)
			rhs := vreg(instr.Args[1], codegen.RCX)

			if lhs != codegen.RAX {
				buf.EmitMovRegReg(codegen.RAX, lhs)
			}

			buf.EmitAluRegReg(aluFor(instr.Op), codegen.RAX, rhs)

			if instr.Op != ir.OpCmp {
				storeResult(instr.Dest, codegen.RAX)
			}

		case ir.OpShl, ir.OpShr, ir.OpSar:
			lhs := vreg(instr.Args[0], codegen.RAX)
			amt := vreg(instr.Args[1], codegen.RCX)

			if lhs != codegen.RAX {
				buf.EmitMovRegReg(codegen.RAX, lhs)
			}
			if amt != codegen.RCX {
				buf.EmitMovRegReg(codegen.RCX, amt)
			}

			buf.EmitShiftRegCL(shiftFor(instr.Op), codegen.RAX)
			storeResult(instr.Dest, codegen.RAX)

		case ir.OpNop, ir.OpHlt:
			// No host code: Hlt's control-transfer effect is carried by
			// the Exit instruction S1 always emits right after it.

		case ir.OpExit:
			emitEpilogue(buf, fsize, instr)

		default:
			return nil, ErrUnsupportedOp{Op: instr.Op}
		}
	}

	return buf.Finish()
}

func destReg(alloc Allocation, dest ir.VReg, scratch codegen.HostReg) codegen.HostReg {
	if hr, ok := alloc.Regs[dest]; ok {
		return hr
	}

	return scratch
}

func aluFor(op ir.Op) codegen.AluOp {
	switch op {
	case ir.OpAdd:
		return codegen.AluAdd
	case ir.OpSub:
		return codegen.AluSub
	case ir.OpAnd:
		return codegen.AluAnd
	case ir.OpOr:
		return codegen.AluOr
	case ir.OpXor:
		return codegen.AluXor
	default:
		return codegen.AluCmp
	}
}

func shiftFor(op ir.Op) codegen.ShiftOp {
	switch op {
	case ir.OpShl:
		return codegen.ShiftShl
	case ir.OpShr:
		return codegen.ShiftShr
	default:
		return codegen.ShiftSar
	}
}

func emitPrologue(buf *codegen.Buffer, fsize int32) {
	buf.EmitPush(codegen.FramePointerReg)
	buf.EmitMovRegReg(codegen.FramePointerReg, codegen.RSP)

	if fsize > 0 {
		// sub rsp, fsize (encoded as `add rsp, -fsize` via the shared
		// ALU-reg-reg helper would require a second register; instead
		// this is the one place the emitter falls back to a raw
		// opcode for an imm32 ALU form).
		buf.Emit(0x48)
		buf.Emit(0x81)
		buf.Emit(0xEC)
		buf.EmitU32(uint32(fsize))
	}

	buf.EmitMovRegReg(codegen.VCPUStateReg, codegen.RDI)
}

func emitEpilogue(buf *codegen.Buffer, fsize int32, exit ir.IrInstr) {
	word := exit.Exit.Encode(exit.CallTarget)
	buf.EmitMovRegImm64(codegen.RAX, word)

	if fsize > 0 {
		buf.Emit(0x48)
		buf.Emit(0x81)
		buf.Emit(0xC4)
		buf.EmitU32(uint32(fsize))
	}

	buf.EmitPop(codegen.FramePointerReg)
	buf.EmitRet()
}
