package s2

import (
	"fmt"

	"github.com/nexaos/nvm/codegen"
	"github.com/nexaos/nvm/ir"
	"github.com/nexaos/nvm/jit/s1"
)

// ErrUnsupportedOp mirrors jit/s1's error for the same reason: reaching
// it means a rewrite pass produced an op this emitter has no template
// for, a pipeline bug rather than an expected runtime condition.
type ErrUnsupportedOp struct{ Op ir.Op }

func (e ErrUnsupportedOp) Error() string {
	return fmt.Sprintf("jit/s2: no code template for op %v", e.Op)
}

// Emit lowers one already-optimized block to host code, reusing
// jit/s1's register allocator and its prologue/epilogue/ABI (S2 shares
// the same calling convention and frame layout; only the instruction
// selection grows to cover the ISA-specific ops S2's rewriting stage
// can introduce). alloc must come from s1.Allocate(b) run after every
// other pass so live ranges reflect the final instruction list.
func Emit(b *ir.IrBlock, alloc s1.Allocation) ([]byte, error) {
	code, err := s1.Compile(b, alloc)
	if err == nil {
		return code, nil
	}

	var unsupported s1.ErrUnsupportedOp
	if !asUnsupportedOp(err, &unsupported) {
		return nil, err
	}

	return compileWithIsaOps(b, alloc)
}

func asUnsupportedOp(err error, out *s1.ErrUnsupportedOp) bool {
	e, ok := err.(s1.ErrUnsupportedOp)
	if ok {
		*out = e
	}

	return ok
}

// compileWithIsaOps re-emits a block whose instruction list contains at
// least one op jit/s1's template set doesn't cover. It duplicates the
// small, stable part of s1.Compile's ABI (prologue/epilogue, the
// vreg/storeResult spill helpers) rather than importing it, since
// Go gives no way to extend an unexported switch in another package;
// the two emitters are kept in lockstep by sharing the same frame
// layout constants (codegen.FramePointerReg/VCPUStateReg) and the same
// s1.Allocation shape.
func compileWithIsaOps(b *ir.IrBlock, alloc s1.Allocation) ([]byte, error) {
	buf := codegen.NewBuffer()
	fsize := s2FrameSize(len(alloc.Spills))

	emitS2Prologue(buf, fsize)

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

	destReg := func(dest ir.VReg, scratch codegen.HostReg) codegen.HostReg {
		if hr, ok := alloc.Regs[dest]; ok {
			return hr
		}

		return scratch
	}

	for _, instr := range b.Instrs {
		switch instr.Op {
		case ir.OpPopcnt, ir.OpLzcnt, ir.OpTzcnt:
			src := vreg(instr.Args[0], codegen.RAX)
			dst := destReg(instr.Dest, codegen.RAX)

			switch instr.Op {
			case ir.OpPopcnt:
				buf.EmitPopcnt(dst, src)
			case ir.OpLzcnt:
				buf.EmitLzcnt(dst, src)
			case ir.OpTzcnt:
				buf.EmitTzcnt(dst, src)
			}

			storeResult(instr.Dest, dst)

		case ir.OpConst:
			dst := destReg(instr.Dest, codegen.RAX)
			buf.EmitMovRegImm64(dst, uint64(instr.Imm))
			storeResult(instr.Dest, dst)

		case ir.OpLoadReg:
			dst := destReg(instr.Dest, codegen.RAX)
			buf.EmitLoadMem(dst, codegen.VCPUStateReg, regOffsetS2(instr.ArchReg))
			storeResult(instr.Dest, dst)

		case ir.OpStoreReg:
			src := vreg(instr.Args[0], codegen.RAX)
			buf.EmitStoreMem(codegen.VCPUStateReg, regOffsetS2(instr.ArchReg), src)

		case ir.OpAdd, ir.OpSub, ir.OpAnd, ir.OpOr, ir.OpXor, ir.OpCmp:
			lhs := vreg(instr.Args[0], codegen.RAX)
			rhs := vreg(instr.Args[1], codegen.RCX)

			if lhs != codegen.RAX {
				buf.EmitMovRegReg(codegen.RAX, lhs)
			}

			buf.EmitAluRegReg(aluForS2(instr.Op), codegen.RAX, rhs)

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

			buf.EmitShiftRegCL(shiftForS2(instr.Op), codegen.RAX)
			storeResult(instr.Dest, codegen.RAX)

		case ir.OpNop, ir.OpHlt:

		case ir.OpExit:
			emitS2Epilogue(buf, fsize, instr)

		default:
			return nil, ErrUnsupportedOp{Op: instr.Op}
		}
	}

	return buf.Finish()
}

func s2FrameSize(spills int) int32 {
	n := int32(spills) * 8
	if n%16 != 0 {
		n += 8
	}

	return n
}

func regOffsetS2(archReg uint8) int32 {
	var archRegSlot = [16]uint8{
		0: 0, 1: 2, 2: 3, 3: 1,
		4: 7, 5: 6, 6: 4, 7: 5,
		8: 8, 9: 9, 10: 10, 11: 11,
		12: 12, 13: 13, 14: 14, 15: 15,
	}

	if int(archReg) >= len(archRegSlot) {
		return 0
	}

	return int32(archRegSlot[archReg]) * 8
}

func aluForS2(op ir.Op) codegen.AluOp {
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

func shiftForS2(op ir.Op) codegen.ShiftOp {
	switch op {
	case ir.OpShl:
		return codegen.ShiftShl
	case ir.OpShr:
		return codegen.ShiftShr
	default:
		return codegen.ShiftSar
	}
}

func emitS2Prologue(buf *codegen.Buffer, fsize int32) {
	buf.EmitPush(codegen.FramePointerReg)
	buf.EmitMovRegReg(codegen.FramePointerReg, codegen.RSP)

	if fsize > 0 {
		buf.Emit(0x48)
		buf.Emit(0x81)
		buf.Emit(0xEC)
		buf.EmitU32(uint32(fsize))
	}

	buf.EmitMovRegReg(codegen.VCPUStateReg, codegen.RDI)
}

func emitS2Epilogue(buf *codegen.Buffer, fsize int32, exit ir.IrInstr) {
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
