// Package s1 is the baseline JIT tier: a single forward pass that
// lowers a decoded instruction block straight into small template IR
// sequences, allocates host registers with a linear-scan eager-spill
// allocator, and emits code behind the same (exit_kind<<56)|next_rip
// ABI every tier shares. Its job is breadth and compile speed, not
// optimization — S2 is where that happens once a block runs hot
// enough.
package s1

import (
	"github.com/nexaos/nvm/decoder"
	"github.com/nexaos/nvm/ir"
)

// archReg maps a decoder.Register GPR index to the vCPU-state ArchReg
// tag IrInstr.LoadReg/StoreReg use; the decoder and vcpu packages both
// number GPRs RAX..R15 as 0..15, so this is the identity today, kept as
// a named function so a future architectural-state layout change has a
// single place to adapt.
func archReg(index uint8) uint8 { return index }

// Lower builds a single-block IrRegion from a decoded instruction
// sequence, emitting a short template IR sequence per guest instruction
// for the template-coverable subset and an Exit(Exception(UD)) for
// anything else, per spec.md 4.4's "unsupported opcode compiles to a
// guaranteed-safe exit" rule rather than failing compilation outright.
func Lower(instrs []decoder.DecodedInstr, entryRIP uint64) *ir.IrRegion {
	region := ir.NewRegion()
	b := region.NewBlock(entryRIP)

	for _, in := range instrs {
		lowerOne(region, b, in)
	}

	if _, ok := b.Terminator(); !ok {
		// DecodeBlock always stops at a control-flow instruction or a
		// budget limit; a budget-limited block falls through to
		// whatever guest RIP follows the last decoded instruction.
		nextRIP := entryRIP
		if n := len(instrs); n > 0 {
			last := instrs[n-1]
			nextRIP = last.RIP + uint64(last.Len)
		}

		region.Emit(b, ir.IrInstr{
			Op:         ir.OpExit,
			Exit:       ir.ExitReason{Kind: ir.ExitNormal},
			RIP:        nextRIP,
			CallTarget: nextRIP,
			Effect:     ir.EffectTerminator,
		})
	}

	return region
}

func lowerOne(region *ir.IrRegion, b *ir.IrBlock, in decoder.DecodedInstr) {
	switch in.Mnemonic {
	case decoder.Nop:
		region.Emit(b, ir.IrInstr{Op: ir.OpNop, RIP: in.RIP, Effect: ir.EffectPure})

	case decoder.Hlt:
		region.Emit(b, ir.IrInstr{Op: ir.OpHlt, RIP: in.RIP, Effect: ir.EffectSideEffect})
		region.Emit(b, ir.IrInstr{
			Op: ir.OpExit, RIP: in.RIP, Effect: ir.EffectTerminator,
			Exit: ir.ExitReason{Kind: ir.ExitHalt},
		})

	case decoder.Mov:
		lowerMov(region, b, in)

	case decoder.Add, decoder.Sub, decoder.And, decoder.Or, decoder.Xor:
		lowerBinaryArith(region, b, in)

	case decoder.Cmp:
		lowerCmp(region, b, in)

	case decoder.Jmp:
		lowerJmp(region, b, in)

	case decoder.Ret:
		region.Emit(b, ir.IrInstr{
			Op: ir.OpExit, RIP: in.RIP, Effect: ir.EffectTerminator,
			Exit: ir.ExitReason{Kind: ir.ExitNormal},
		})

	case decoder.Call:
		lowerCall(region, b, in)

	case decoder.In:
		lowerIn(region, b, in)

	case decoder.Out:
		lowerOut(region, b, in)

	default:
		// Anything else (including vexCoded and the full SIMD surface
		// this tier never attempts) ends the block with an invalid-opcode
		// (#UD) exit rather than failing the whole block's compilation.
		region.Emit(b, ir.IrInstr{
			Op: ir.OpExit, RIP: in.RIP, Effect: ir.EffectTerminator,
			Exit: ir.ExitReason{Kind: ir.ExitException, Vector: uint8(6)}, // #UD
		})
	}
}

func operandReg(op decoder.Operand) (uint8, bool) {
	if op.Kind == decoder.OperandReg && op.Reg.Kind == decoder.RegGPR {
		return op.Reg.Index, true
	}

	return 0, false
}

func lowerMov(region *ir.IrRegion, b *ir.IrBlock, in decoder.DecodedInstr) {
	if in.NumOperands < 2 {
		return
	}

	dst, src := in.Operands[0], in.Operands[1]

	var value ir.VReg

	switch src.Kind {
	case decoder.OperandImm:
		value = region.Emit(b, ir.IrInstr{Op: ir.OpConst, Imm: src.Imm, RIP: in.RIP, Effect: ir.EffectPure})
	case decoder.OperandReg:
		if reg, ok := operandReg(src); ok {
			value = region.Emit(b, ir.IrInstr{Op: ir.OpLoadReg, ArchReg: archReg(reg), RIP: in.RIP, Effect: ir.EffectPure})
		}
	case decoder.OperandMem:
		value = lowerMemLoad(region, b, in, src.Mem)
	}

	if dstReg, ok := operandReg(dst); ok {
		region.Emit(b, ir.IrInstr{
			Op: ir.OpStoreReg, Args: []ir.VReg{value}, ArchReg: archReg(dstReg), RIP: in.RIP, Effect: ir.EffectSideEffect,
		})
	} else if dst.Kind == decoder.OperandMem {
		lowerMemStore(region, b, in, dst.Mem, value)
	}
}

func lowerMemLoad(region *ir.IrRegion, b *ir.IrBlock, in decoder.DecodedInstr, mem decoder.MemOp) ir.VReg {
	addr := memAddrVReg(region, b, in, mem)

	return region.Emit(b, ir.IrInstr{Op: ir.OpLoad, Args: []ir.VReg{addr}, Width: mem.Size, RIP: in.RIP, Effect: ir.EffectMemoryRead})
}

func lowerMemStore(region *ir.IrRegion, b *ir.IrBlock, in decoder.DecodedInstr, mem decoder.MemOp, value ir.VReg) {
	addr := memAddrVReg(region, b, in, mem)
	region.Emit(b, ir.IrInstr{Op: ir.OpStore, Args: []ir.VReg{addr, value}, Width: mem.Size, RIP: in.RIP, Effect: ir.EffectMemoryWrite})
}

// memAddrVReg computes an effective address as a single VReg: base (if
// any) plus scaled index (if any) plus displacement, each step folded
// through an explicit Add so later passes can still see the components.
func memAddrVReg(region *ir.IrRegion, b *ir.IrBlock, in decoder.DecodedInstr, mem decoder.MemOp) ir.VReg {
	addr := region.Emit(b, ir.IrInstr{Op: ir.OpConst, Imm: mem.Disp, RIP: in.RIP, Effect: ir.EffectPure})

	if mem.Base != nil {
		var base ir.VReg
		if mem.Base.Kind == decoder.RegRIP {
			base = region.Emit(b, ir.IrInstr{Op: ir.OpLoadRIP, RIP: in.RIP, Effect: ir.EffectPure})
		} else {
			base = region.Emit(b, ir.IrInstr{Op: ir.OpLoadReg, ArchReg: archReg(mem.Base.Index), RIP: in.RIP, Effect: ir.EffectPure})
		}

		addr = region.Emit(b, ir.IrInstr{Op: ir.OpAdd, Args: []ir.VReg{addr, base}, RIP: in.RIP, Effect: ir.EffectPure})
	}

	if mem.Index != nil {
		idx := region.Emit(b, ir.IrInstr{Op: ir.OpLoadReg, ArchReg: archReg(mem.Index.Index), RIP: in.RIP, Effect: ir.EffectPure})

		if mem.Scale > 1 {
			shiftAmt := region.Emit(b, ir.IrInstr{Op: ir.OpConst, Imm: log2(mem.Scale), RIP: in.RIP, Effect: ir.EffectPure})
			idx = region.Emit(b, ir.IrInstr{Op: ir.OpShl, Args: []ir.VReg{idx, shiftAmt}, RIP: in.RIP, Effect: ir.EffectPure})
		}

		addr = region.Emit(b, ir.IrInstr{Op: ir.OpAdd, Args: []ir.VReg{addr, idx}, RIP: in.RIP, Effect: ir.EffectPure})
	}

	return addr
}

func log2(n uint8) int64 {
	var e int64
	for n > 1 {
		n >>= 1
		e++
	}

	return e
}

func arithOp(m decoder.Mnemonic) ir.Op {
	switch m {
	case decoder.Add:
		return ir.OpAdd
	case decoder.Sub:
		return ir.OpSub
	case decoder.And:
		return ir.OpAnd
	case decoder.Or:
		return ir.OpOr
	case decoder.Xor:
		return ir.OpXor
	default:
		return ir.OpInvalid
	}
}

func lowerBinaryArith(region *ir.IrRegion, b *ir.IrBlock, in decoder.DecodedInstr) {
	if in.NumOperands < 2 {
		return
	}

	dst, src := in.Operands[0], in.Operands[1]

	dstReg, ok := operandReg(dst)
	if !ok {
		return
	}

	lhs := region.Emit(b, ir.IrInstr{Op: ir.OpLoadReg, ArchReg: archReg(dstReg), RIP: in.RIP, Effect: ir.EffectPure})

	var rhs ir.VReg
	switch src.Kind {
	case decoder.OperandImm:
		rhs = region.Emit(b, ir.IrInstr{Op: ir.OpConst, Imm: src.Imm, RIP: in.RIP, Effect: ir.EffectPure})
	case decoder.OperandReg:
		if reg, ok := operandReg(src); ok {
			rhs = region.Emit(b, ir.IrInstr{Op: ir.OpLoadReg, ArchReg: archReg(reg), RIP: in.RIP, Effect: ir.EffectPure})
		}
	case decoder.OperandMem:
		rhs = lowerMemLoad(region, b, in, src.Mem)
	}

	result := region.Emit(b, ir.IrInstr{Op: arithOp(in.Mnemonic), Args: []ir.VReg{lhs, rhs}, RIP: in.RIP, Effect: ir.EffectPure})
	region.Emit(b, ir.IrInstr{Op: ir.OpStoreReg, Args: []ir.VReg{result}, ArchReg: archReg(dstReg), RIP: in.RIP, Effect: ir.EffectSideEffect})
}

func lowerCmp(region *ir.IrRegion, b *ir.IrBlock, in decoder.DecodedInstr) {
	if in.NumOperands < 2 {
		return
	}

	dst, src := in.Operands[0], in.Operands[1]

	dstReg, ok := operandReg(dst)
	if !ok {
		return
	}

	lhs := region.Emit(b, ir.IrInstr{Op: ir.OpLoadReg, ArchReg: archReg(dstReg), RIP: in.RIP, Effect: ir.EffectPure})

	var rhs ir.VReg
	if src.Kind == decoder.OperandImm {
		rhs = region.Emit(b, ir.IrInstr{Op: ir.OpConst, Imm: src.Imm, RIP: in.RIP, Effect: ir.EffectPure})
	} else if reg, ok := operandReg(src); ok {
		rhs = region.Emit(b, ir.IrInstr{Op: ir.OpLoadReg, ArchReg: archReg(reg), RIP: in.RIP, Effect: ir.EffectPure})
	}

	region.Emit(b, ir.IrInstr{Op: ir.OpCmp, Args: []ir.VReg{lhs, rhs}, CompareKind: ir.CmpEQ, RIP: in.RIP, Effect: ir.EffectPure})
}

func lowerJmp(region *ir.IrRegion, b *ir.IrBlock, in decoder.DecodedInstr) {
	target := in.RIP + uint64(in.Len)
	if in.NumOperands > 0 && in.Operands[0].Kind == decoder.OperandRel {
		target = uint64(int64(in.RIP) + int64(in.Len) + in.Operands[0].Rel)
	}

	region.Emit(b, ir.IrInstr{
		Op: ir.OpExit, RIP: in.RIP, Effect: ir.EffectTerminator,
		Exit: ir.ExitReason{Kind: ir.ExitNormal}, CallTarget: target,
	})
}

func lowerCall(region *ir.IrRegion, b *ir.IrBlock, in decoder.DecodedInstr) {
	// S1 never inlines: a call always exits the compiled block so the
	// dispatcher can resolve the target (direct or indirect) and
	// re-enter the code cache, per spec.md 4.4.
	target := uint64(0)
	if in.NumOperands > 0 && in.Operands[0].Kind == decoder.OperandRel {
		target = uint64(int64(in.RIP) + int64(in.Len) + in.Operands[0].Rel)
	}

	region.Emit(b, ir.IrInstr{
		Op: ir.OpExit, RIP: in.RIP, Effect: ir.EffectTerminator,
		Exit: ir.ExitReason{Kind: ir.ExitNormal}, CallTarget: target,
	})
}

func lowerIn(region *ir.IrRegion, b *ir.IrBlock, in decoder.DecodedInstr) {
	port := uint16(0)
	if in.NumOperands > 1 && in.Operands[1].Kind == decoder.OperandImm {
		port = uint16(in.Operands[1].Imm)
	}

	region.Emit(b, ir.IrInstr{
		Op: ir.OpExit, RIP: in.RIP, Effect: ir.EffectTerminator,
		Exit: ir.ExitReason{Kind: ir.ExitIoRead, Port: port, Size: in.Operands[0].Mem.Size},
	})
}

func lowerOut(region *ir.IrRegion, b *ir.IrBlock, in decoder.DecodedInstr) {
	port := uint16(0)
	if in.NumOperands > 0 && in.Operands[0].Kind == decoder.OperandImm {
		port = uint16(in.Operands[0].Imm)
	}

	region.Emit(b, ir.IrInstr{
		Op: ir.OpExit, RIP: in.RIP, Effect: ir.EffectTerminator,
		Exit: ir.ExitReason{Kind: ir.ExitIoWrite, Port: port},
	})
}
