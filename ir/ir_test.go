package ir_test

import (
	"testing"

	"github.com/nexaos/nvm/ir"
)

func TestEmitAllocatesVReg(t *testing.T) {
	t.Parallel()

	r := ir.NewRegion()
	b := r.NewBlock(0x1000)

	v1 := r.Emit(b, ir.IrInstr{Op: ir.OpConst, Imm: 42, Effect: ir.EffectPure})
	v2 := r.Emit(b, ir.IrInstr{Op: ir.OpAdd, Args: []ir.VReg{v1, v1}, Effect: ir.EffectPure})

	if v1 == v2 {
		t.Fatalf("expected distinct vregs, got %d and %d", v1, v2)
	}

	if len(b.Instrs) != 2 {
		t.Fatalf("expected 2 instructions, got %d", len(b.Instrs))
	}
}

func TestStoreHasNoResult(t *testing.T) {
	t.Parallel()

	r := ir.NewRegion()
	b := r.NewBlock(0)

	dest := r.Emit(b, ir.IrInstr{Op: ir.OpStoreReg, ArchReg: 0, Effect: ir.EffectSideEffect})
	if dest != ir.InvalidVReg {
		t.Fatalf("store should not allocate a result vreg, got %d", dest)
	}
}

func TestTerminatorDetection(t *testing.T) {
	t.Parallel()

	r := ir.NewRegion()
	b := r.NewBlock(0)

	if _, ok := b.Terminator(); ok {
		t.Fatalf("empty block should report no terminator")
	}

	r.Emit(b, ir.IrInstr{Op: ir.OpConst, Imm: 1, Effect: ir.EffectPure})
	r.Emit(b, ir.IrInstr{Op: ir.OpReturn, Effect: ir.EffectTerminator})

	term, ok := b.Terminator()
	if !ok || term.Op != ir.OpReturn {
		t.Fatalf("expected return terminator, got %+v ok=%v", term, ok)
	}
}

func TestBlockResolution(t *testing.T) {
	t.Parallel()

	r := ir.NewRegion()
	b0 := r.NewBlock(0x1000)
	b1 := r.NewBlock(0x2000)

	if r.Block(b0.ID) != b0 || r.Block(b1.ID) != b1 {
		t.Fatalf("block lookup by id mismatch")
	}

	if r.Block(ir.BlockID(99)) != nil {
		t.Fatalf("out-of-range block id should resolve to nil")
	}
}

func TestExitReasonEncoding(t *testing.T) {
	t.Parallel()

	reason := ir.ExitReason{Kind: ir.ExitIoWrite, Port: 0x3F8, Size: 1, Value: 'A', HasValue: true}
	encoded := reason.Encode(0xFFFF0)

	if got := encoded >> 56; ir.ExitKind(got) != ir.ExitIoWrite {
		t.Fatalf("expected top byte to carry the exit kind, got %#x", got)
	}

	if got := encoded &^ (uint64(0xFF) << 56); got != 0xFFFF0 {
		t.Fatalf("expected low bytes to carry next rip, got %#x", got)
	}
}

func TestPhiInputsPreserveOrder(t *testing.T) {
	t.Parallel()

	r := ir.NewRegion()
	entry := r.NewBlock(0)
	loop := r.NewBlock(0x10)

	loop.Preds = []ir.BlockID{entry.ID, loop.ID}

	v0 := r.Emit(entry, ir.IrInstr{Op: ir.OpConst, Imm: 0, Effect: ir.EffectPure})
	phi := r.Emit(loop, ir.IrInstr{
		Op: ir.OpPhi,
		PhiInputs: []ir.PhiInput{
			{Pred: entry.ID, Value: v0},
		},
		Effect: ir.EffectPure,
	})

	if phi == ir.InvalidVReg {
		t.Fatalf("phi should allocate a result vreg")
	}

	if loop.Instrs[0].PhiInputs[0].Pred != entry.ID {
		t.Fatalf("phi input predecessor mismatch")
	}
}
