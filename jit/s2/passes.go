package s2

import "github.com/nexaos/nvm/ir"

// valueKey identifies a pure instruction's computed value for GVN/CSE:
// two instructions with the same op, immediate and argument list always
// produce the same result, so the second can be replaced by a
// reference to the first's vreg.
type valueKey struct {
	op   ir.Op
	imm  int64
	args [2]ir.VReg
	argN int
}

func keyOf(instr ir.IrInstr) (valueKey, bool) {
	if !instr.Effect.Has(ir.EffectPure) || len(instr.Args) > 2 {
		return valueKey{}, false
	}

	k := valueKey{op: instr.Op, imm: instr.Imm, argN: len(instr.Args)}
	copy(k.args[:], instr.Args)

	return k, true
}

// GVNCSE performs global value numbering / common subexpression
// elimination within a single block: redundant pure computations are
// rewritten as uses of the first occurrence's result, and the
// redundant instruction is dropped. Returns the number of instructions
// eliminated.
func GVNCSE(b *ir.IrBlock) int {
	seen := make(map[valueKey]ir.VReg)
	replace := make(map[ir.VReg]ir.VReg)

	out := b.Instrs[:0]
	eliminated := 0

	for _, instr := range b.Instrs {
		remapArgs(&instr, replace)

		if key, ok := keyOf(instr); ok {
			if existing, found := seen[key]; found {
				replace[instr.Dest] = existing
				eliminated++

				continue
			}

			seen[key] = instr.Dest
		}

		out = append(out, instr)
	}

	b.Instrs = out

	return eliminated
}

func remapArgs(instr *ir.IrInstr, replace map[ir.VReg]ir.VReg) {
	for i, a := range instr.Args {
		if r, ok := replace[a]; ok {
			instr.Args[i] = r
		}
	}

	for i, pi := range instr.PhiInputs {
		if r, ok := replace[pi.Value]; ok {
			instr.PhiInputs[i].Value = r
		}
	}
}

// DCE removes pure instructions whose result is never read by a later
// instruction, a phi, or the block's own terminator operands. It makes
// one backward pass so an instruction only kept alive by another
// dead instruction is correctly pruned too.
func DCE(b *ir.IrBlock) int {
	used := make(map[ir.VReg]bool)

	for _, instr := range b.Instrs {
		for _, a := range instr.Args {
			used[a] = true
		}
		for _, pi := range instr.PhiInputs {
			used[pi.Value] = true
		}
	}

	kept := make([]ir.IrInstr, 0, len(b.Instrs))
	removed := 0

	for i := len(b.Instrs) - 1; i >= 0; i-- {
		instr := b.Instrs[i]

		if instr.Effect.Has(ir.EffectPure) && instr.Dest != ir.InvalidVReg && !used[instr.Dest] {
			removed++
			continue
		}

		for _, a := range instr.Args {
			used[a] = true
		}

		kept = append(kept, instr)
	}

	// kept was built in reverse.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	b.Instrs = kept

	return removed
}

// StrengthReduce rewrites multiply-by-constant-power-of-two into a
// shift, the one strength reduction cheap enough to be unconditionally
// profitable without profile data.
func StrengthReduce(b *ir.IrBlock) int {
	reduced := 0

	for i, instr := range b.Instrs {
		if instr.Op != ir.OpMul && instr.Op != ir.OpIMul {
			continue
		}

		if len(instr.Args) != 2 {
			continue
		}

		shiftAmt, ok := constShiftOperand(b, instr.Args[1])
		if !ok {
			continue
		}

		b.Instrs[i].Op = ir.OpShl
		b.Instrs[i].Args[1] = shiftAmt
		reduced++
	}

	return reduced
}

// constShiftOperand looks for a prior OpConst defining vreg whose
// immediate is a power of two, and returns a vreg holding its log2 to
// use as the shift amount — reusing the existing const instruction
// when possible rather than emitting a new one mid-loop.
func constShiftOperand(b *ir.IrBlock, vreg ir.VReg) (ir.VReg, bool) {
	for i := range b.Instrs {
		instr := &b.Instrs[i]
		if instr.Dest != vreg || instr.Op != ir.OpConst {
			continue
		}

		n := instr.Imm
		if n <= 0 || n&(n-1) != 0 {
			return 0, false
		}

		shift := int64(0)
		for n > 1 {
			n >>= 1
			shift++
		}

		instr.Imm = shift

		return vreg, true
	}

	return 0, false
}

// LICM hoists loop-invariant pure instructions out of a loop's body
// blocks. Without an explicit preheader block in the region, invariant
// instructions are relocated to the front of the region's entry block
// (which necessarily dominates every loop, since it dominates every
// block) rather than a freshly synthesized preheader — a simplification
// documented in DESIGN.md.
func LICM(region *ir.IrRegion, loops []Loop) int {
	if len(region.Blocks) == 0 {
		return 0
	}

	entry := region.Blocks[0]
	hoisted := 0

	for _, loop := range loops {
		definedOutside := make(map[ir.VReg]bool)
		for _, blk := range region.Blocks {
			if loop.Body[blk.ID] {
				continue
			}
			for _, instr := range blk.Instrs {
				if instr.Dest != ir.InvalidVReg {
					definedOutside[instr.Dest] = true
				}
			}
		}

		for _, blk := range region.Blocks {
			if !loop.Body[blk.ID] || blk.ID == loop.Header {
				continue
			}

			remaining := blk.Instrs[:0]

			for _, instr := range blk.Instrs {
				if isLoopInvariant(instr, definedOutside) {
					entry.Instrs = append([]ir.IrInstr{instr}, entry.Instrs...)
					definedOutside[instr.Dest] = true
					hoisted++

					continue
				}

				remaining = append(remaining, instr)
			}

			blk.Instrs = remaining
		}
	}

	return hoisted
}

func isLoopInvariant(instr ir.IrInstr, definedOutside map[ir.VReg]bool) bool {
	if !instr.Effect.Has(ir.EffectPure) || instr.Dest == ir.InvalidVReg {
		return false
	}

	for _, a := range instr.Args {
		if !definedOutside[a] {
			return false
		}
	}

	return true
}
