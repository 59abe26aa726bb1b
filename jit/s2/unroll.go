package s2

import "github.com/nexaos/nvm/ir"

// UnrollLoops fully unrolls single-block self-loops whose trip count is
// a compile-time constant: an induction variable carried through a phi,
// incremented by a constant step each iteration, compared against a
// constant bound. This is the common "for (i = 0; i < N; i++)" shape
// once a guest loop has been profiled into one region; anything wider
// (multi-block bodies, runtime-dependent bounds) is left untouched
// rather than guessed at, so LoopsUnrolled only counts loops actually
// eliminated.
func UnrollLoops(region *ir.IrRegion, loops []Loop, maxUnroll uint32) int {
	unrolled := 0

	for _, loop := range loops {
		if len(loop.Body) != 1 {
			continue
		}

		header := region.Block(loop.Header)
		if header == nil {
			continue
		}

		if tryUnrollSelfLoop(region, header, maxUnroll) {
			unrolled++
		}
	}

	return unrolled
}

type countedLoop struct {
	phiDest   ir.VReg
	init      int64
	step      int64
	bound     int64
	cmpIsLT   bool // true: continue while counter < bound, false: <=
	bodyStart int   // index of first non-phi instruction
	branchIdx int
	incIdx    int // index of the phiDest+step increment, excluded from the cloned body
	boundIdx  int // index of the bound's defining const, excluded from the cloned body
}

func tryUnrollSelfLoop(region *ir.IrRegion, header *ir.IrBlock, maxUnroll uint32) bool {
	cl, ok := analyzeCountedLoop(region, header)
	if !ok {
		return false
	}

	trips := tripCount(cl)
	if trips <= 0 || uint32(trips) > maxUnroll {
		return false
	}

	exitBlock := otherSuccessor(header, header.ID)

	body := make([]ir.IrInstr, 0, cl.branchIdx-cl.bodyStart)
	for i := cl.bodyStart; i < cl.branchIdx; i++ {
		if i == cl.incIdx || i == cl.boundIdx {
			continue
		}
		body = append(body, header.Instrs[i])
	}

	var straightLine []ir.IrInstr

	counter := cl.init
	remap := map[ir.VReg]ir.VReg{}
	remap[cl.phiDest] = region.NewVReg()
	straightLine = append(straightLine, ir.IrInstr{Op: ir.OpConst, Dest: remap[cl.phiDest], Imm: counter, Effect: ir.EffectPure})

	for it := int64(0); it < trips; it++ {
		for _, instr := range body {
			clone := instr
			clone.Args = append([]ir.VReg(nil), instr.Args...)

			for i, a := range clone.Args {
				if r, ok := remap[a]; ok {
					clone.Args[i] = r
				}
			}

			if clone.Dest != ir.InvalidVReg {
				newDest := region.NewVReg()
				remap[clone.Dest] = newDest
				clone.Dest = newDest
			}

			straightLine = append(straightLine, clone)
		}

		counter += cl.step
		nextCounter := region.NewVReg()
		straightLine = append(straightLine, ir.IrInstr{Op: ir.OpConst, Dest: nextCounter, Imm: counter, Effect: ir.EffectPure})
		remap[cl.phiDest] = nextCounter
	}

	straightLine = append(straightLine, ir.IrInstr{
		Op: ir.OpJump, TrueBlock: exitBlock, Effect: ir.EffectTerminator,
	})

	header.Instrs = straightLine

	return true
}

func analyzeCountedLoop(region *ir.IrRegion, header *ir.IrBlock) (countedLoop, bool) {
	term, ok := header.Terminator()
	if !ok || term.Op != ir.OpBranch {
		return countedLoop{}, false
	}

	if term.TrueBlock != header.ID {
		return countedLoop{}, false
	}

	if len(term.Args) != 2 {
		return countedLoop{}, false
	}

	branchIdx := len(header.Instrs) - 1

	var phi *ir.IrInstr
	phiIdx := -1

	for i, instr := range header.Instrs {
		if instr.Op == ir.OpPhi && instr.Dest == term.Args[0] {
			phi = &header.Instrs[i]
			phiIdx = i
			break
		}
	}

	if phi == nil || len(phi.PhiInputs) != 2 {
		return countedLoop{}, false
	}

	var init, step int64
	var haveInit, haveStep bool
	incIdx := -1

	// The induction variable's initial value is defined wherever the
	// entry edge comes from, usually a different (preheader) block, so
	// these lookups search the whole region by VReg rather than one
	// block's instruction list.
	for _, in := range phi.PhiInputs {
		if in.Pred == header.ID {
			if s, idx, ok := stepOf(header, in.Value, phi.Dest); ok {
				step, haveStep, incIdx = s, true, idx
			}
		} else if iv, ok := constDefInRegion(region, in.Value); ok {
			init, haveInit = iv, true
		}
	}

	if !haveInit || !haveStep {
		return countedLoop{}, false
	}

	bound, boundIdx, ok := constDefIndexOf(header, term.Args[1])
	if !ok {
		// The bound may also come from outside header (e.g. hoisted by
		// LICM into the entry block); accept it without an in-header
		// index to exclude, since it cannot then appear in header's body
		// range anyway.
		if b, ok2 := constDefInRegion(region, term.Args[1]); ok2 {
			bound, ok = b, true
			boundIdx = -1
		}
	}
	if !ok {
		return countedLoop{}, false
	}

	return countedLoop{
		phiDest:   phi.Dest,
		init:      init,
		step:      step,
		bound:     bound,
		cmpIsLT:   term.CompareKind == ir.CmpLT || term.CompareKind == ir.CmpULT,
		bodyStart: phiIdx + 1,
		branchIdx: branchIdx,
		incIdx:    incIdx,
		boundIdx:  boundIdx,
	}, true
}

func constDefOf(b *ir.IrBlock, v ir.VReg) (int64, bool) {
	k, _, ok := constDefIndexOf(b, v)
	return k, ok
}

func constDefIndexOf(b *ir.IrBlock, v ir.VReg) (int64, int, bool) {
	for i, instr := range b.Instrs {
		if instr.Dest == v && instr.Op == ir.OpConst {
			return instr.Imm, i, true
		}
	}

	return 0, -1, false
}

// constDefInRegion searches every block for v's defining OpConst; SSA
// Dest values are unique across the whole region, so this always finds
// the right instruction regardless of which block produced it.
func constDefInRegion(region *ir.IrRegion, v ir.VReg) (int64, bool) {
	for _, blk := range region.Blocks {
		if k, ok := constDefOf(blk, v); ok {
			return k, ok
		}
	}

	return 0, false
}

// stepOf reports whether v is defined as phiDest + const within b, and
// if so returns the constant and the defining instruction's index.
func stepOf(b *ir.IrBlock, v, phiDest ir.VReg) (int64, int, bool) {
	for i, instr := range b.Instrs {
		if instr.Dest != v || instr.Op != ir.OpAdd || len(instr.Args) != 2 {
			continue
		}

		for argI, a := range instr.Args {
			if a != phiDest {
				continue
			}

			other := instr.Args[1-argI]
			if k, ok := constDefOf(b, other); ok {
				return k, i, true
			}
		}
	}

	return 0, -1, false
}

func tripCount(cl countedLoop) int64 {
	if cl.step == 0 {
		return -1
	}

	bound := cl.bound
	if !cl.cmpIsLT {
		bound++
	}

	if bound <= cl.init || cl.step < 0 {
		return -1
	}

	diff := bound - cl.init
	if diff%cl.step != 0 {
		return -1
	}

	return diff / cl.step
}

func otherSuccessor(b *ir.IrBlock, self ir.BlockID) ir.BlockID {
	term, ok := b.Terminator()
	if !ok {
		return self
	}

	if term.TrueBlock != self {
		return term.TrueBlock
	}

	return term.FalseBlock
}
