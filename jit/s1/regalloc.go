package s1

import (
	"github.com/nexaos/nvm/codegen"
	"github.com/nexaos/nvm/ir"
)

// allocPool lists the host registers available to the allocator, in
// preference order. R15 is reserved for the vCPU-state pointer and
// RBP/RSP anchor the frame, per the shared ABI in package codegen.
var allocPool = []codegen.HostReg{
	codegen.RAX, codegen.RCX, codegen.RDX, codegen.RBX,
	codegen.RSI, codegen.RDI,
	codegen.R8, codegen.R9, codegen.R10, codegen.R11, codegen.R12, codegen.R13, codegen.R14,
}

// Allocation is the result of register allocation for one block: a
// host register per live vreg that fit in the pool, and the ordered
// list of vregs that had to spill, which Compile turns into stack
// slots at -8*(i+1) off FramePointerReg.
type Allocation struct {
	Regs   map[ir.VReg]codegen.HostReg
	Spills []ir.VReg
}

// SlotOf returns vreg's spill slot offset, valid only if vreg is in
// a.Spills.
func (a Allocation) SlotOf(vreg ir.VReg) int32 {
	for i, v := range a.Spills {
		if v == vreg {
			return -8 * (int32(i) + 1)
		}
	}

	return 0
}

// liveRange is a vreg's [def, lastUse] instruction-index interval
// within a single block, the unit S1's eager allocator works over —
// baseline compilation never spans blocks, unlike S2's region-wide
// allocation.
type liveRange struct {
	vreg          ir.VReg
	start, end    int
}

// Allocate runs a linear-scan allocator with eager spilling: ranges are
// processed in start order, and whenever the pool is exhausted the
// range with the furthest-away end point (including the one just
// considered) is spilled, which is the classic linear-scan heuristic
// and keeps the common case (ranges that fit) a single pass.
func Allocate(b *ir.IrBlock) Allocation {
	ranges := computeLiveRanges(b)

	alloc := Allocation{Regs: make(map[ir.VReg]codegen.HostReg)}

	active := make([]liveRange, 0, len(allocPool))
	free := append([]codegen.HostReg(nil), allocPool...)
	assigned := make(map[ir.VReg]codegen.HostReg)

	for _, r := range ranges {
		// Expire active ranges that end before this one starts.
		kept := active[:0]
		for _, a := range active {
			if a.end < r.start {
				free = append(free, assigned[a.vreg])
			} else {
				kept = append(kept, a)
			}
		}
		active = kept

		if len(free) > 0 {
			reg := free[len(free)-1]
			free = free[:len(free)-1]
			assigned[r.vreg] = reg
			active = append(active, r)

			continue
		}

		// Pool exhausted: spill whichever of the active set (including
		// the current range) ends furthest away, freeing its register
		// for the range with the more pressing near-term need.
		spillIdx := -1
		spillEnd := r.end

		for i, a := range active {
			if a.end > spillEnd {
				spillIdx, spillEnd = i, a.end
			}
		}

		if spillIdx == -1 {
			alloc.Spills = append(alloc.Spills, r.vreg)
			continue
		}

		victim := active[spillIdx]
		alloc.Spills = append(alloc.Spills, victim.vreg)
		assigned[r.vreg] = assigned[victim.vreg]
		delete(assigned, victim.vreg)
		active[spillIdx] = r
	}

	for v, reg := range assigned {
		alloc.Regs[v] = reg
	}

	return alloc
}

func computeLiveRanges(b *ir.IrBlock) []liveRange {
	starts := make(map[ir.VReg]int)
	ends := make(map[ir.VReg]int)
	order := make([]ir.VReg, 0)

	for i, instr := range b.Instrs {
		if instr.Dest != ir.InvalidVReg {
			if _, ok := starts[instr.Dest]; !ok {
				starts[instr.Dest] = i
				order = append(order, instr.Dest)
			}
			ends[instr.Dest] = i
		}

		for _, arg := range instr.Args {
			if arg == ir.InvalidVReg {
				continue
			}
			if i > ends[arg] {
				ends[arg] = i
			}
		}

		for _, pi := range instr.PhiInputs {
			if i > ends[pi.Value] {
				ends[pi.Value] = i
			}
		}
	}

	ranges := make([]liveRange, 0, len(order))
	for _, v := range order {
		ranges = append(ranges, liveRange{vreg: v, start: starts[v], end: ends[v]})
	}

	return ranges
}
