package s2

import "github.com/nexaos/nvm/ir"

// edge is one dependency between two instruction indices within a
// block: RAW (true dependency through a vreg), or a conservative
// memory/control edge when reordering could change observable
// behavior (two memory ops where either writes, or anything relative
// to a side-effecting/terminator instruction).
type edge struct{ from, to int }

// DependencyGraph builds the block's instruction dependency edges and
// derives a critical-path length (the longest chain of dependent
// instructions) and an achieved-ILP estimate (instruction count divided
// by critical path length — 1.0 means no parallelism was available).
func DependencyGraph(b *ir.IrBlock) DependencyStats {
	n := len(b.Instrs)
	edges := buildEdges(b)

	longest := make([]int, n)

	for i := 0; i < n; i++ {
		longest[i] = 1

		for _, e := range edges {
			if e.to == i && longest[e.from]+1 > longest[i] {
				longest[i] = longest[e.from] + 1
			}
		}
	}

	critical := 0
	for _, l := range longest {
		if l > critical {
			critical = l
		}
	}

	ilp := 1.0
	if critical > 0 {
		ilp = float64(n) / float64(critical)
	}

	return DependencyStats{Edges: len(edges), CriticalPath: critical, AchievedILP: ilp}
}

func buildEdges(b *ir.IrBlock) []edge {
	var edges []edge

	lastWriter := make(map[ir.VReg]int)
	lastMemOp := -1
	lastBarrier := -1

	for i, instr := range b.Instrs {
		// RAW: every arg depends on its defining instruction.
		for _, a := range instr.Args {
			if w, ok := lastWriter[a]; ok {
				edges = append(edges, edge{from: w, to: i})
			}
		}
		for _, pi := range instr.PhiInputs {
			if w, ok := lastWriter[pi.Value]; ok {
				edges = append(edges, edge{from: w, to: i})
			}
		}

		// Memory ordering: a conservative total order across loads and
		// stores, since this compiler does no alias analysis.
		if instr.Effect.Has(ir.EffectMemoryRead) || instr.Effect.Has(ir.EffectMemoryWrite) {
			if lastMemOp >= 0 {
				edges = append(edges, edge{from: lastMemOp, to: i})
			}
			lastMemOp = i
		}

		// Side effects and terminators form a barrier: nothing may move
		// across one in either direction.
		if lastBarrier >= 0 {
			edges = append(edges, edge{from: lastBarrier, to: i})
		}
		if instr.Effect.Has(ir.EffectSideEffect) || instr.Effect.Has(ir.EffectTerminator) {
			lastBarrier = i
		}

		if instr.Dest != ir.InvalidVReg {
			lastWriter[instr.Dest] = i
		}
	}

	return edges
}

// ScheduleByCriticalPath performs a critical-path-priority list
// scheduling pass: among instructions with no unscheduled predecessor,
// the one on the longest remaining dependency chain goes first. This
// never changes which instructions run, only their order, and always
// keeps the terminator last since every other instruction has an edge
// into it through the barrier chain.
func ScheduleByCriticalPath(b *ir.IrBlock) ScheduleStats {
	n := len(b.Instrs)
	edges := buildEdges(b)

	preds := make([][]int, n)
	succs := make([][]int, n)

	for _, e := range edges {
		preds[e.to] = append(preds[e.to], e.from)
		succs[e.from] = append(succs[e.from], e.to)
	}

	remaining := make([]int, n)
	for i := range remaining {
		remaining[i] = len(preds[i])
	}

	priority := longestPathFromEnd(n, succs)

	scheduled := make([]bool, n)
	order := make([]int, 0, n)

	for len(order) < n {
		best := -1

		for i := 0; i < n; i++ {
			if scheduled[i] || remaining[i] > 0 {
				continue
			}

			if best == -1 || priority[i] > priority[best] {
				best = i
			}
		}

		if best == -1 {
			// A cycle would indicate a builder bug; fall back to
			// original order for whatever is left rather than hang.
			for i := 0; i < n; i++ {
				if !scheduled[i] {
					order = append(order, i)
					scheduled[i] = true
				}
			}
			break
		}

		order = append(order, best)
		scheduled[best] = true

		for _, s := range succs[best] {
			remaining[s]--
		}
	}

	reordered := 0
	newInstrs := make([]ir.IrInstr, n)
	for newIdx, oldIdx := range order {
		newInstrs[newIdx] = b.Instrs[oldIdx]
		if newIdx != oldIdx {
			reordered++
		}
	}

	b.Instrs = newInstrs

	return ScheduleStats{InstrsReordered: reordered}
}

func longestPathFromEnd(n int, succs [][]int) []int {
	priority := make([]int, n)

	for i := n - 1; i >= 0; i-- {
		best := 0
		for _, s := range succs[i] {
			if priority[s]+1 > best {
				best = priority[s] + 1
			}
		}
		priority[i] = best
	}

	return priority
}
