package s2

import "github.com/nexaos/nvm/ir"

// successors returns a block's successor ids by inspecting its
// terminator; a block with no recognized terminator (should not occur
// once ir.Lower has run) has no successors.
func successors(b *ir.IrBlock) []ir.BlockID {
	term, ok := b.Terminator()
	if !ok {
		return nil
	}

	switch term.Op {
	case ir.OpJump:
		return []ir.BlockID{term.TrueBlock}
	case ir.OpBranch:
		return []ir.BlockID{term.TrueBlock, term.FalseBlock}
	default:
		return nil
	}
}

// dominators computes the immediate-dominator array for region using
// the standard iterative Cooper/Harvey/Kennedy algorithm, with
// Blocks[0] as the entry. idom[i] == i for the entry block itself.
func dominators(region *ir.IrRegion) map[ir.BlockID]ir.BlockID {
	if len(region.Blocks) == 0 {
		return nil
	}

	entry := region.Blocks[0].ID

	// Reverse postorder gives fast convergence; for the small blocks a
	// translation unit produces, a fixed-point loop over block order is
	// simple and plenty fast.
	order := make([]ir.BlockID, 0, len(region.Blocks))
	for _, b := range region.Blocks {
		order = append(order, b.ID)
	}

	idom := map[ir.BlockID]ir.BlockID{entry: entry}

	changed := true
	for changed {
		changed = false

		for _, id := range order {
			if id == entry {
				continue
			}

			b := region.Block(id)
			if b == nil {
				continue
			}

			var newIdom ir.BlockID
			set := false

			for _, p := range b.Preds {
				if _, ok := idom[p]; !ok {
					continue
				}

				if !set {
					newIdom, set = p, true
					continue
				}

				newIdom = intersect(idom, newIdom, p)
			}

			if set && idom[id] != newIdom {
				idom[id] = newIdom
				changed = true
			}
		}
	}

	return idom
}

func intersect(idom map[ir.BlockID]ir.BlockID, a, b ir.BlockID) ir.BlockID {
	// Without reverse-postorder indices to compare depths cheaply, walk
	// each side's dominator chain into a set and find the first common
	// ancestor; translation units are small enough for this to be fine.
	seen := map[ir.BlockID]bool{}

	for cur := a; ; {
		seen[cur] = true
		parent, ok := idom[cur]
		if !ok || parent == cur {
			break
		}
		cur = parent
	}

	for cur := b; ; {
		if seen[cur] {
			return cur
		}
		parent, ok := idom[cur]
		if !ok || parent == cur {
			return cur
		}
		cur = parent
	}
}

func dominates(idom map[ir.BlockID]ir.BlockID, a, b ir.BlockID) bool {
	for cur := b; ; {
		if cur == a {
			return true
		}
		parent, ok := idom[cur]
		if !ok || parent == cur {
			return cur == a
		}
		cur = parent
	}
}

// Loop describes one natural loop found by back-edge detection: the
// header block every back edge targets, and the set of blocks in the
// loop body (including the header).
type Loop struct {
	Header ir.BlockID
	Body   map[ir.BlockID]bool
}

// findLoops detects natural loops: an edge b->h is a back edge when h
// dominates b, and the loop body is every block that can reach b
// without leaving through h.
func findLoops(region *ir.IrRegion, idom map[ir.BlockID]ir.BlockID) []Loop {
	var loops []Loop

	for _, b := range region.Blocks {
		for _, succ := range successors(b) {
			if dominates(idom, succ, b.ID) {
				loops = append(loops, Loop{Header: succ, Body: loopBody(region, b.ID, succ)})
			}
		}
	}

	return loops
}

func loopBody(region *ir.IrRegion, tail, header ir.BlockID) map[ir.BlockID]bool {
	body := map[ir.BlockID]bool{header: true, tail: true}

	stack := []ir.BlockID{tail}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		b := region.Block(id)
		if b == nil {
			continue
		}

		for _, p := range b.Preds {
			if !body[p] {
				body[p] = true
				stack = append(stack, p)
			}
		}
	}

	return body
}
