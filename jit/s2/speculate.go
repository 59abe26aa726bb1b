package s2

import (
	"github.com/nexaos/nvm/deopt"
	"github.com/nexaos/nvm/ir"
	"github.com/nexaos/nvm/profile"
	"github.com/nexaos/nvm/speculation"
)

// GuardedBlock is the result of SpeculateBlock: the block unchanged
// (speculative optimization here means deciding to trust a candidate's
// prediction when lowering later stages, not rewriting the IR itself)
// plus the guards a deopt-capable caller must be able to reconstruct
// from if the prediction turns out wrong at runtime.
type GuardedBlock struct {
	Guards []deopt.GuardID
}

// SpeculateBlock proposes speculation candidates from profiled
// behavior at this block's entry RIP, keeps the ones at or above the
// configured confidence threshold and whose kind is enabled in cfg,
// and registers a guard per surviving candidate so a later
// deoptimization can reconstruct baseline state. It does not itself
// rewrite b's instructions: recognizing a speculation opportunity and
// committing to code that exploits it are different stages, and here
// only the first is implemented, with Stats recording per-kind guard
// counts for the caller.
func SpeculateBlock(cfg Config, db *profile.DB, mgr *deopt.Manager, b *ir.IrBlock, registerSites []speculation.RegisterSite, branchSite, callSite uint64) (GuardedBlock, Stats) {
	var stats Stats
	var result GuardedBlock

	if db == nil || mgr == nil {
		return result, stats
	}

	candidates := speculation.Propose(db, uint64(b.EntryRIP), registerSites, branchSite, callSite)
	candidates = speculation.Above(candidates, cfg.SpeculationThreshold)

	for _, c := range candidates {
		if !kindEnabled(cfg, c.Kind) {
			continue
		}

		id := mgr.Register(b.EntryRIP, c)
		result.Guards = append(result.Guards, id)

		switch c.Kind {
		case speculation.KindTypeTag:
			stats.TypeGuards++
		case speculation.KindValueEquality:
			stats.ValueGuards++
		case speculation.KindBranchTaken:
			stats.BranchSpecs++
		case speculation.KindCallTargetInSet:
			stats.CallSpecs++
		case speculation.KindCompound:
			stats.TypeGuards++
			stats.ValueGuards++
		}
	}

	return result, stats
}

func kindEnabled(cfg Config, k speculation.Kind) bool {
	switch k {
	case speculation.KindTypeTag:
		return cfg.TypeSpeculation
	case speculation.KindValueEquality:
		return cfg.ValueSpeculation
	case speculation.KindBranchTaken:
		return cfg.BranchSpeculation
	case speculation.KindCallTargetInSet:
		return cfg.CallSpeculation
	case speculation.KindCompound:
		return cfg.PathSpeculation
	default:
		return false
	}
}
