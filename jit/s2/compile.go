// Package s2 is documented in config.go; this file is the orchestrator
// that runs a region through every stage in order and produces a
// compiled block plus the same kind of optimization statistics the
// original S2Compiler recorded.
package s2

import (
	"github.com/nexaos/nvm/deopt"
	"github.com/nexaos/nvm/ir"
	"github.com/nexaos/nvm/jit/s1"
	"github.com/nexaos/nvm/profile"
	"github.com/nexaos/nvm/speculation"
	"github.com/nexaos/nvm/vcpu"
)

// Compiler runs the optimizing pipeline, optionally wired to a shared
// profile database and deopt guard manager the same way S1's dispatcher
// and the code cache are — both are allowed to be nil, which disables
// the stages that need them (speculative optimization; profile-derived
// confidence) while leaving the purely structural stages (GVN/CSE, DCE,
// strength reduction, LICM, unrolling, ISA rewriting, scheduling)
// fully active.
type Compiler struct {
	Config Config

	Profile *profile.DB
	Deopt   *deopt.Manager
}

// NewCompiler builds a Compiler with the default configuration and no
// profile/deopt wiring.
func NewCompiler() *Compiler {
	return &Compiler{Config: DefaultConfig()}
}

// WithSpeculation attaches a profile database and guard manager so the
// speculative-optimization stage can run.
func (c *Compiler) WithSpeculation(db *profile.DB, mgr *deopt.Manager) *Compiler {
	c.Profile = db
	c.Deopt = mgr

	return c
}

// Block is the result of compiling one region through S2: the host
// code, the guard ids any speculative optimization installed, and the
// stage-by-stage statistics.
type Block struct {
	Code   []byte
	Guards []deopt.GuardID
	Stats  Stats
}

// SpeculationSites names the profiled sites a caller wants considered
// for speculative optimization at a block's entry; callers that only
// want structural optimization pass a zero-value SpeculationSites.
type SpeculationSites struct {
	Registers []speculation.RegisterSite
	BranchRIP uint64
	CallRIP   uint64
}

// Compile runs region through the full pipeline and emits code for its
// entry block. region is mutated in place by the rewriting stages, the
// same way the original compiler transformed its block list before
// emission.
func (c *Compiler) Compile(region *ir.IrRegion, cpuid vcpu.CpuidView, sites SpeculationSites) (Block, error) {
	cfg := c.Config

	entry := region.Blocks[0]
	stats := Stats{InstrsBefore: totalInstrs(region)}

	idom := dominators(region)
	loops := findLoops(region, idom)

	if len(loops) > 0 {
		stats.ScopeLevel = ScopeLoop
	} else {
		stats.ScopeLevel = ScopeBlock
	}

	if cfg.EscapeAnalysis {
		for _, b := range region.Blocks {
			EscapeAnalysis(b)
		}
	}

	if cfg.GVN || cfg.CSE {
		for _, b := range region.Blocks {
			stats.CSEEliminated += GVNCSE(b)
		}
	}

	if cfg.AdvancedLoopOpts && cfg.LICM {
		stats.ExprsHoisted = LICM(region, loops)
	}

	if cfg.LoopUnroll {
		stats.LoopsUnrolled = UnrollLoops(region, loops, cfg.MaxUnroll)

		// Unrolling can expose fresh redundancy and dead code in the
		// straight-line code it produces; a second structural pass
		// cleans that up before the rest of the pipeline runs.
		if stats.LoopsUnrolled > 0 {
			idom = dominators(region)
			loops = findLoops(region, idom)

			for _, b := range region.Blocks {
				stats.CSEEliminated += GVNCSE(b)
			}
		}
	}

	if cfg.StrengthReduce {
		for _, b := range region.Blocks {
			stats.StrengthReduced += StrengthReduce(b)
		}
	}

	var guards []deopt.GuardID

	if c.Profile != nil && c.Deopt != nil {
		guarded, specStats := SpeculateBlock(cfg, c.Profile, c.Deopt, entry, sites.Registers, sites.BranchRIP, sites.CallRIP)
		guards = guarded.Guards
		stats.TypeGuards += specStats.TypeGuards
		stats.ValueGuards += specStats.ValueGuards
		stats.BranchSpecs += specStats.BranchSpecs
		stats.CallSpecs += specStats.CallSpecs
	}

	if cfg.IsaOptimization {
		for _, b := range region.Blocks {
			if unsupported := IsaRewrite(b, cpuid); len(unsupported) > 0 {
				stats.IsaRewrites += len(unsupported)
				return Block{}, ErrIsaFallback{Ops: unsupported}
			}
		}
	}

	for _, b := range region.Blocks {
		DCE(b)
	}

	if cfg.DependencyAnalysis {
		stats.DepStats = DependencyGraph(entry)
		stats.CriticalPathLength = stats.DepStats.CriticalPath
		stats.AchievedILP = stats.DepStats.AchievedILP
	}

	if cfg.Scheduling && cfg.ScopeAwareOpt {
		stats.SchedStats = ScheduleByCriticalPath(entry)
	}

	stats.InstrsAfter = totalInstrs(region)

	alloc := s1.Allocate(entry)

	code, err := Emit(entry, alloc)
	if err != nil {
		return Block{}, err
	}

	return Block{Code: code, Guards: guards, Stats: stats}, nil
}

// ErrIsaFallback is returned when a block uses an ISA-specific op the
// target CpuidView doesn't advertise support for. S2 never emits a
// hardware instruction the guest's deterministic CPUID view doesn't
// back, so the caller (the code cache's tiering logic) should retry
// the same guest range through jit/s1, which has no such op in its
// template set in the first place.
type ErrIsaFallback struct{ Ops []ir.Op }

func (e ErrIsaFallback) Error() string {
	return "jit/s2: block requires ISA features absent from target CPUID, fall back to s1"
}

func totalInstrs(region *ir.IrRegion) int {
	n := 0
	for _, b := range region.Blocks {
		n += len(b.Instrs)
	}

	return n
}
