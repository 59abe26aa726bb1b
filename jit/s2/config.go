// Package s2 is the optimizing JIT tier: it takes a block that has run
// hot enough in S1 and runs it through a twelve-stage pipeline (CFG and
// loop analysis, escape analysis, GVN/CSE, loop optimizations, strength
// reduction, speculative optimization, ISA-aware rewriting, scope-aware
// scheduling, dead-code elimination, register allocation, instruction
// scheduling, and emission) to produce code a hot loop is worth the
// extra compile time for.
package s2

// Config mirrors the Rust S2Config's field set and defaults: every
// stage of the pipeline is independently toggleable so a caller (or a
// future auto-tuner) can disable an optimization that misbehaves on a
// particular guest workload without forking the compiler.
type Config struct {
	LoopUnroll bool
	MaxUnroll  uint32
	LICM       bool
	GVN        bool
	CSE        bool
	Scheduling bool
	RegCoalesce bool
	StrengthReduce bool
	TailCall   bool
	Inline     bool
	MaxInlineSize int

	TypeSpeculation   bool
	ValueSpeculation  bool
	BranchSpeculation bool
	CallSpeculation   bool
	PathSpeculation   bool
	SpeculationThreshold float64

	EscapeAnalysis bool

	AdvancedLoopOpts bool

	IsaOptimization bool

	ScopeAwareOpt      bool
	DependencyAnalysis bool
}

// DefaultConfig mirrors S2Config::default() from the original compiler.
func DefaultConfig() Config {
	return Config{
		LoopUnroll:     true,
		MaxUnroll:      8,
		LICM:           true,
		GVN:            true,
		CSE:            true,
		Scheduling:     true,
		RegCoalesce:    true,
		StrengthReduce: true,
		TailCall:       true,
		Inline:         true,
		MaxInlineSize:  50,

		TypeSpeculation:      true,
		ValueSpeculation:     true,
		BranchSpeculation:    true,
		CallSpeculation:      true,
		PathSpeculation:      true,
		SpeculationThreshold: 0.95,

		EscapeAnalysis: true,

		AdvancedLoopOpts: true,

		IsaOptimization: true,

		ScopeAwareOpt:      true,
		DependencyAnalysis: true,
	}
}

// ScopeLevel tags how wide an optimization's view was: a single block,
// a loop nest, or the whole translation-unit region. Scope-aware
// scheduling and escape analysis both record the widest scope they
// actually used.
type ScopeLevel uint8

const (
	ScopeBlock ScopeLevel = iota
	ScopeLoop
	ScopeRegion
)

// DependencyStats summarizes the block's instruction dependency graph,
// built from RAW/WAR/WAW and memory/control edges.
type DependencyStats struct {
	Edges         int
	CriticalPath  int
	AchievedILP   float64
}

// ScheduleStats summarizes what the instruction scheduler changed.
type ScheduleStats struct {
	InstrsReordered int
}

// Stats accumulates what each pipeline stage did, for diagnostics and
// for the code cache's compile-time metrics.
type Stats struct {
	InstrsBefore int
	InstrsAfter  int

	LoopsUnrolled   int
	ExprsHoisted    int
	CSEEliminated   int
	StrengthReduced int

	TypeGuards  int
	ValueGuards int
	BranchSpecs int
	CallSpecs   int

	IsaRewrites int

	ScopeLevel ScopeLevel
	DepStats   DependencyStats
	SchedStats ScheduleStats

	CriticalPathLength int
	AchievedILP        float64
}
