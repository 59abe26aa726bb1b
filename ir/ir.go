// Package ir is the SSA-form intermediate representation the JIT tiers
// build from decoded guest instructions. S1 lowers directly to templates
// over this IR; S2 rewrites it through its optimization pipeline before
// handing the result to the same register allocator and emitter.
//
// There is no teacher analogue for a guest-code compiler IR, so the
// shapes here follow spec.md 4's operation-family list and the Rust
// ir.rs module's visible naming, translated into Go's tagged-union-via-
// struct-plus-enum idiom rather than Rust enums with payloads.
package ir

// VReg names an SSA value: the static single-assignment result of
// exactly one IrInstr, or a block parameter in the case of Phi.
type VReg int32

// InvalidVReg marks an absence (e.g. an instruction with no result).
const InvalidVReg VReg = -1

// BlockID addresses an IrBlock within an IrRegion's arena. Using an
// integer index rather than a pointer lets blocks reference each other
// cyclically (loop back-edges, phi predecessors) without reference
// cycles in the host's memory, per the arena-with-indices design note.
type BlockID int32

// InvalidBlockID marks an absence.
const InvalidBlockID BlockID = -1

// Effect is a bitmask of the side-effect classes an instruction may
// have, consulted by DCE, scheduling and the speculative-optimization
// tie-break rule ("never violate a side-effect flag even if profile-
// guided speculation would permit it").
type Effect uint8

const (
	EffectPure Effect = 1 << iota
	EffectMemoryRead
	EffectMemoryWrite
	EffectSideEffect // traps, port I/O, architectural-state writes, calls
	EffectTerminator
)

func (e Effect) Has(f Effect) bool { return e&f != 0 }

// IrInstr is one SSA instruction: an optional result VReg, an Op tag,
// its operand VRegs, an optional immediate, and the small set of
// op-specific auxiliary fields every family needs. Keeping all ops in
// one flat struct (rather than per-op Go types) mirrors the tagged-
// variant dispatch used throughout the pack's own wire/event types
// (vcpu.Event is the same shape) and keeps IrBlock.Instrs a single
// contiguous slice for cache-friendly passes.
type IrInstr struct {
	Dest VReg
	Op   Op
	Args []VReg
	Imm  int64

	// RIP is the guest instruction address this IR instruction was
	// lowered from, used by deopt to reconstruct baseline continuation
	// and by profile to attribute counters.
	RIP uint64

	Effect Effect

	// Width is the operation's bit width (8/16/32/64) for memory and
	// arithmetic ops that are width-parametric.
	Width uint8

	// Seg is the segment override for memory ops, ArchReg identifies
	// the architectural register for Load/StoreReg.
	Seg     uint8
	ArchReg uint8

	// FlagKind selects which status flag FlagExtract reads (CF/ZF/SF/OF/PF).
	FlagKind FlagKind

	// CompareKind selects the comparison predicate for Cmp/Branch.
	CompareKind CompareKind

	// TrueBlock/FalseBlock address the successors of a Branch; Jump
	// uses TrueBlock alone. CallTarget is a direct call's guest RIP;
	// indirect calls instead read it from Args[0].
	TrueBlock  BlockID
	FalseBlock BlockID
	CallTarget uint64

	// PhiInputs holds (predecessor block, value) pairs for Phi, in the
	// same order as the owning IrBlock's recorded predecessors.
	PhiInputs []PhiInput

	// Exit carries the terminator payload when Op == OpExit.
	Exit ExitReason

	// VecKind/VecWidth parametrize the generic vector op.
	VecKind  VecKind
	VecWidth uint8
}

// PhiInput is one (predecessor-block, incoming-value) pair of an SSA phi.
type PhiInput struct {
	Pred  BlockID
	Value VReg
}

// FlagKind names a single status flag FlagExtract can read out as a
// zero/one VReg.
type FlagKind uint8

const (
	FlagCF FlagKind = iota
	FlagZF
	FlagSF
	FlagOF
	FlagPF
)

// CompareKind names the predicate a Cmp/Test/conditional Branch uses.
type CompareKind uint8

const (
	CmpEQ CompareKind = iota
	CmpNE
	CmpLT // signed
	CmpLE
	CmpGT
	CmpGE
	CmpULT // unsigned
	CmpULE
	CmpUGT
	CmpUGE
)

// VecKind names the operation a parametric vector op performs; the
// width is carried separately in IrInstr.VecWidth (e.g. 128/256 bits).
type VecKind uint8

const (
	VecAdd VecKind = iota
	VecSub
	VecMul
	VecAnd
	VecOr
	VecXor
	VecShuffle
	VecCompare
)

// IrBlock is a single-entry, single-exit basic block: a guest entry
// RIP and an ordered instruction list ending in a terminator (Jump,
// Branch, Call in tail position, Return, or Exit).
type IrBlock struct {
	ID       BlockID
	EntryRIP uint64
	Instrs   []IrInstr

	// Preds lists the predecessor blocks in the order Phi.PhiInputs
	// references them.
	Preds []BlockID
}

// Terminator returns the block's last instruction if it is a
// terminator, or false if the block is (incorrectly) missing one.
func (b *IrBlock) Terminator() (IrInstr, bool) {
	if len(b.Instrs) == 0 {
		return IrInstr{}, false
	}

	last := b.Instrs[len(b.Instrs)-1]

	return last, last.Effect.Has(EffectTerminator)
}

// IrRegion is one translation unit: the arena of blocks produced by
// lowering a decoder.DecodeBlock run, addressed by BlockID. S1 and S2
// both consume and (for S2) rewrite an IrRegion before handing it to
// the register allocator.
type IrRegion struct {
	Blocks []*IrBlock

	nextVReg VReg
}

// NewRegion creates an empty region.
func NewRegion() *IrRegion {
	return &IrRegion{}
}

// NewBlock appends a fresh block with the given entry RIP and returns
// it; its ID is its index in Blocks.
func (r *IrRegion) NewBlock(entryRIP uint64) *IrBlock {
	b := &IrBlock{ID: BlockID(len(r.Blocks)), EntryRIP: entryRIP}
	r.Blocks = append(r.Blocks, b)

	return b
}

// Block resolves a BlockID to its block, or nil if out of range.
func (r *IrRegion) Block(id BlockID) *IrBlock {
	if id < 0 || int(id) >= len(r.Blocks) {
		return nil
	}

	return r.Blocks[id]
}

// NewVReg allocates a fresh SSA value name.
func (r *IrRegion) NewVReg() VReg {
	v := r.nextVReg
	r.nextVReg++

	return v
}

// Emit appends instr to b and, if it carries a result, allocates a
// fresh VReg for it.
func (r *IrRegion) Emit(b *IrBlock, instr IrInstr) VReg {
	if opHasResult(instr.Op) {
		instr.Dest = r.NewVReg()
	} else {
		instr.Dest = InvalidVReg
	}

	b.Instrs = append(b.Instrs, instr)

	return instr.Dest
}
