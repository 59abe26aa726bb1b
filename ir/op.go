package ir

// Op tags the operation an IrInstr performs. The families below mirror
// spec.md 4's exhaustive operation-family list; ISA-specific ops are
// grouped at the end since S1 never emits them directly (they only
// appear after S2's ISA-aware rewriting stage recognizes a pattern the
// target CPUID features support).
type Op uint16

const (
	OpInvalid Op = iota

	// Constants and architectural-state access.
	OpConst
	OpLoadReg    // ArchReg -> Dest
	OpStoreReg   // Args[0] -> ArchReg
	OpLoadRIP
	OpStoreRIP   // Args[0] -> RIP
	OpLoadRFLAGS
	OpStoreRFLAGS // Args[0] -> RFLAGS

	// Integer arithmetic.
	OpAdd
	OpSub
	OpMul
	OpIMul
	OpDiv
	OpIDiv
	OpNeg
	OpNot
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
	OpSar
	OpRol
	OpRor

	// Memory access, width-parametric (IrInstr.Width in {8,16,32,64}).
	OpLoad
	OpStore

	// Comparison and flags.
	OpCmp        // Args[0] CompareKind Args[1] -> boolean Dest
	OpTest       // (Args[0] & Args[1]) compared to zero -> boolean Dest
	OpFlagExtract // reads FlagKind -> boolean Dest

	// Width conversion.
	OpSExt
	OpZExt
	OpTrunc

	// Control flow.
	OpJump           // unconditional -> TrueBlock
	OpBranch         // CompareKind over Args -> TrueBlock / FalseBlock
	OpCall           // direct, CallTarget; indirect, target in Args[0]
	OpCallIndirect
	OpReturn

	// System / privileged.
	OpSyscall
	OpCpuid
	OpRdtsc
	OpHlt
	OpNop
	OpIn  // port in Args[0], Width-sized -> Dest
	OpOut // port in Args[0], value in Args[1], Width-sized

	// SSA control-flow merge.
	OpPhi

	// Terminator: ends a block with a reason the dispatcher or S1/S2
	// ABI epilogue must encode as (exit_kind<<56)|next_rip.
	OpExit

	// ISA-specific, emitted only by S2's ISA-aware rewriting stage.
	OpPopcnt
	OpLzcnt
	OpTzcnt
	OpBsf
	OpBsr
	OpBextr
	OpPdep
	OpPext
	OpFma
	OpAesenc
	OpAesdec
	OpPclmul
	OpVec // parametric vector op, see VecKind/VecWidth
)

var opNames = [...]string{
	OpInvalid:      "invalid",
	OpConst:        "const",
	OpLoadReg:      "load_reg",
	OpStoreReg:     "store_reg",
	OpLoadRIP:      "load_rip",
	OpStoreRIP:     "store_rip",
	OpLoadRFLAGS:   "load_rflags",
	OpStoreRFLAGS:  "store_rflags",
	OpAdd:          "add",
	OpSub:          "sub",
	OpMul:          "mul",
	OpIMul:         "imul",
	OpDiv:          "div",
	OpIDiv:         "idiv",
	OpNeg:          "neg",
	OpNot:          "not",
	OpAnd:          "and",
	OpOr:           "or",
	OpXor:          "xor",
	OpShl:          "shl",
	OpShr:          "shr",
	OpSar:          "sar",
	OpRol:          "rol",
	OpRor:          "ror",
	OpLoad:         "load",
	OpStore:        "store",
	OpCmp:          "cmp",
	OpTest:         "test",
	OpFlagExtract:  "flag_extract",
	OpSExt:         "sext",
	OpZExt:         "zext",
	OpTrunc:        "trunc",
	OpJump:         "jump",
	OpBranch:       "branch",
	OpCall:         "call",
	OpCallIndirect: "call_indirect",
	OpReturn:       "return",
	OpSyscall:      "syscall",
	OpCpuid:        "cpuid",
	OpRdtsc:        "rdtsc",
	OpHlt:          "hlt",
	OpNop:          "nop",
	OpIn:           "in",
	OpOut:          "out",
	OpPhi:          "phi",
	OpExit:         "exit",
	OpPopcnt:       "popcnt",
	OpLzcnt:        "lzcnt",
	OpTzcnt:        "tzcnt",
	OpBsf:          "bsf",
	OpBsr:          "bsr",
	OpBextr:        "bextr",
	OpPdep:         "pdep",
	OpPext:         "pext",
	OpFma:          "fma",
	OpAesenc:       "aesenc",
	OpAesdec:       "aesdec",
	OpPclmul:       "pclmul",
	OpVec:          "vec",
}

func (o Op) String() string {
	if int(o) < len(opNames) && opNames[o] != "" {
		return opNames[o]
	}

	return "op?"
}

// noResultOps are the ops that never produce an SSA value: pure
// control transfers, stores, and privileged ops with no return value.
var noResultOps = map[Op]bool{
	OpStoreReg:    true,
	OpStoreRIP:    true,
	OpStoreRFLAGS: true,
	OpStore:       true,
	OpJump:        true,
	OpBranch:      true,
	OpCall:         true, // transfers control away; compiled block exits here
	OpCallIndirect: true,
	OpReturn:       true,
	OpHlt:         true,
	OpNop:         true,
	OpOut:         true,
	OpExit:        true,
}

func opHasResult(op Op) bool {
	return !noResultOps[op]
}

// IsTerminator reports whether op ends a block.
func IsTerminator(op Op) bool {
	switch op {
	case OpJump, OpBranch, OpCall, OpCallIndirect, OpReturn, OpExit:
		return true
	default:
		return false
	}
}
