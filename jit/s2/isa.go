package s2

import (
	"github.com/nexaos/nvm/ir"
	"github.com/nexaos/nvm/vcpu"
)

// isaFeatureBits maps the ISA-specific ops the IR can carry to the
// CPUID.01H feature bit (ECX unless noted) that must be set before S2
// is allowed to emit the matching hardware instruction. Anything not
// in this table has no ISA-gating requirement.
var isaFeatureBits = map[ir.Op]uint32{
	ir.OpPopcnt: cpuidPopcntBit,
	ir.OpLzcnt:  cpuidLzcntBit,
	ir.OpTzcnt:  cpuidTzcntBit,
}

const (
	cpuidPopcntBit = 1 << 23 // CPUID.01H:ECX.POPCNT
	cpuidLzcntBit  = 1 << 5  // CPUID.80000001H:ECX.LZCNT (checked against ExtFeaturesECX)
	cpuidTzcntBit  = 1 << 3  // CPUID.07H:EBX.BMI1 (TZCNT/BSF fast path; checked against StructExtEBX)
)

// IsaRewrite walks a block's instructions and reports any ISA-specific
// op the target CPUID view does not actually support. S2 never emits a
// hardware instruction a guest's advertised CPUID doesn't back — doing
// so would make the compiled block's behavior depend on the host CPU
// rather than the vCPU's deterministic CpuidView, breaking migration
// portability. The caller is expected to fall the whole block back to
// an S1-equivalent translation when this returns anything.
func IsaRewrite(b *ir.IrBlock, cpuid vcpu.CpuidView) (unsupported []ir.Op) {
	for _, instr := range b.Instrs {
		bit, gated := isaFeatureBits[instr.Op]
		if !gated {
			continue
		}

		if !featureSupported(instr.Op, bit, cpuid) {
			unsupported = append(unsupported, instr.Op)
		}
	}

	return unsupported
}

func featureSupported(op ir.Op, bit uint32, cpuid vcpu.CpuidView) bool {
	switch op {
	case ir.OpPopcnt:
		return cpuid.FeaturesECX&bit != 0
	case ir.OpLzcnt:
		return cpuid.ExtFeaturesECX&bit != 0
	case ir.OpTzcnt:
		return cpuid.StructExtEBX&bit != 0
	default:
		return false
	}
}
