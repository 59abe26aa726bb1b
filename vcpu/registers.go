// Package vcpu implements the architectural state of a single guest x86-64
// CPU: general purpose registers, control/debug registers, MSRs, CPUID,
// the PMU, the pending exception/interrupt queue, and the event trace and
// breakpoint machinery that translated code and the host dispatcher read
// and write through a stable offset contract.
package vcpu

// GuestRegisters holds the 16 general purpose registers plus RIP and RFLAGS,
// exactly as a translated block's prologue/epilogue addresses them.
type GuestRegisters struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

// RFLAGS bits.
const (
	FlagCF   = 1 << 0
	FlagPF   = 1 << 2
	FlagAF   = 1 << 4
	FlagZF   = 1 << 6
	FlagSF   = 1 << 7
	FlagTF   = 1 << 8
	FlagIF   = 1 << 9
	FlagDF   = 1 << 10
	FlagOF   = 1 << 11
	FlagIOPL = 3 << 12
	FlagNT   = 1 << 14
	FlagRF   = 1 << 16
	FlagVM   = 1 << 17
	FlagAC   = 1 << 18
	FlagVIF  = 1 << 19
	FlagVIP  = 1 << 20
	FlagID   = 1 << 21
)

// GPR reads a general purpose register by the x86 encoding index
// (0=RAX, 1=RCX, 2=RDX, 3=RBX, 4=RSP, 5=RBP, 6=RSI, 7=RDI, 8-15=R8-R15).
func (r *GuestRegisters) GPR(index uint8) uint64 {
	switch index {
	case 0:
		return r.RAX
	case 1:
		return r.RCX
	case 2:
		return r.RDX
	case 3:
		return r.RBX
	case 4:
		return r.RSP
	case 5:
		return r.RBP
	case 6:
		return r.RSI
	case 7:
		return r.RDI
	case 8:
		return r.R8
	case 9:
		return r.R9
	case 10:
		return r.R10
	case 11:
		return r.R11
	case 12:
		return r.R12
	case 13:
		return r.R13
	case 14:
		return r.R14
	case 15:
		return r.R15
	}

	return 0
}

// SetGPR writes a general purpose register by x86 encoding index.
func (r *GuestRegisters) SetGPR(index uint8, value uint64) {
	switch index {
	case 0:
		r.RAX = value
	case 1:
		r.RCX = value
	case 2:
		r.RDX = value
	case 3:
		r.RBX = value
	case 4:
		r.RSP = value
	case 5:
		r.RBP = value
	case 6:
		r.RSI = value
	case 7:
		r.RDI = value
	case 8:
		r.R8 = value
	case 9:
		r.R9 = value
	case 10:
		r.R10 = value
	case 11:
		r.R11 = value
	case 12:
		r.R12 = value
	case 13:
		r.R13 = value
	case 14:
		r.R14 = value
	case 15:
		r.R15 = value
	}
}

// ToArray exports the registers to a fixed-size array, in the order
// translated code indexes the state array it is passed.
func (r *GuestRegisters) ToArray() [18]uint64 {
	return [18]uint64{
		r.RAX, r.RBX, r.RCX, r.RDX,
		r.RSI, r.RDI, r.RBP, r.RSP,
		r.R8, r.R9, r.R10, r.R11,
		r.R12, r.R13, r.R14, r.R15,
		r.RIP, r.RFLAGS,
	}
}

// FromArray is the inverse of ToArray.
func FromArray(ctx [18]uint64) GuestRegisters {
	return GuestRegisters{
		RAX: ctx[0], RBX: ctx[1], RCX: ctx[2], RDX: ctx[3],
		RSI: ctx[4], RDI: ctx[5], RBP: ctx[6], RSP: ctx[7],
		R8: ctx[8], R9: ctx[9], R10: ctx[10], R11: ctx[11],
		R12: ctx[12], R13: ctx[13], R14: ctx[14], R15: ctx[15],
		RIP: ctx[16], RFLAGS: ctx[17],
	}
}

// Segment is an x86 segment descriptor, shaped like the teacher's
// kvm.Segment so the firmware manager can populate it the same way.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
}

// Descriptor describes a GDT/IDT base+limit pointer.
type Descriptor struct {
	Base  uint64
	Limit uint16
}

// SegmentRegisters holds the segment and descriptor-table state a vCPU
// needs to resolve addresses and privilege checks.
type SegmentRegisters struct {
	CS, DS, ES, FS, GS, SS, TR, LDT Segment
	GDT, IDT                       Descriptor
}
