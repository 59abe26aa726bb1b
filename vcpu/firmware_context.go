package vcpu

// FirmwareBootContext is the single structure the firmware manager hands
// to a vCPU at load time: everything needed to start fetching at the
// reset vector in 16-bit real mode, per spec.md 6. It replaces the raw
// kvm_sregs/kvm_regs pair the teacher built directly from kvm.Segment
// values.
type FirmwareBootContext struct {
	EntryPoint   uint64
	StackPointer uint64
	CS           Segment
	DS           Segment
	RealMode     bool
	CR0          uint64
	CR3          uint64
	CR4          uint64
	EFER         uint64
	RFLAGS       uint64
	GDT          Descriptor
	IDT          Descriptor
}

// Bit-exact reset-state values shared by BIOS and UEFI alike (spec.md 6):
// both power on at the classic x86 reset vector in 16-bit real mode,
// before any firmware code has touched a single register.
const (
	resetEntryPoint   = 0xffff0
	resetCS           = 0xf000
	resetStackPointer = 0x7c00
	resetCR0          = CR0ET
	resetEFER         = 0
	resetRFLAGS       = 0x00000002
	resetIDTLimit     = 0x3ff
)

// DefaultFirmwareBootContext returns the real-mode reset state every x86
// CPU (and hence every firmware, BIOS or UEFI) begins executing from.
func DefaultFirmwareBootContext() FirmwareBootContext {
	return FirmwareBootContext{
		EntryPoint:   resetEntryPoint,
		StackPointer: resetStackPointer,
		CS: Segment{
			Base: resetCS << 4, Limit: 0xffff, Selector: resetCS,
			Typ: 0x3, Present: 1, S: 1,
		},
		DS: Segment{
			Base: 0, Limit: 0xffff, Selector: 0,
			Typ: 0x3, Present: 1, S: 1,
		},
		RealMode: true,
		CR0:      resetCR0,
		CR3:      0,
		CR4:      0,
		EFER:     resetEFER,
		RFLAGS:   resetRFLAGS,
		GDT:      Descriptor{Base: 0, Limit: 0xffff},
		IDT:      Descriptor{Base: 0, Limit: resetIDTLimit},
	}
}

// ApplyFirmwareBootContext loads a FirmwareBootContext into the vCPU's
// architectural state: registers, segments, control registers and EFER.
// Called once by the firmware manager after it has walked the boot phase
// state machine up through the point where control passes to guest code
// (DxeLongMode for a kernel entered in long mode, BdsLoadingOsLoader for
// a real-mode entry point).
func (v *VCPU) ApplyFirmwareBootContext(ctx FirmwareBootContext) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.s.regs.RIP = ctx.EntryPoint
	v.s.regs.RSP = ctx.StackPointer
	v.s.regs.RFLAGS = ctx.RFLAGS

	v.s.segs.CS = ctx.CS
	v.s.segs.DS = ctx.DS
	v.s.segs.ES = ctx.DS
	v.s.segs.FS = ctx.DS
	v.s.segs.GS = ctx.DS
	v.s.segs.SS = ctx.DS
	v.s.segs.GDT = ctx.GDT
	v.s.segs.IDT = ctx.IDT

	v.s.cr.CR0 = ctx.CR0
	v.s.cr.CR3 = ctx.CR3
	v.s.cr.CR4 = ctx.CR4

	v.writeMSR(&v.s, MSRIA32EFER, ctx.EFER)

	switch {
	case ctx.RealMode:
		v.s.mode = ModeReal
	case ctx.EFER&EFERLMA != 0:
		v.s.mode = ModeLong64
	default:
		v.s.mode = ModeProtected
	}
}
