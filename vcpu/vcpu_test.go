package vcpu_test

import (
	"testing"

	"github.com/nexaos/nvm/vcpu"
)

func TestRegistersRoundTrip(t *testing.T) {
	t.Parallel()

	r := vcpu.GuestRegisters{
		RAX: 1, RBX: 2, RCX: 3, RDX: 4,
		RSI: 5, RDI: 6, RBP: 7, RSP: 8,
		R8: 9, R9: 10, R10: 11, R11: 12,
		R12: 13, R13: 14, R14: 15, R15: 16,
		RIP: 17, RFLAGS: 18,
	}

	got := vcpu.FromArray(r.ToArray())
	if got != r {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, r)
	}
}

func TestGPRIndexing(t *testing.T) {
	t.Parallel()

	var r vcpu.GuestRegisters

	r.SetGPR(0, 0xAA)
	r.SetGPR(4, 0xBB)
	r.SetGPR(15, 0xCC)

	if r.RAX != 0xAA || r.GPR(0) != 0xAA {
		t.Fatalf("index 0 should address RAX")
	}

	if r.RSP != 0xBB || r.GPR(4) != 0xBB {
		t.Fatalf("index 4 should address RSP")
	}

	if r.R15 != 0xCC || r.GPR(15) != 0xCC {
		t.Fatalf("index 15 should address R15")
	}

	if r.GPR(200) != 0 {
		t.Fatalf("unknown index should read as zero")
	}
}

func TestMSRReadWrite(t *testing.T) {
	t.Parallel()

	v := vcpu.New(0)

	v.WriteMSR(vcpu.MSRIA32EFER, vcpu.EFERLME|vcpu.EFERSCE)
	if got := v.ReadMSR(vcpu.MSRIA32EFER); got != vcpu.EFERLME|vcpu.EFERSCE {
		t.Fatalf("EFER readback mismatch: got %#x", got)
	}

	if got := v.ReadMSR(0xDEADBEEF); got != 0 {
		t.Fatalf("unknown MSR should read zero, got %#x", got)
	}
}

func TestPMUFixedCounters(t *testing.T) {
	t.Parallel()

	v := vcpu.New(0)

	v.AdvancePMU(1000)
	if got := v.Snapshot().PMU.CoreCycles; got != 0 {
		t.Fatalf("PMU should not advance while PerfGlobalCtrl is zero, got %d", got)
	}

	v.WriteMSR(vcpu.MSRIA32PerfGlobalCtrl, 1)
	v.AdvancePMU(1000)

	if got := v.Snapshot().PMU.CoreCycles; got != 1000 {
		t.Fatalf("core cycles should advance by delta, got %d", got)
	}

	if got := v.ReadMSR(vcpu.MSRIA32FixedCtr0); got != 250 {
		t.Fatalf("instructions retired should advance by delta/4, got %d", got)
	}
}

func TestRdtscAfterSetTSC(t *testing.T) {
	t.Parallel()

	v := vcpu.New(0)
	v.SetTSC(1000)

	if got := v.Rdtsc(); got < 1000 {
		t.Fatalf("rdtsc after set_tsc(1000) should return at least 1000, got %d", got)
	}
}

func TestInterruptPriorityNMIFirst(t *testing.T) {
	t.Parallel()

	v := vcpu.New(0)

	r := v.Registers()
	r.RFLAGS |= vcpu.FlagIF
	v.SetRegisters(r)

	v.QueueInterrupt(0x30)
	v.QueueNMI()

	pi, ok := v.NextInterrupt()
	if !ok || !pi.NMI {
		t.Fatalf("NMI must be delivered before a pending maskable interrupt")
	}

	pi, ok = v.NextInterrupt()
	if !ok || pi.Vector != 0x30 {
		t.Fatalf("maskable interrupt should be deliverable once IF is set")
	}
}

func TestRFLAGSSyncsInterruptsEnabled(t *testing.T) {
	t.Parallel()

	v := vcpu.New(0)

	v.WriteRFLAGS(vcpu.FlagIF | vcpu.FlagZF)
	if !v.InterruptsEnabled() {
		t.Fatalf("interruptsEnabled should mirror RFLAGS bit 9")
	}

	v.WriteRFLAGS(vcpu.FlagZF)
	if v.InterruptsEnabled() {
		t.Fatalf("interruptsEnabled should clear when IF is cleared")
	}
}

func TestInterruptGatedByIF(t *testing.T) {
	t.Parallel()

	v := vcpu.New(0)
	v.QueueInterrupt(0x30)

	if _, ok := v.NextInterrupt(); ok {
		t.Fatalf("maskable interrupt must not be deliverable while IF is clear")
	}
}

func TestInterruptGatedByTPR(t *testing.T) {
	t.Parallel()

	v := vcpu.New(0)

	r := v.Registers()
	r.RFLAGS |= vcpu.FlagIF
	v.SetRegisters(r)

	v.WriteControlRegister(8, 5) // TPR=5 => gate = 0x50
	v.QueueInterrupt(0x40)       // below the gate

	if _, ok := v.NextInterrupt(); ok {
		t.Fatalf("interrupt vector below CR8<<4 must be masked")
	}
}

func TestBreakpointTable(t *testing.T) {
	t.Parallel()

	v := vcpu.New(0)
	v.InsertBreakpoint(0x1000)

	if !v.ProbeBreakpoint(0x1000) {
		t.Fatalf("expected breakpoint hit at 0x1000")
	}

	v.SetBreakpointEnabled(0x1000, false)
	if v.ProbeBreakpoint(0x1000) {
		t.Fatalf("disabled breakpoint must not be probed as a hit")
	}

	v.RemoveBreakpoint(0x1000)
	if got := v.ListBreakpoints(); len(got) != 0 {
		t.Fatalf("expected empty breakpoint table after removal, got %v", got)
	}
}

func TestSnapshotRestore(t *testing.T) {
	t.Parallel()

	v := vcpu.New(3)
	v.WriteMSR(vcpu.MSRIA32Star, 0x1234)
	v.WriteControlRegister(0, vcpu.CR0PE|vcpu.CR0PG)

	r := v.Registers()
	r.RIP = 0xFFFF0
	v.SetRegisters(r)

	snap := v.Snapshot()

	v2 := vcpu.New(0)
	v2.Restore(snap)

	if v2.ID() != 3 {
		t.Fatalf("restored ID mismatch: got %d", v2.ID())
	}

	if got := v2.Registers().RIP; got != 0xFFFF0 {
		t.Fatalf("restored RIP mismatch: got %#x", got)
	}

	if got := v2.ReadMSR(vcpu.MSRIA32Star); got != 0x1234 {
		t.Fatalf("restored MSR mismatch: got %#x", got)
	}

	if got := v2.ControlRegisters().CR0; got != vcpu.CR0PE|vcpu.CR0PG {
		t.Fatalf("restored CR0 mismatch: got %#x", got)
	}
}

func TestCPUIDVendorLeaf(t *testing.T) {
	t.Parallel()

	v := vcpu.New(0)
	res := v.CPUID(0, 0)

	if res.EAX == 0 {
		t.Fatalf("leaf 0 should report a non-zero max basic leaf")
	}

	unknown := v.CPUID(0xFF00FF00, 0)
	if unknown != (vcpu.CPUIDResult{}) {
		t.Fatalf("unknown leaf should return an all-zero result, got %+v", unknown)
	}
}
