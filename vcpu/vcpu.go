package vcpu

import (
	"fmt"
	"sync"
)

// Mode is the vCPU's current execution mode, used by the decoder and the
// compilers to pick instruction-length and register-width defaults.
type Mode uint8

const (
	ModeReal Mode = iota
	ModeProtected
	ModeProtected32
	ModeLong64
)

// state is the full architectural state guarded by VCPU.mu. It is kept as
// a plain struct (not a pointer graph) so Snapshot/Restore can copy it
// wholesale.
type state struct {
	regs    GuestRegisters
	segs    SegmentRegisters
	cr      ControlRegisters
	dr      DebugRegisters
	cpuid   CpuidView
	pmu     PMU
	msrs    map[uint32]uint64
	mode    Mode

	halted            bool
	exitRequest       bool
	singleStep        bool
	interruptsEnabled bool

	pending   []PendingInterrupt
	breakpoints []Breakpoint

	trace EventTrace
}

// VCPU is a single guest virtual CPU: its architectural state plus the
// concurrency and tracing machinery the dispatcher and the JIT tiers drive
// it through. One writer (the owning dispatch loop) holds the lock
// exclusively; any number of readers (debug/inspection, migration
// snapshot) may share it when no writer holds it, per spec.md 5.
type VCPU struct {
	id uint32

	mu sync.RWMutex
	s  state

	cond     *sync.Cond
	paused   bool
	resumeCh chan struct{}
}

// New creates a vCPU with the given APIC ID and the default CPUID view.
func New(id uint32) *VCPU {
	v := &VCPU{
		id: id,
		s: state{
			cpuid: DefaultCpuidView(),
			mode:  ModeReal,
		},
	}
	v.cond = sync.NewCond(&sync.Mutex{})

	return v
}

// ID returns the vCPU's APIC ID.
func (v *VCPU) ID() uint32 {
	return v.id
}

// Mode returns the vCPU's current execution mode.
func (v *VCPU) Mode() Mode {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return v.s.mode
}

// SetMode updates the vCPU's execution mode, as determined by CR0.PE,
// EFER.LMA and the current segment's L bit.
func (v *VCPU) SetMode(m Mode) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.s.mode = m
}

// Registers returns a copy of the general purpose register file.
func (v *VCPU) Registers() GuestRegisters {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return v.s.regs
}

// SetRegisters overwrites the general purpose register file. Per the
// RFLAGS invariant, interruptsEnabled is resynchronized from bit 9 of
// the incoming RFLAGS.
func (v *VCPU) SetRegisters(r GuestRegisters) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.s.regs = r
	v.s.interruptsEnabled = r.RFLAGS&FlagIF != 0
}

// WriteRFLAGS writes RFLAGS alone and resynchronizes interruptsEnabled,
// the composite flag the interrupt-delivery path consults.
func (v *VCPU) WriteRFLAGS(value uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.s.regs.RFLAGS = value
	v.s.interruptsEnabled = value&FlagIF != 0
}

// InterruptsEnabled reports the vCPU's cached interrupt-enable flag,
// kept in sync with RFLAGS bit 9 by SetRegisters/WriteRFLAGS.
func (v *VCPU) InterruptsEnabled() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return v.s.interruptsEnabled
}

// Segments returns a copy of the segment/descriptor-table registers.
func (v *VCPU) Segments() SegmentRegisters {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return v.s.segs
}

// SetSegments overwrites the segment/descriptor-table registers.
func (v *VCPU) SetSegments(s SegmentRegisters) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.s.segs = s
}

// ControlRegisters returns a copy of CR0-CR4 and CR8.
func (v *VCPU) ControlRegisters() ControlRegisters {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return v.s.cr
}

// CpuidView returns a copy of the vCPU's CPUID leaf table, for callers
// (the code cache, picking which S2 rewrites are ISA-legal) that need it
// on every dispatch without paying for a full Snapshot.
func (v *VCPU) CpuidView() CpuidView {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return v.s.cpuid
}

// WriteControlRegister writes a single control register by index
// (0, 2, 3, 4 or 8) and records a trace event. CR3 writes are flagged so
// callers can invalidate any guest-physical-address caches they keep.
func (v *VCPU) WriteControlRegister(index uint8, value uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var old uint64

	switch index {
	case 0:
		old, v.s.cr.CR0 = v.s.cr.CR0, value
	case 2:
		old, v.s.cr.CR2 = v.s.cr.CR2, value
	case 3:
		old, v.s.cr.CR3 = v.s.cr.CR3, value
	case 4:
		old, v.s.cr.CR4 = v.s.cr.CR4, value
	case 8:
		old, v.s.cr.CR8 = v.s.cr.CR8, value
	default:
		return
	}

	v.recordEvent(Event{Kind: EventCrWrite, CRIndex: index, Value: value, OldValue: old})
}

// DebugRegisters returns a copy of DR0-DR3, DR6 and DR7.
func (v *VCPU) DebugRegisters() DebugRegisters {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return v.s.dr
}

// WriteDebugRegister writes DRindex. It records no trace event.
func (v *VCPU) WriteDebugRegister(index uint8, value uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.s.dr.Write(index, value)
}

// tscIncrement is the fixed per-RDTSC advance used to emulate forward
// progress, per spec.md 4.1.
const tscIncrement = 1

// Rdtsc advances the virtual timestamp counter by a fixed small
// increment and returns the new value, per spec.md 4.1's rdtsc rule.
func (v *VCPU) Rdtsc() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.s.pmu.CoreCycles += tscIncrement

	return v.s.pmu.CoreCycles
}

// Rdtscp is Rdtsc plus the TSC_AUX MSR, as the RDTSCP instruction returns
// both in one trap.
func (v *VCPU) Rdtscp() (tsc uint64, aux uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.s.pmu.CoreCycles += tscIncrement

	return v.s.pmu.CoreCycles, uint32(v.s.msrs[MSRIA32TSCAux])
}

// SetTSC forces the virtual timestamp counter to value, e.g. for a guest
// WRMSR to a TSC-adjust MSR or for test setup.
func (v *VCPU) SetTSC(value uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.s.pmu.CoreCycles = value
}

// AdvancePMU advances the PMU fixed counters by delta cycles, per
// spec.md 3's PMU advance rule.
func (v *VCPU) AdvancePMU(delta uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.s.pmu.Advance(delta)
}

// Halted reports whether the vCPU is parked in HLT.
func (v *VCPU) Halted() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return v.s.halted
}

// Halt parks the vCPU and records a trace event; it will be woken by the
// next interrupt or NMI delivered through QueueInterrupt/QueueNMI.
func (v *VCPU) Halt() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.s.halted = true
	v.recordEvent(Event{Kind: EventHalted})
}

// wake clears the halted flag; callers must hold v.mu.
func (v *VCPU) wake() {
	if v.s.halted {
		v.s.halted = false
		v.recordEvent(Event{Kind: EventWoken})
	}
}

// RequestExit asks the owning dispatch loop to stop at the next block
// boundary, per spec.md 5's block-boundary-only suspension rule.
func (v *VCPU) RequestExit() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.s.exitRequest = true
}

// ExitRequested reports and clears the exit-request flag.
func (v *VCPU) ExitRequested() bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	r := v.s.exitRequest
	v.s.exitRequest = false

	return r
}

// SetSingleStep toggles TF-forced single-stepping: true sets RFLAGS.TF
// and arms a breakpoint trap after the next instruction.
func (v *VCPU) SetSingleStep(on bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.s.singleStep = on
	if on {
		v.s.regs.RFLAGS |= FlagTF
	} else {
		v.s.regs.RFLAGS &^= FlagTF
	}
}

// SingleStepping reports whether single-step mode is armed.
func (v *VCPU) SingleStepping() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return v.s.singleStep
}

// Pause blocks the calling goroutine (the dispatch loop) until Resume is
// called, honoring the block-boundary-only suspension contract: callers
// must only invoke Pause between compiled-block executions.
func (v *VCPU) Pause() {
	v.cond.L.Lock()
	v.paused = true

	for v.paused {
		v.cond.Wait()
	}

	v.cond.L.Unlock()
}

// Resume wakes a goroutine blocked in Pause.
func (v *VCPU) Resume() {
	v.cond.L.Lock()
	v.paused = false
	v.cond.Broadcast()
	v.cond.L.Unlock()
}

// RequestPause flags the vCPU to pause at its next block boundary; the
// dispatch loop must poll this and call Pause itself.
func (v *VCPU) RequestPause() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.s.exitRequest = true
}

func (v *VCPU) String() string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return fmt.Sprintf("vcpu%d{rip=%#x mode=%d halted=%v}", v.id, v.s.regs.RIP, v.s.mode, v.s.halted)
}
