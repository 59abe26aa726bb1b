package vcpu

// Vector is an x86 exception or interrupt vector number.
type Vector uint8

// Architectural exception vectors referenced by the decoder and the JIT
// tiers when they raise a fault.
const (
	VectorDE  Vector = 0  // divide error
	VectorDB  Vector = 1  // debug
	VectorNMI Vector = 2  // non-maskable interrupt
	VectorBP  Vector = 3  // breakpoint (INT3)
	VectorOF  Vector = 4  // overflow (INTO)
	VectorBR  Vector = 5  // bound range exceeded
	VectorUD  Vector = 6  // invalid opcode
	VectorNM  Vector = 7  // device not available
	VectorDF  Vector = 8  // double fault
	VectorTS  Vector = 10 // invalid TSS
	VectorNP  Vector = 11 // segment not present
	VectorSS  Vector = 12 // stack-segment fault
	VectorGP  Vector = 13 // general protection fault
	VectorPF  Vector = 14 // page fault
	VectorMF  Vector = 16 // x87 FP exception
	VectorAC  Vector = 17 // alignment check
	VectorMC  Vector = 18 // machine check
	VectorXM  Vector = 19 // SIMD FP exception
)

// PendingInterrupt describes an exception or external interrupt queued for
// delivery. NMI is a distinct, higher-priority class; ErrorCode is valid
// only for the vectors that push one (DF, TS, NP, SS, GP, PF, AC).
type PendingInterrupt struct {
	Vector    Vector
	NMI       bool
	HasError  bool
	ErrorCode uint32
	CR2       uint64 // valid for page faults
}

// QueueException enqueues a synchronous CPU exception raised by the
// currently executing instruction.
func (v *VCPU) QueueException(vec Vector, errorCode uint32, hasError bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.s.pending = append(v.s.pending, PendingInterrupt{Vector: vec, HasError: hasError, ErrorCode: errorCode})
	v.wake()
}

// QueuePageFault enqueues a #PF with the faulting linear address in CR2,
// per the architectural page-fault delivery contract.
func (v *VCPU) QueuePageFault(addr uint64, errorCode uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.s.cr.CR2 = addr
	v.s.pending = append(v.s.pending, PendingInterrupt{
		Vector: VectorPF, HasError: true, ErrorCode: errorCode, CR2: addr,
	})
	v.wake()
}

// QueueInterrupt enqueues an external (maskable) interrupt.
func (v *VCPU) QueueInterrupt(vec Vector) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.s.pending = append(v.s.pending, PendingInterrupt{Vector: vec})
	v.wake()
}

// QueueNMI enqueues a non-maskable interrupt.
func (v *VCPU) QueueNMI() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.s.pending = append(v.s.pending, PendingInterrupt{Vector: VectorNMI, NMI: true})
	v.wake()
}

// NextInterrupt selects and removes the highest-priority deliverable
// interrupt, honoring spec.md 3's priority rule: NMI always wins; a
// maskable interrupt is only deliverable when RFLAGS.IF is set and its
// vector exceeds the current TPR gate (CR8<<4). It returns
// ok=false when nothing is currently deliverable.
func (v *VCPU) NextInterrupt() (pi PendingInterrupt, ok bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i, p := range v.s.pending {
		if p.NMI {
			v.s.pending = append(v.s.pending[:i], v.s.pending[i+1:]...)
			v.wake()

			return p, true
		}
	}

	ifSet := v.s.interruptsEnabled
	tprGate := v.s.cr.CR8 << 4

	for i, p := range v.s.pending {
		if p.NMI {
			continue
		}

		if uint64(p.Vector) <= uint64(VectorXM) {
			// Synchronous exceptions bypass IF/TPR gating entirely.
			v.s.pending = append(v.s.pending[:i], v.s.pending[i+1:]...)
			v.wake()

			return p, true
		}

		if ifSet && uint64(p.Vector) > tprGate {
			v.s.pending = append(v.s.pending[:i], v.s.pending[i+1:]...)
			v.wake()

			return p, true
		}
	}

	return PendingInterrupt{}, false
}

// HasPending reports whether any exception or interrupt is queued,
// without dequeuing it.
func (v *VCPU) HasPending() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return len(v.s.pending) > 0
}
