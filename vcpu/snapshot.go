package vcpu

// MSREntry is an index/value pair for a model-specific register, shaped
// like migration.MSREntry so the migration package can embed vCPU
// snapshots directly instead of re-deriving MSR lists from raw ioctl
// structs.
type MSREntry struct {
	Index uint32
	Data  uint64
}

// Snapshot is the complete, serializable architectural state of one vCPU.
// Unlike the teacher's migration.VCPUState, which stores opaque
// ioctl-struct byte blobs, every field here is a typed value: there is no
// real kernel-side KVM object to preserve byte-for-byte, so the snapshot
// is just a copy of the in-process state struct.
type Snapshot struct {
	ID      uint32
	Regs    GuestRegisters
	Segs    SegmentRegisters
	CR      ControlRegisters
	DR      DebugRegisters
	Cpuid   CpuidView
	PMU     PMU
	MSRs    []MSREntry
	Mode    Mode
	Halted  bool
	Pending []PendingInterrupt
}

// Snapshot captures the vCPU's full architectural state for migration or
// debugging. The event trace and breakpoint table are intentionally
// excluded: they are host-side diagnostics, not guest-visible state.
func (v *VCPU) Snapshot() Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()

	msrs := make([]MSREntry, 0, len(v.s.msrs))
	for idx, val := range v.s.msrs {
		msrs = append(msrs, MSREntry{Index: idx, Data: val})
	}

	pending := make([]PendingInterrupt, len(v.s.pending))
	copy(pending, v.s.pending)

	return Snapshot{
		ID:      v.id,
		Regs:    v.s.regs,
		Segs:    v.s.segs,
		CR:      v.s.cr,
		DR:      v.s.dr,
		Cpuid:   v.s.cpuid,
		PMU:     v.s.pmu,
		MSRs:    msrs,
		Mode:    v.s.mode,
		Halted:  v.s.halted,
		Pending: pending,
	}
}

// Restore overwrites the vCPU's architectural state from a Snapshot taken
// by a prior call to Snapshot. The caller must ensure the vCPU's
// dispatch loop is paused; Restore does not itself pause it.
func (v *VCPU) Restore(snap Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.id = snap.ID
	v.s.regs = snap.Regs
	v.s.interruptsEnabled = snap.Regs.RFLAGS&FlagIF != 0
	v.s.segs = snap.Segs
	v.s.cr = snap.CR
	v.s.dr = snap.DR
	v.s.cpuid = snap.Cpuid
	v.s.pmu = snap.PMU
	v.s.mode = snap.Mode
	v.s.halted = snap.Halted

	v.s.msrs = make(map[uint32]uint64, len(snap.MSRs))
	for _, e := range snap.MSRs {
		v.s.msrs[e.Index] = e.Data
	}

	v.s.pending = append([]PendingInterrupt(nil), snap.Pending...)
}
