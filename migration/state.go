// Package migration provides the types and framed transport used to move
// a running guest from one host process to another.
package migration

import (
	"github.com/nexaos/nvm/firmware"
	"github.com/nexaos/nvm/vcpu"
)

// Snapshot is the complete state handed off during migration: every
// vCPU's full architectural state, the firmware boot phase reached, and
// the guest memory size. Each vcpu.Snapshot already carries registers,
// segments, control/debug registers, CPUID, PMU, MSRs, mode and the
// pending-interrupt queue, so unlike the teacher's per-field KVM byte
// blobs (kvm.Regs/Sregs/LAPICState/VCPUEvents/XCRS, one raw slice each)
// there is a single well-typed field per vCPU here.
//
// Compiled code is never part of a Snapshot: migrating an optimized S2
// translation across host microarchitectures is out of scope (a
// destination with a different CpuidView could not safely run code
// compiled against speculative guards tied to the source's profile
// data), so the destination always resumes every migrated block at S1
// and lets its own profile database re-discover what is hot.
//
// Guest memory itself is transferred separately as a raw byte stream
// (see Sender.SendMemoryFull/SendMemoryDirty), never embedded in the
// gob-encoded Snapshot.
type Snapshot struct {
	NCPUs      int
	MemSize    int
	BootPhase  firmware.BootPhase
	VCPUStates []vcpu.Snapshot
}
