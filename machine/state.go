package machine

// state.go – guest snapshot helpers for live migration. Unlike the
// teacher's state.go, there is no host kernel holding any of this state:
// every field a migration.Snapshot needs already lives in a vcpu.VCPU or
// a firmware.Manager, so Save/Restore just copy it across.

import (
	"fmt"
	"io"

	"github.com/nexaos/nvm/migration"
	"github.com/nexaos/nvm/vcpu"
)

// SaveSnapshot captures every vCPU's full architectural state plus the
// firmware boot phase reached, for transmission via migration.Sender.
// Compiled code and guest memory are not part of the snapshot: see
// migration.Snapshot's doc comment for why.
func (m *Machine) SaveSnapshot() *migration.Snapshot {
	states := make([]vcpu.Snapshot, len(m.vcpus))
	for i, v := range m.vcpus {
		states[i] = v.Snapshot()
	}

	return &migration.Snapshot{
		NCPUs:      len(m.vcpus),
		MemSize:    len(m.mem),
		BootPhase:  m.fw.Phase(),
		VCPUStates: states,
	}
}

// RestoreSnapshot applies a previously captured Snapshot to this
// Machine's vCPUs and firmware manager. The caller must have already
// restored guest memory (e.g. via RestoreMemory) and must have created
// this Machine with the same NCPUs/MemSize the snapshot was taken with.
func (m *Machine) RestoreSnapshot(snap *migration.Snapshot) error {
	if snap.NCPUs != len(m.vcpus) {
		return fmt.Errorf("%w: snapshot has %d vcpus, machine has %d", ErrBadCPU, snap.NCPUs, len(m.vcpus))
	}

	if len(snap.VCPUStates) != len(m.vcpus) {
		return fmt.Errorf("%w: snapshot carries %d vcpu states, want %d", ErrBadCPU, len(snap.VCPUStates), len(m.vcpus))
	}

	for i, v := range m.vcpus {
		v.Restore(snap.VCPUStates[i])
	}

	m.fw.Reset()

	for m.fw.Phase() != snap.BootPhase {
		before := m.fw.Phase()
		if m.fw.Advance(false) == before {
			return fmt.Errorf("firmware manager cannot reach boot phase %v from %v", snap.BootPhase, before)
		}
	}

	return nil
}

// SaveMemory writes the full guest physical memory to w as a raw byte
// stream.
func (m *Machine) SaveMemory(w io.Writer) error {
	_, err := w.Write(m.mem)

	return err
}

// RestoreMemory reads len(m.mem) bytes from r and fills guest physical
// memory. m.mem must already be allocated (by New) with the same size
// as the source.
func (m *Machine) RestoreMemory(r io.Reader) error {
	_, err := io.ReadFull(r, m.mem)

	return err
}
