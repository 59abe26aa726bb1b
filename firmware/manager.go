package firmware

import (
	"fmt"
	"io"

	"github.com/nexaos/nvm/bootparam"
	"github.com/nexaos/nvm/pvh"
	"github.com/nexaos/nvm/vcpu"
)

// Type selects which firmware a Manager emulates booting. The three
// values correspond to the three shapes of boot-phase walk spec.md's
// BootPhase entity describes: a legacy BIOS POST (collapsed onto the
// LegacyAlias subset), a plain UEFI boot, and a UEFI boot with Secure
// Boot signature verification active at BdsLoadingOsLoader.
type Type uint8

const (
	BIOS Type = iota
	UEFI
	UEFISecure
)

func (t Type) String() string {
	switch t {
	case BIOS:
		return "bios"
	case UEFI:
		return "uefi"
	case UEFISecure:
		return "uefi-secure"
	default:
		return "firmware(invalid)"
	}
}

// Config selects the firmware a Manager drives and bounds how long it
// will wait at BdsWaitingForSetupKey before continuing unattended.
type Config struct {
	Type           Type
	BootTimeoutSec int
}

// Manager walks a single vCPU's boot phase state machine from Reset to
// RtVirtualMode, builds the FirmwareBootContext handed to the vCPU at
// each phase transition that changes its architectural state, and
// reports which phases are valid snapshot points.
type Manager struct {
	cfg   Config
	phase BootPhase
}

// NewManager creates a Manager parked at Reset.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg, phase: Reset}
}

// Phase returns the current boot phase, collapsed through LegacyAlias
// when the Manager is driving a BIOS boot, since BIOS guests (and any
// code inspecting m.Phase()) never observe the UEFI-only intermediate
// phases.
func (m *Manager) Phase() BootPhase {
	if m.cfg.Type == BIOS {
		return m.phase.LegacyAlias()
	}

	return m.phase
}

// Advance steps the state machine one phase forward. setupKeyPressed is
// only consulted at BdsWaitingForSetupKey, where it decides whether the
// walk detours through BdsSetupMenu or proceeds straight to device
// enumeration; it is ignored everywhere else, including for a BIOS
// Config, which has no menu detour.
func (m *Manager) Advance(setupKeyPressed bool) BootPhase {
	if m.phase == BdsWaitingForSetupKey && setupKeyPressed && m.cfg.Type != BIOS {
		m.phase = BdsSetupMenu

		return m.Phase()
	}

	if next, ok := m.phase.Next(); ok {
		m.phase = next
	}

	return m.Phase()
}

// Reset parks the Manager back at the reset phase, as happens on a
// guest-triggered system reset (ir.ExitReset).
func (m *Manager) Reset() {
	m.phase = Reset
}

// IsSnapshotPoint reports whether the Manager's current phase is one of
// the well-defined points at which the vCPU and code cache may be
// serialized.
func (m *Manager) IsSnapshotPoint() bool {
	return m.phase.IsSnapshotPoint()
}

// ResetBootContext returns the bit-exact CPU reset state shared by every
// firmware type: 16-bit real mode at the classic reset vector.
func (m *Manager) ResetBootContext() vcpu.FirmwareBootContext {
	return vcpu.DefaultFirmwareBootContext()
}

// ProtectedModeBootContext builds the FirmwareBootContext a 32-bit
// protected-mode kernel entry point (the PVH/Linux boot protocol's
// direct-boot path) expects: the flat GDT from pvh.CreateGDT loaded,
// paging off, protection on. Used once the phase walk reaches
// DxeLongMode with a 32-bit guest payload.
func ProtectedModeBootContext(entryPoint, stackPointer uint64) vcpu.FirmwareBootContext {
	gdt := pvh.CreateGDT()

	cs := pvh.SegmentFromGDT(gdt[1], 1)
	ds := pvh.SegmentFromGDT(gdt[2], 2)

	return vcpu.FirmwareBootContext{
		EntryPoint:   entryPoint,
		StackPointer: stackPointer,
		CS:           cs,
		DS:           ds,
		RealMode:     false,
		CR0:          vcpu.CR0PE | vcpu.CR0ET,
		CR3:          0,
		CR4:          0,
		EFER:         0,
		RFLAGS:       0x00000002,
		GDT:          vcpu.Descriptor{Base: 0, Limit: uint16(len(gdt)*8 - 1)},
		IDT:          vcpu.Descriptor{Base: 0, Limit: 0},
	}
}

// LinuxZeroPage assembles the Linux x86 boot protocol zero page for a
// direct (non-PVH) kernel boot: the parsed bzImage header, a four-region
// e820 memory map (real-mode IVT, EBDA, the legacy BIOS hole, and high
// memory), and the setup_header fields a bzImage 2.00+ loader must fill
// in. It is the same field set machine.Machine.LoadLinux used to build
// inline; the firmware manager now owns it since the boot-phase walk is
// what decides when direct-boot fields get fixed, not the memory manager.
func (m *Manager) LinuxZeroPage(kernel io.Reader, cmdlineAddr, initrdAddr uint64, initrdSize int,
	cmdlineLen int, highMemBase, memSize uint64,
) (*bootparam.BootParam, error) {
	bp, err := bootparam.New(kernel)
	if err != nil {
		return nil, fmt.Errorf("firmware: parse bzImage: %w", err)
	}

	bp.AddE820Entry(
		bootparam.RealModeIvtBegin,
		bootparam.EBDAStart-bootparam.RealModeIvtBegin,
		bootparam.E820Ram,
	)
	bp.AddE820Entry(
		bootparam.EBDAStart,
		bootparam.VGARAMBegin-bootparam.EBDAStart,
		bootparam.E820Reserved,
	)
	bp.AddE820Entry(
		bootparam.MBBIOSBegin,
		bootparam.MBBIOSEnd-bootparam.MBBIOSBegin,
		bootparam.E820Reserved,
	)
	bp.AddE820Entry(highMemBase, memSize-highMemBase, bootparam.E820Ram)

	bp.Hdr.VidMode = 0xffff
	bp.Hdr.TypeOfLoader = 0xff
	bp.Hdr.RamdiskImage = uint32(initrdAddr)
	bp.Hdr.RamdiskSize = uint32(initrdSize)
	bp.Hdr.LoadFlags |= bootparam.CanUseHeap | bootparam.LoadedHigh | bootparam.KeepSegments
	bp.Hdr.HeapEndPtr = 0xfe00
	bp.Hdr.ExtLoaderVer = 0
	bp.Hdr.CmdlinePtr = uint32(cmdlineAddr)
	bp.Hdr.CmdlineSize = uint32(cmdlineLen + 1)

	return bp, nil
}
