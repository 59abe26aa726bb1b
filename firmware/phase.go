// Package firmware drives the boot-phase state machine that hands a
// freshly created vCPU off to guest code: it walks Reset through SEC,
// PEI, DXE, BDS and into RT, builds the vcpu.FirmwareBootContext the
// vCPU is loaded with, and tells the caller which phases are valid
// snapshot points. Grounded on bootparam.BootParam and bootproto.BootProto
// (Linux boot protocol struct packing), ebda.EBDA (MP table construction)
// and pvh (GDT entry construction for the 32-bit protected-mode handoff),
// all kept from the teacher and adapted to populate a FirmwareBootContext
// instead of raw KVM sregs.
package firmware

// BootPhase is one stage of the UEFI-shaped boot lifecycle: Reset, then
// SEC (silicon init), PEI (memory init), DXE (driver dispatch), BDS (boot
// device selection), and finally RT (runtime services available to the
// running OS).
type BootPhase uint8

const (
	Reset BootPhase = iota
	SecCpuInit
	SecTrustRoot
	PeiProtectedMode
	PeiMemoryInit
	PeiMemoryDiscovery
	PeiHobCreation
	DxeLongMode
	DxeDispatcher
	DxeArchProtocols
	DxeGopInit
	DxePlatformDrivers
	DxeConsoleInit
	DxePciEnumeration
	DxeStorageDrivers
	DxeNetworkDrivers
	BdsWaitingForSetupKey
	BdsSetupMenu
	BdsDeviceEnumeration
	BdsBootMenu
	BdsLoadingOsLoader
	BdsExitBootServices
	RtRunning
	RtVirtualMode

	numPhases
)

var phaseNames = [numPhases]string{
	Reset:                 "reset",
	SecCpuInit:            "sec-cpu-init",
	SecTrustRoot:          "sec-trust-root",
	PeiProtectedMode:      "pei-protected-mode",
	PeiMemoryInit:         "pei-memory-init",
	PeiMemoryDiscovery:    "pei-memory-discovery",
	PeiHobCreation:        "pei-hob-creation",
	DxeLongMode:           "dxe-long-mode",
	DxeDispatcher:         "dxe-dispatcher",
	DxeArchProtocols:      "dxe-arch-protocols",
	DxeGopInit:            "dxe-gop-init",
	DxePlatformDrivers:    "dxe-platform-drivers",
	DxeConsoleInit:        "dxe-console-init",
	DxePciEnumeration:     "dxe-pci-enumeration",
	DxeStorageDrivers:     "dxe-storage-drivers",
	DxeNetworkDrivers:     "dxe-network-drivers",
	BdsWaitingForSetupKey: "bds-waiting-for-setup-key",
	BdsSetupMenu:          "bds-setup-menu",
	BdsDeviceEnumeration:  "bds-device-enumeration",
	BdsBootMenu:           "bds-boot-menu",
	BdsLoadingOsLoader:    "bds-loading-os-loader",
	BdsExitBootServices:   "bds-exit-boot-services",
	RtRunning:             "rt-running",
	RtVirtualMode:         "rt-virtual-mode",
}

func (p BootPhase) String() string {
	if p >= numPhases {
		return "bootphase(invalid)"
	}

	return phaseNames[p]
}

// Progress returns how far along the boot lifecycle p is, as a percent
// from 0 (Reset) to 100 (RtVirtualMode).
func (p BootPhase) Progress() int {
	if p >= numPhases {
		return 100
	}

	return int(p) * 100 / int(numPhases-1)
}

// snapshotPoints is the well-defined subset of phases at which the full
// vCPU and code-cache state may be serialized for later resumption: the
// points where memory and the long-mode paging setup have settled but
// before any device-specific or OS-specific state accumulates.
var snapshotPoints = map[BootPhase]bool{
	PeiMemoryInit:      true,
	DxeLongMode:        true,
	BdsLoadingOsLoader: true,
	RtRunning:          true,
	RtVirtualMode:      true,
}

// IsSnapshotPoint reports whether p is one of the phases at which
// migration.Snapshot may be taken.
func (p BootPhase) IsSnapshotPoint() bool {
	return snapshotPoints[p]
}

// Next returns the phase that follows p in the normal (non-branching)
// boot sequence, and false once RtVirtualMode has been reached. Callers
// that want the BdsSetupMenu detour (entered only when a setup hotkey is
// observed) skip to it explicitly rather than through Next.
func (p BootPhase) Next() (BootPhase, bool) {
	if p >= RtVirtualMode || p >= numPhases-1 {
		return p, false
	}

	if p == BdsWaitingForSetupKey {
		return BdsDeviceEnumeration, true
	}

	return p + 1, true
}

// LegacyAlias maps a full UEFI-shaped phase onto the coarser phase a
// legacy BIOS firmware reports, since BIOS has no SEC/PEI/DXE split and
// no setup-menu detour. Phases with no legacy analogue collapse onto the
// nearest phase a BIOS POST actually passes through.
func (p BootPhase) LegacyAlias() BootPhase {
	switch {
	case p == Reset:
		return Reset
	case p <= PeiMemoryDiscovery:
		return SecCpuInit
	case p <= DxeLongMode:
		return PeiMemoryInit
	case p <= DxeConsoleInit:
		return DxeDispatcher
	case p <= DxeNetworkDrivers:
		return DxePciEnumeration
	case p <= BdsBootMenu:
		return BdsDeviceEnumeration
	case p <= BdsExitBootServices:
		return BdsLoadingOsLoader
	case p == RtRunning:
		return RtRunning
	default:
		return RtVirtualMode
	}
}
