package vcpu

// CpuidView is a deterministic, read-only-after-init CPUID leaf table:
// vendor/brand strings, max basic/extended leaves, and feature bitmaps for
// leaf 1, leaf 7, the extended leaves, cache/topology leaves, and the
// hypervisor-vendor leaf that signals a hypervisor is present.
type CpuidView struct {
	Vendor [12]byte
	Brand  [48]byte

	MaxBasicLeaf    uint32
	MaxExtendedLeaf uint32

	FeaturesECX uint32 // leaf 1 ECX
	FeaturesEDX uint32 // leaf 1 EDX

	ExtFeaturesECX uint32 // leaf 0x80000001 ECX
	ExtFeaturesEDX uint32 // leaf 0x80000001 EDX

	StructExtEBX uint32 // leaf 7 subleaf 0 EBX
	StructExtECX uint32 // leaf 7 subleaf 0 ECX
	StructExtEDX uint32 // leaf 7 subleaf 0 EDX

	CacheLineSize uint8
	L1DCacheSize  uint32
	L1ICacheSize  uint32
	L2CacheSize   uint32
	L3CacheSize   uint32

	LogicalProcessors uint8
	PhysicalCores     uint8
}

// DefaultCpuidView returns a view describing a reasonable modern CPU,
// matching the defaults the firmware manager hands to a freshly created
// vCPU.
func DefaultCpuidView() CpuidView {
	v := CpuidView{
		MaxBasicLeaf:      0x16,
		MaxExtendedLeaf:   0x8000001F,
		FeaturesECX:       cpuidECXSSE3 | cpuidECXPCLMULQDQ | cpuidECXSSSE3 | cpuidECXCX16 | cpuidECXSSE41 | cpuidECXSSE42 | cpuidECXPOPCNT | cpuidECXAES | cpuidECXXSAVE | cpuidECXAVX | cpuidECXRDRAND | cpuidECXHypervisor,
		FeaturesEDX:       cpuidEDXFPU | cpuidEDXVME | cpuidEDXDE | cpuidEDXPSE | cpuidEDXTSC | cpuidEDXMSR | cpuidEDXPAE | cpuidEDXMCE | cpuidEDXCX8 | cpuidEDXAPIC | cpuidEDXSEP | cpuidEDXMTRR | cpuidEDXPGE | cpuidEDXMCA | cpuidEDXCMOV | cpuidEDXPAT | cpuidEDXPSE36 | cpuidEDXCLFSH | cpuidEDXMMX | cpuidEDXFXSR | cpuidEDXSSE | cpuidEDXSSE2,
		ExtFeaturesECX:    0x00000121,
		ExtFeaturesEDX:    0x2C100800,
		StructExtEBX:      0x029C67AF,
		CacheLineSize:     64,
		L1DCacheSize:      32 * 1024,
		L1ICacheSize:      32 * 1024,
		L2CacheSize:       256 * 1024,
		L3CacheSize:       8 * 1024 * 1024,
		LogicalProcessors: 4,
		PhysicalCores:     4,
	}
	copy(v.Vendor[:], "NexaOSVirtua")
	copy(v.Brand[:], "NexaOS Virtual CPU v2.0 @ 3.6GHz")

	return v
}

// CPUID leaf 1 EDX feature bits.
const (
	cpuidEDXFPU    = 1 << 0
	cpuidEDXVME    = 1 << 1
	cpuidEDXDE     = 1 << 2
	cpuidEDXPSE    = 1 << 3
	cpuidEDXTSC    = 1 << 4
	cpuidEDXMSR    = 1 << 5
	cpuidEDXPAE    = 1 << 6
	cpuidEDXMCE    = 1 << 7
	cpuidEDXCX8    = 1 << 8
	cpuidEDXAPIC   = 1 << 9
	cpuidEDXSEP    = 1 << 11
	cpuidEDXMTRR   = 1 << 12
	cpuidEDXPGE    = 1 << 13
	cpuidEDXMCA    = 1 << 14
	cpuidEDXCMOV   = 1 << 15
	cpuidEDXPAT    = 1 << 16
	cpuidEDXPSE36  = 1 << 17
	cpuidEDXCLFSH  = 1 << 19
	cpuidEDXMMX    = 1 << 23
	cpuidEDXFXSR   = 1 << 24
	cpuidEDXSSE    = 1 << 25
	cpuidEDXSSE2   = 1 << 26
)

// CPUID leaf 1 ECX feature bits.
const (
	cpuidECXSSE3       = 1 << 0
	cpuidECXPCLMULQDQ  = 1 << 1
	cpuidECXSSSE3      = 1 << 9
	cpuidECXCX16       = 1 << 13
	cpuidECXSSE41      = 1 << 19
	cpuidECXSSE42      = 1 << 20
	cpuidECXPOPCNT     = 1 << 23
	cpuidECXAES        = 1 << 25
	cpuidECXXSAVE      = 1 << 26
	cpuidECXAVX        = 1 << 28
	cpuidECXRDRAND     = 1 << 30
	cpuidECXHypervisor = 1 << 31
)

// HypervisorVendorLeaf is the base leaf of the hypervisor CPUID range.
const HypervisorVendorLeaf = 0x40000000

// CPUIDResult is the four-register result of a CPUID query.
type CPUIDResult struct {
	EAX, EBX, ECX, EDX uint32
}

// CPUID performs a deterministic table lookup by (leaf, subleaf). Unknown
// leaves return all-zero quadruples, per spec.md 4.1.
func (v *VCPU) CPUID(leaf, subleaf uint32) CPUIDResult {
	v.mu.RLock()
	defer v.mu.RUnlock()

	c := &v.s.cpuid

	switch {
	case leaf == 0:
		return CPUIDResult{
			EAX: c.MaxBasicLeaf,
			EBX: le32(c.Vendor[0:4]),
			ECX: le32(c.Vendor[8:12]),
			EDX: le32(c.Vendor[4:8]),
		}
	case leaf == 1:
		signature := uint32(6<<8 | 15<<4 | 1)
		logical := uint32(c.LogicalProcessors)

		return CPUIDResult{
			EAX: signature,
			EBX: (v.id << 24) | (logical << 16) | 0x0800,
			ECX: c.FeaturesECX,
			EDX: c.FeaturesEDX,
		}
	case leaf == 4 && subleaf <= 3:
		switch subleaf {
		case 0:
			return CPUIDResult{0x121, 0x01C0003F, 0x0000003F, 0x00000000}
		case 1:
			return CPUIDResult{0x122, 0x01C0003F, 0x0000003F, 0x00000000}
		case 2:
			return CPUIDResult{0x143, 0x01C0003F, 0x000003FF, 0x00000000}
		default:
			return CPUIDResult{0x163, 0x02C0003F, 0x00003FFF, 0x00000002}
		}
	case leaf == 6:
		return CPUIDResult{0x77, 0x02, 0x09, 0x00}
	case leaf == 7 && subleaf == 0:
		return CPUIDResult{0, c.StructExtEBX, c.StructExtECX, c.StructExtEDX}
	case leaf == 0xA:
		return CPUIDResult{
			EAX: 4 | (4 << 8) | (48 << 16),
			EDX: 3 | (3 << 5),
		}
	case leaf == 0xB && subleaf <= 1:
		if subleaf == 0 {
			return CPUIDResult{1, 2, 0x100, v.id}
		}

		return CPUIDResult{4, uint32(c.PhysicalCores), 0x201, v.id}
	case leaf == 0x15:
		return CPUIDResult{1, 1, 0, 0}
	case leaf == 0x16:
		return CPUIDResult{3600, 4000, 100, 0}
	case leaf == HypervisorVendorLeaf:
		return CPUIDResult{
			EAX: HypervisorVendorLeaf + 1,
			EBX: le32([]byte("Nexa")),
			ECX: le32([]byte("OSVM")),
			EDX: le32([]byte("Test")),
		}
	case leaf == HypervisorVendorLeaf+1:
		return CPUIDResult{0x01, 0, 0, 0}
	case leaf == 0x80000000:
		return CPUIDResult{EAX: c.MaxExtendedLeaf}
	case leaf == 0x80000001:
		return CPUIDResult{ECX: c.ExtFeaturesECX, EDX: c.ExtFeaturesEDX}
	case leaf >= 0x80000002 && leaf <= 0x80000004:
		off := (leaf - 0x80000002) * 16
		b := c.Brand[off : off+16]

		return CPUIDResult{le32(b[0:4]), le32(b[4:8]), le32(b[8:12]), le32(b[12:16])}
	case leaf == 0x80000006:
		l2kb := c.L2CacheSize / 1024

		return CPUIDResult{ECX: (l2kb << 16) | 0x0140}
	case leaf == 0x80000007:
		return CPUIDResult{EDX: 0x100}
	case leaf == 0x80000008:
		return CPUIDResult{0x3028, 0, uint32(c.PhysicalCores), 0}
	default:
		return CPUIDResult{}
	}
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
