// Package bootparam implements the Linux x86 boot protocol's boot_params
// page: the zero page a bootloader fills in and hands to the kernel's
// entry point in place of real BIOS services. Field names and byte
// offsets mirror arch/x86/include/uapi/asm/bootparam.h, since those
// offsets are the wire format the kernel itself parses.
package bootparam

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Real-mode memory map landmarks, the fixed addresses every x86
// BIOS/Linux boot protocol agrees on regardless of firmware.
const (
	RealModeIvtBegin = 0x00000000
	EBDAStart        = 0x0009fc00
	VGARAMBegin      = 0x000a0000
	MBBIOSBegin      = 0x000f0000
	MBBIOSEnd        = 0x00100000
)

// E820Type classifies one BIOS-style e820 memory map entry.
type E820Type uint32

const (
	E820Ram      E820Type = 1
	E820Reserved E820Type = 2
	E820ACPI     E820Type = 3
	E820NVS      E820Type = 4
	E820Unusable E820Type = 5
)

// setup_header load_flags bits.
const (
	LoadedHigh   uint8 = 1 << 0
	KeepSegments uint8 = 1 << 6
	CanUseHeap   uint8 = 1 << 7
)

const (
	bootParamSize  = 0x1000
	e820TableBase  = 0x2d0
	e820MaxEntries = 128

	bootFlagMagic = 0xaa55
	headerMagic   = 0x53726448 // "HdrS" packed little-endian
)

// E820Entry is one boot_e820_entry: a physical range and how the
// bootloader classifies it.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type E820Type
}

// SetupHeader is setup_header, the part of boot_params a bootloader
// fills in before jumping to the kernel's entry point.
type SetupHeader struct {
	SetupSects        uint8
	RootFlags         uint16
	Syssize           uint32
	RamSize           uint16
	VidMode           uint16
	RootDev           uint16
	BootFlag          uint16
	Jump              uint16
	Header            uint32
	Version           uint16
	RealmodeSwtch     uint32
	StartSysSeg       uint16
	KernelVersion     uint16
	TypeOfLoader      uint8
	LoadFlags         uint8
	SetupMoveSize     uint16
	Code32Start       uint32
	RamdiskImage      uint32
	RamdiskSize       uint32
	BootsectKludge    uint32
	HeapEndPtr        uint16
	ExtLoaderVer      uint8
	ExtLoaderType     uint8
	CmdlinePtr        uint32
	InitrdAddrMax     uint32
	KernelAlignment   uint32
	RelocatableKernel uint8
	MinAlignment      uint8
	XLoadFlags        uint16
	CmdlineSize       uint32
	HardwareSubarch   uint32
	HWSubarchData     uint64
	PayloadOffset     uint32
	PayloadLength     uint32
	SetupData         uint64
	PrefAddress       uint64
	InitSize          uint32
	HandoverOffset    uint32
	Pad               [40]byte
}

// BootParam is boot_params, the zero page. Every field before Hdr and
// every field after it is preserved byte-for-byte even though nvm only
// ever populates a handful of them, so the kernel's own parsing of
// regions nvm doesn't touch (EDID, EFI info, EDD) still sees the zeroed
// layout it expects rather than garbage.
type BootParam struct {
	ScreenInfo          [0x40]byte
	APMBIOSInfo         [0x14]byte
	Pad2                [4]byte
	TbootAddr           uint64
	ISTInfo             [0x10]byte
	AcpiRsdpAddr        uint64
	Pad3                [8]byte
	HD0Info             [16]byte
	HD1Info             [16]byte
	SysDescTable        [16]byte
	OLPCOFWHeader       [16]byte
	ExtRamdiskImage     uint32
	ExtRamdiskSize      uint32
	ExtCmdlinePtr       uint32
	Pad4                [116]byte
	EDIDInfo            [0x80]byte
	EFIInfo             [0x20]byte
	AltMemK             uint32
	Scratch             uint32
	E820Entries         uint8
	EDDBufEntries       uint8
	EDDMBRSigBufEntries uint8
	KbdStatus           uint8
	SecureBoot          uint8
	Pad5                [2]byte
	Sentinel            uint8
	Pad6                [1]byte
	Hdr                 SetupHeader
	EDDMBRSigBuffer     [16]uint32
	E820Table           [e820MaxEntries]E820Entry
	Pad8                [48]byte
	EDDBuf              [6][82]byte
	Pad9                [276]byte
}

// New reads a bzImage's boot sector and setup header off f and returns
// the parsed boot_params page. Anything that isn't a valid Linux x86
// bzImage -- too short to hold a full page, or missing the 0xAA55 boot
// flag and "HdrS" magic -- is rejected rather than silently accepted.
func New(f io.Reader) (*BootParam, error) {
	raw := make([]byte, bootParamSize)
	if _, err := io.ReadFull(f, raw); err != nil {
		return nil, fmt.Errorf("bootparam: not a bzImage: %w", err)
	}

	bp := &BootParam{}
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, bp); err != nil {
		return nil, fmt.Errorf("bootparam: decode boot_params: %w", err)
	}

	if bp.Hdr.BootFlag != bootFlagMagic {
		return nil, fmt.Errorf("bootparam: bad boot flag 0x%04x, not a bzImage", bp.Hdr.BootFlag)
	}

	if bp.Hdr.Header != headerMagic {
		return nil, fmt.Errorf("bootparam: bad setup header magic 0x%08x, not a bzImage", bp.Hdr.Header)
	}

	return bp, nil
}

// Bytes serializes the boot_params page back to its on-wire form, ready
// to be copied into guest memory at the zero-page address.
func (b *BootParam) Bytes() ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, b); err != nil {
		return nil, fmt.Errorf("bootparam: encode boot_params: %w", err)
	}

	return buf.Bytes(), nil
}

// AddE820Entry appends one e820 memory map entry and bumps E820Entries.
// Entries beyond the fixed-size table are silently dropped: a guest
// memory map dense enough to overflow 128 entries is not a shape nvm's
// boot path produces.
func (b *BootParam) AddE820Entry(addr, size uint64, typ E820Type) {
	if int(b.E820Entries) >= len(b.E820Table) {
		return
	}

	b.E820Table[b.E820Entries] = E820Entry{Addr: addr, Size: size, Type: typ}
	b.E820Entries++
}
