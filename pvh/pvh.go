// Package pvh builds the flat GDT a guest needs before it can be dropped
// into 32-bit protected mode at the PVH/Linux boot entry point, and the
// inverse: turning one packed GDT entry back into a vcpu.Segment the
// vCPU can load directly.
package pvh

import "github.com/nexaos/nvm/vcpu"

// GdtEntry packs a flat (base/limit already split into the descriptor's
// scattered bit positions) segment descriptor the way the x86 GDT format
// requires: limit[15:0] and base[23:0] each sit contiguously, but the
// access byte and the flags nibble (G, D/B, L, AVL) share byte 6 with
// limit[19:16], so flag only ever contributes bits 0-7 (access byte) and
// bits 12-15 (flags nibble) -- bits 8-11 are reserved for limit and must
// stay zero in flag.
func GdtEntry(flag uint16, base, limit uint32) uint64 {
	return (uint64(base)&0xff000000)<<(56-24) |
		(uint64(flag)&0x0000f0ff)<<40 |
		(uint64(limit)&0x000f0000)<<(48-16) |
		(uint64(base)&0x00ffffff)<<16 |
		uint64(limit)&0x0000ffff
}

// SegmentFromGDT unpacks one 8-byte descriptor back into a vcpu.Segment,
// the inverse of GdtEntry. tableIndex becomes the flat selector (index<<3,
// RPL 0) since these GDTs are never indexed with a nonzero RPL. A zero
// entry is flagged Unusable rather than decoded, matching how an empty
// null descriptor is used by real segment registers.
func SegmentFromGDT(entry uint64, tableIndex uint8) vcpu.Segment {
	if entry == 0 {
		return vcpu.Segment{Unusable: 1}
	}

	rawLimit := uint32(entry&0xffff) | uint32((entry>>48)&0xf)<<16
	base := (entry>>16)&0xffffff | ((entry >> 56) & 0xff << 24)

	g := uint8((entry >> 55) & 0x1)

	limit := rawLimit
	if g == 1 {
		limit = (rawLimit << 12) | 0xfff
	}

	return vcpu.Segment{
		Base:     uint64(base),
		Limit:    limit,
		Selector: uint16(tableIndex) << 3,
		Typ:      uint8((entry >> 40) & 0xf),
		Present:  uint8((entry >> 47) & 0x1),
		DPL:      uint8((entry >> 45) & 0x3),
		S:        uint8((entry >> 44) & 0x1),
		AVL:      uint8((entry >> 52) & 0x1),
		L:        uint8((entry >> 53) & 0x1),
		DB:       uint8((entry >> 54) & 0x1),
		G:        g,
	}
}

// Flat segment access-byte/flags values for CreateGDT's four entries:
// a present 32-bit code segment, a present 32-bit data segment, and a
// 32-bit busy TSS (type 0xB), all with base 0 so the whole address space is
// addressable through them.
const (
	codeSegFlag = 0xc09b
	dataSegFlag = 0xc093
	tssSegFlag  = 0x008b

	flatLimit = 0xffffffff
	tssLimit  = 0x67
)

// CreateGDT builds the 4-entry flat GDT (null, code, data, TSS) that the
// PVH/Linux 32-bit boot entry point expects to find already loaded: a
// null descriptor, a 4GB code segment, a 4GB data segment, and a task
// state segment, in that fixed order.
func CreateGDT() [4]uint64 {
	return [4]uint64{
		0,
		GdtEntry(codeSegFlag, 0, flatLimit),
		GdtEntry(dataSegFlag, 0, flatLimit),
		GdtEntry(tssSegFlag, 0, tssLimit),
	}
}
