// Package codegen is the host x86-64 code-emission substrate shared by
// jit/s1 and jit/s2: a relocatable code buffer, the host register
// numbering, and a handful of instruction encoders common to both
// tiers' templates. Each tier owns its own instruction-selection and
// register-allocation logic above this layer.
package codegen

import "encoding/binary"

// HostReg is a host x86-64 general-purpose register number, using the
// same 0-15 numbering as the architectural encoding (RAX=0 ... R15=15).
type HostReg uint8

const (
	RAX HostReg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// IsExtended reports whether encoding this register requires REX.B/R/X.
func (r HostReg) IsExtended() bool { return r >= R8 }

// Low3 returns the register's low 3 bits for the ModR/M/SIB reg/rm field.
func (r HostReg) Low3() uint8 { return uint8(r) & 7 }

// VCPUStateReg is the host register the prologue dedicates to a
// pointer at the vCPU's architectural-state block, per spec.md 6's
// calling convention; R15 is never allocated to guest values so every
// template can assume it is live across the whole block.
const VCPUStateReg = R15

// FramePointerReg anchors the spill area, per the Open Question
// decision that S1 and S2 share one spill convention: slot i lives at
// -8*(i+1) off this register.
const FramePointerReg = RBP

// RelocKind tags how a pending relocation should be patched.
type RelocKind uint8

const (
	RelocRel32 RelocKind = iota
	RelocAbs64
)

// RelocationTarget is either a local label (resolved against the
// buffer's own label table) or a fixed external address (a helper
// trampoline, a deopt stub).
type RelocationTarget struct {
	IsExternal bool
	Label      uint32
	External   uint64
}

// Relocation is one pending fixup recorded at Emit time and resolved
// by Finish.
type Relocation struct {
	Offset int
	Target RelocationTarget
	Kind   RelocKind
}

// Buffer accumulates host machine code with label binding and
// relocation patching, mirroring the teacher-domain pattern (and the
// Rust CodeBuffer this is grounded on) of emit-then-patch rather than
// a one-pass assembler.
type Buffer struct {
	code        []byte
	labels      map[uint32]int
	relocations []Relocation
}

// NewBuffer creates an empty code buffer.
func NewBuffer() *Buffer {
	return &Buffer{labels: make(map[uint32]int)}
}

// Len returns the number of bytes emitted so far.
func (b *Buffer) Len() int { return len(b.code) }

// Emit appends a single byte.
func (b *Buffer) Emit(v byte) { b.code = append(b.code, v) }

// EmitBytes appends a byte slice.
func (b *Buffer) EmitBytes(v []byte) { b.code = append(b.code, v...) }

// EmitU32 appends a little-endian uint32.
func (b *Buffer) EmitU32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	b.code = append(b.code, tmp[:]...)
}

// EmitU64 appends a little-endian uint64.
func (b *Buffer) EmitU64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	b.code = append(b.code, tmp[:]...)
}

// EmitI32 appends a little-endian int32.
func (b *Buffer) EmitI32(v int32) { b.EmitU32(uint32(v)) }

// BindLabel records the current offset as the binding site for label.
func (b *Buffer) BindLabel(label uint32) {
	b.labels[label] = len(b.code)
}

// EmitLabelRef emits a placeholder for a forward/backward reference to
// label and records the relocation needed to patch it in Finish.
func (b *Buffer) EmitLabelRef(label uint32, kind RelocKind) {
	b.relocations = append(b.relocations, Relocation{
		Offset: len(b.code),
		Target: RelocationTarget{Label: label},
		Kind:   kind,
	})

	switch kind {
	case RelocRel32:
		b.EmitU32(0)
	case RelocAbs64:
		b.EmitU64(0)
	}
}

// EmitExternalRef emits a placeholder absolute reference to a fixed
// host address (a trampoline or a deopt stub entry point).
func (b *Buffer) EmitExternalRef(addr uint64) {
	b.relocations = append(b.relocations, Relocation{
		Offset: len(b.code),
		Target: RelocationTarget{IsExternal: true, External: addr},
		Kind:   RelocAbs64,
	})
	b.EmitU64(0)
}

// ErrUnresolvedLabel is returned by Finish when a relocation references
// a label that was never bound.
type ErrUnresolvedLabel struct{ Label uint32 }

func (e ErrUnresolvedLabel) Error() string {
	return "codegen: unresolved label reference"
}

func (b *Buffer) patchRelocations() error {
	for _, reloc := range b.relocations {
		var target uint64

		if reloc.Target.IsExternal {
			target = reloc.Target.External
		} else {
			off, ok := b.labels[reloc.Target.Label]
			if !ok {
				return ErrUnresolvedLabel{Label: reloc.Target.Label}
			}
			target = uint64(off)
		}

		switch reloc.Kind {
		case RelocRel32:
			rel := int32(int64(target) - int64(reloc.Offset+4))
			binary.LittleEndian.PutUint32(b.code[reloc.Offset:reloc.Offset+4], uint32(rel))
		case RelocAbs64:
			binary.LittleEndian.PutUint64(b.code[reloc.Offset:reloc.Offset+8], target)
		}
	}

	return nil
}

// Finish patches all pending relocations and returns the final code.
func (b *Buffer) Finish() ([]byte, error) {
	if err := b.patchRelocations(); err != nil {
		return nil, err
	}

	return b.code, nil
}

func rex(w, r, x, baseBit bool) byte {
	v := byte(0x40)
	if w {
		v |= 0x08
	}
	if r {
		v |= 0x04
	}
	if x {
		v |= 0x02
	}
	if baseBit {
		v |= 0x01
	}

	return v
}

func modrm(mod, reg, rm byte) byte {
	return mod<<6 | (reg&7)<<3 | rm&7
}

// EmitMovRegReg emits `mov dst, src` at 64-bit width.
func (b *Buffer) EmitMovRegReg(dst, src HostReg) {
	b.Emit(rex(true, src.IsExtended(), false, dst.IsExtended()))
	b.Emit(0x89)
	b.Emit(modrm(3, src.Low3(), dst.Low3()))
}

// EmitMovRegImm64 emits `mov dst, imm64`.
func (b *Buffer) EmitMovRegImm64(dst HostReg, imm uint64) {
	b.Emit(rex(true, false, false, dst.IsExtended()))
	b.Emit(0xB8 + dst.Low3())
	b.EmitU64(imm)
}

// AluOp selects which ALU instruction EmitAluRegReg encodes.
type AluOp uint8

const (
	AluAdd AluOp = iota
	AluSub
	AluAnd
	AluOr
	AluXor
	AluCmp
)

var aluOpcode = [...]byte{AluAdd: 0x01, AluSub: 0x29, AluAnd: 0x21, AluOr: 0x09, AluXor: 0x31, AluCmp: 0x39}

// EmitAluRegReg emits a 64-bit `op dst, src` for the given ALU op.
func (b *Buffer) EmitAluRegReg(op AluOp, dst, src HostReg) {
	b.Emit(rex(true, src.IsExtended(), false, dst.IsExtended()))
	b.Emit(aluOpcode[op])
	b.Emit(modrm(3, src.Low3(), dst.Low3()))
}

// ShiftOp selects which shift instruction EmitShiftRegCL encodes.
type ShiftOp uint8

const (
	ShiftShl ShiftOp = iota
	ShiftShr
	ShiftSar
)

var shiftReg = [...]byte{ShiftShl: 4, ShiftShr: 5, ShiftSar: 7}

// EmitShiftRegCL emits `op dst, cl` (shift amount taken from CL) at
// 64-bit width.
func (b *Buffer) EmitShiftRegCL(op ShiftOp, dst HostReg) {
	b.Emit(rex(true, false, false, dst.IsExtended()))
	b.Emit(0xD3)
	b.Emit(modrm(3, shiftReg[op], dst.Low3()))
}

// EmitLoadMem emits `mov dst, [base+disp32]` at 64-bit width, used both
// for spill reloads and for vCPU-state field reads through R15. base
// must not be RSP or R12: both require a SIB byte this minimal
// disp32-only encoder doesn't emit, which is fine since every tier only
// ever addresses memory through FramePointerReg (RBP) or
// VCPUStateReg (R15).
func (b *Buffer) EmitLoadMem(dst, base HostReg, disp int32) {
	b.Emit(rex(true, dst.IsExtended(), false, base.IsExtended()))
	b.Emit(0x8B)
	b.Emit(modrm(2, dst.Low3(), base.Low3()))
	b.EmitI32(disp)
}

// EmitStoreMem emits `mov [base+disp32], src` at 64-bit width.
func (b *Buffer) EmitStoreMem(base HostReg, disp int32, src HostReg) {
	b.Emit(rex(true, src.IsExtended(), false, base.IsExtended()))
	b.Emit(0x89)
	b.Emit(modrm(2, src.Low3(), base.Low3()))
	b.EmitI32(disp)
}

// EmitPush emits `push reg`.
func (b *Buffer) EmitPush(reg HostReg) {
	if reg.IsExtended() {
		b.Emit(rex(false, false, false, true))
	}
	b.Emit(0x50 + reg.Low3())
}

// EmitPop emits `pop reg`.
func (b *Buffer) EmitPop(reg HostReg) {
	if reg.IsExtended() {
		b.Emit(rex(false, false, false, true))
	}
	b.Emit(0x58 + reg.Low3())
}

// EmitRet emits `ret`.
func (b *Buffer) EmitRet() { b.Emit(0xC3) }

// EmitJmpRel32 emits a near unconditional jump to a label.
func (b *Buffer) EmitJmpRel32(label uint32) {
	b.Emit(0xE9)
	b.EmitLabelRef(label, RelocRel32)
}

// CondCode is a Jcc condition, numbered exactly as the x86 tttn field
// so EmitJccRel32 can use it directly in the 0x0F 0x8x opcode byte.
type CondCode uint8

const (
	CondO CondCode = iota
	CondNO
	CondB
	CondAE
	CondE
	CondNE
	CondBE
	CondA
	CondS
	CondNS
	CondP
	CondNP
	CondL
	CondGE
	CondLE
	CondG
)

// EmitJccRel32 emits a near conditional jump to a label.
func (b *Buffer) EmitJccRel32(cc CondCode, label uint32) {
	b.Emit(0x0F)
	b.Emit(0x80 + byte(cc))
	b.EmitLabelRef(label, RelocRel32)
}

// EmitPopcnt emits `popcnt dst, src` (F3 0F B8 /r), available only when
// the target CPUID advertises the POPCNT feature; callers are
// responsible for checking that before emitting this.
func (b *Buffer) EmitPopcnt(dst, src HostReg) {
	b.Emit(0xF3)
	b.Emit(rex(true, dst.IsExtended(), false, src.IsExtended()))
	b.Emit(0x0F)
	b.Emit(0xB8)
	b.Emit(modrm(3, dst.Low3(), src.Low3()))
}

// EmitLzcnt emits `lzcnt dst, src` (F3 0F BD /r), gated on the ABM/LZCNT
// CPUID feature.
func (b *Buffer) EmitLzcnt(dst, src HostReg) {
	b.Emit(0xF3)
	b.Emit(rex(true, dst.IsExtended(), false, src.IsExtended()))
	b.Emit(0x0F)
	b.Emit(0xBD)
	b.Emit(modrm(3, dst.Low3(), src.Low3()))
}

// EmitTzcnt emits `tzcnt dst, src` (F3 0F BC /r), gated on the BMI1
// CPUID feature.
func (b *Buffer) EmitTzcnt(dst, src HostReg) {
	b.Emit(0xF3)
	b.Emit(rex(true, dst.IsExtended(), false, src.IsExtended()))
	b.Emit(0x0F)
	b.Emit(0xBC)
	b.Emit(modrm(3, dst.Low3(), src.Low3()))
}

// EmitCallReg emits `call dst`, an indirect call through a host
// register (used to reach helper trampolines resolved at link time via
// EmitExternalRef instead, when the target is a fixed address).
func (b *Buffer) EmitCallReg(dst HostReg) {
	if dst.IsExtended() {
		b.Emit(rex(false, false, false, true))
	}
	b.Emit(0xFF)
	b.Emit(modrm(3, 2, dst.Low3()))
}
