package decoder

// opcodeToMnemonic maps a decoded opcode (1, 2 or 3-byte, packed as in
// DecodedInstr.Opcode) to its mnemonic. This is intentionally a flattened
// switch, not a byte-indexed array, because the 2/3-byte opcode space is
// sparse; it mirrors the coverage of a baseline decoder rather than the
// complete Intel SDM tables (groups gated on ModR/M.reg such as 0x80-0x83,
// 0xC0/0xC1, 0xD0-0xD3, 0xF6/0xF7, 0xFE/0xFF resolve to their most common
// member and are refined by the /r group table in modrm.go when needed).
func opcodeToMnemonic(opcode uint32, p *Prefixes) Mnemonic {
	switch {
	case opcode <= 0x05:
		return Add
	case opcode >= 0x08 && opcode <= 0x0D:
		return Or
	case opcode >= 0x10 && opcode <= 0x15:
		return Adc
	case opcode >= 0x18 && opcode <= 0x1D:
		return Sbb
	case opcode >= 0x20 && opcode <= 0x25:
		return And
	case opcode >= 0x28 && opcode <= 0x2D:
		return Sub
	case opcode >= 0x30 && opcode <= 0x35:
		return Xor
	case opcode >= 0x38 && opcode <= 0x3D:
		return Cmp
	case opcode >= 0x50 && opcode <= 0x57:
		return Push
	case opcode >= 0x58 && opcode <= 0x5F:
		return Pop
	case opcode == 0x60:
		return Pusha
	case opcode == 0x61:
		return Popa
	case opcode == 0x68 || opcode == 0x6A:
		return Push
	case opcode >= 0x70 && opcode <= 0x7F:
		return Jcc
	case opcode >= 0x80 && opcode <= 0x83:
		return groupArith0x80
	case opcode == 0x84 || opcode == 0x85:
		return Test
	case opcode == 0x86 || opcode == 0x87:
		return Xchg
	case opcode >= 0x88 && opcode <= 0x8B:
		return Mov
	case opcode == 0x8C || opcode == 0x8E:
		return Mov
	case opcode == 0x8D:
		return Lea
	case opcode == 0x90:
		if p.Rep {
			return Pause
		}

		return Nop
	case opcode >= 0x91 && opcode <= 0x97:
		return Xchg
	case opcode == 0x98:
		return Movsx
	case opcode == 0x9C:
		return Pushf
	case opcode == 0x9D:
		return Popf
	case opcode >= 0xA0 && opcode <= 0xA3:
		return Mov
	case opcode == 0xA4 || opcode == 0xA5:
		return Movs
	case opcode == 0xA6 || opcode == 0xA7:
		return Cmps
	case opcode == 0xA8 || opcode == 0xA9:
		return Test
	case opcode == 0xAA || opcode == 0xAB:
		return Stos
	case opcode == 0xAC || opcode == 0xAD:
		return Lods
	case opcode == 0xAE || opcode == 0xAF:
		return Scas
	case opcode >= 0xB0 && opcode <= 0xBF:
		return Mov
	case opcode == 0xC0 || opcode == 0xC1:
		return Shl // refined by /r in the shift-group table
	case opcode == 0xC2 || opcode == 0xC3:
		return Ret
	case opcode == 0xC6 || opcode == 0xC7:
		return Mov
	case opcode == 0xC9:
		return Pop // LEAVE
	case opcode == 0xCA || opcode == 0xCB:
		return Retf
	case opcode == 0xCC:
		return Int3
	case opcode == 0xCD:
		return Int
	case opcode == 0xCF:
		return Iret
	case opcode >= 0xD0 && opcode <= 0xD3:
		return Shl
	case opcode == 0xE0:
		return Loopne
	case opcode == 0xE1:
		return Loope
	case opcode == 0xE2:
		return Loop
	case opcode == 0xE3:
		return Jcxz
	case opcode >= 0xE4 && opcode <= 0xE7:
		if opcode <= 0xE5 {
			return In
		}

		return Out
	case opcode == 0xE8:
		return Call
	case opcode >= 0xE9 && opcode <= 0xEB:
		return Jmp
	case opcode >= 0xEC && opcode <= 0xEF:
		if opcode <= 0xED {
			return In
		}

		return Out
	case opcode == 0xF4:
		return Hlt
	case opcode == 0xF5:
		return Cmc
	case opcode == 0xF6 || opcode == 0xF7:
		return Test
	case opcode == 0xF8:
		return Clc
	case opcode == 0xF9:
		return Stc
	case opcode == 0xFA:
		return Cli
	case opcode == 0xFB:
		return Sti
	case opcode == 0xFC:
		return Cld
	case opcode == 0xFD:
		return Std
	case opcode == 0xFE || opcode == 0xFF:
		return Inc

	// Two-byte opcodes.
	case opcode == 0x0F01:
		return Lgdt
	case opcode == 0x0F05:
		return Syscall
	case opcode == 0x0F06:
		return Clts
	case opcode == 0x0F07:
		return Sysret
	case opcode == 0x0F09:
		return Wbinvd
	case opcode == 0x0F0B:
		return Invalid // UD2
	case opcode >= 0x0F20 && opcode <= 0x0F23:
		return Mov
	case opcode == 0x0F30:
		return Wrmsr
	case opcode == 0x0F31:
		return Rdtsc
	case opcode == 0x0F32:
		return Rdmsr
	case opcode == 0x0F34:
		return Sysenter
	case opcode == 0x0F35:
		return Sysexit
	case opcode >= 0x0F80 && opcode <= 0x0F8F:
		return Jcc
	case opcode == 0x0FA2:
		return Cpuid
	case opcode == 0x0FA3:
		return Bt
	case opcode == 0x0FAB:
		return Bts
	case opcode == 0x0FAE:
		return Clflush
	case opcode == 0x0FAF:
		return Imul
	case opcode == 0x0FB0 || opcode == 0x0FB1:
		return Cmpxchg
	case opcode == 0x0FB3:
		return Btr
	case opcode == 0x0FB6 || opcode == 0x0FB7:
		return Movzx
	case opcode == 0x0FBA:
		return Bt
	case opcode == 0x0FBB:
		return Btc
	case opcode == 0x0FBC:
		return Bsf
	case opcode == 0x0FBD:
		return Bsr
	case opcode == 0x0FBE || opcode == 0x0FBF:
		return Movsx
	case opcode == 0x0FC0 || opcode == 0x0FC1:
		return Xadd
	case opcode == 0x0FC7:
		return Cmpxchg8b
	case opcode >= 0x0FC8 && opcode <= 0x0FCF:
		return Bswap

	// VMX / SVM three-byte forms (0x0F 0x01 /r encoded as the low byte of
	// a synthetic third opcode byte equal to the ModR/M byte for these
	// reg-only encodings).
	case opcode == 0x0F01C1:
		return Vmcall
	case opcode == 0x0F01C2:
		return Vmlaunch
	case opcode == 0x0F01C3:
		return Vmresume
	case opcode == 0x0F01C4:
		return Vmxoff
	case opcode == 0x0F01D8:
		return Vmrun
	case opcode == 0x0F01D9:
		return Vmmcall
	case opcode == 0x0F01DA:
		return Vmload
	case opcode == 0x0F01DB:
		return Vmsave
	case opcode == 0x0F01DC:
		return Stgi
	case opcode == 0x0F01DD:
		return Clgi

	default:
		return Invalid
	}
}

// groupArith0x80 is the shared mnemonic for 0x80-0x83 (ADD/OR/ADC/SBB/
// AND/SUB/XOR/CMP r/m, imm), which group on ModR/M.reg; arithGroupMnemonic
// resolves the specific operation once the ModR/M byte is available.
const groupArith0x80 = Add

var arithGroup = [8]Mnemonic{Add, Or, Adc, Sbb, And, Sub, Xor, Cmp}

// arithGroupMnemonic resolves the true operation for an 0x80-0x83 opcode
// from the ModR/M reg field.
func arithGroupMnemonic(reg uint8) Mnemonic {
	return arithGroup[reg&0x07]
}

var shiftGroup = [8]Mnemonic{Rol, Ror, Rcl, Rcr, Shl, Shr, Shl, Sar}

// shiftGroupMnemonic resolves the true operation for a 0xC0-0xC1/0xD0-0xD3
// opcode from the ModR/M reg field.
func shiftGroupMnemonic(reg uint8) Mnemonic {
	return shiftGroup[reg&0x07]
}

// opEnc tags how an operand following the opcode is encoded.
type opEnc uint8

const (
	encNone opEnc = iota
	encImm8
	encImm16
	encImm32
	encImmV
	encRel8
	encRel32
	encFarPtrV
	encRegAx
	encRegOp
	encModRm
	encModRmReg
	encSegRegModRm
	encCrReg
)

// operandEncoding returns the up-to-4 operand slots for opcode, in the
// order they're written into DecodedInstr.Operands.
func operandEncoding(opcode uint32) [4]opEnc {
	switch {
	case opcode <= 0x03, opcode >= 0x08 && opcode <= 0x0B, opcode >= 0x10 && opcode <= 0x13,
		opcode >= 0x18 && opcode <= 0x1B, opcode >= 0x20 && opcode <= 0x23, opcode >= 0x28 && opcode <= 0x2B,
		opcode >= 0x30 && opcode <= 0x33, opcode >= 0x38 && opcode <= 0x3B:
		return [4]opEnc{encModRm, encModRmReg}
	case opcode == 0x04 || opcode == 0x0C || opcode == 0x14 || opcode == 0x1C ||
		opcode == 0x24 || opcode == 0x2C || opcode == 0x34 || opcode == 0x3C:
		return [4]opEnc{encRegAx, encImm8}
	case opcode == 0x05 || opcode == 0x0D || opcode == 0x15 || opcode == 0x1D ||
		opcode == 0x25 || opcode == 0x2D || opcode == 0x35 || opcode == 0x3D:
		return [4]opEnc{encRegAx, encImm32}
	case opcode >= 0x50 && opcode <= 0x5F:
		return [4]opEnc{encRegOp}
	case opcode == 0x68:
		return [4]opEnc{encImm32}
	case opcode == 0x6A:
		return [4]opEnc{encImm8}
	case opcode >= 0x70 && opcode <= 0x7F:
		return [4]opEnc{encRel8}
	case opcode >= 0x80 && opcode <= 0x83:
		imm := encImm32
		if opcode == 0x80 || opcode == 0x82 || opcode == 0x83 {
			imm = encImm8
		}

		return [4]opEnc{encModRm, imm}
	case opcode == 0x84 || opcode == 0x85 || opcode == 0x86 || opcode == 0x87:
		return [4]opEnc{encModRm, encModRmReg}
	case opcode >= 0x88 && opcode <= 0x8B:
		return [4]opEnc{encModRm, encModRmReg}
	case opcode == 0x8C:
		return [4]opEnc{encModRm, encSegRegModRm}
	case opcode == 0x8E:
		return [4]opEnc{encSegRegModRm, encModRm}
	case opcode == 0x8D:
		return [4]opEnc{encModRmReg, encModRm}
	case opcode >= 0xB0 && opcode <= 0xB7:
		return [4]opEnc{encRegOp, encImm8}
	case opcode >= 0xB8 && opcode <= 0xBF:
		return [4]opEnc{encRegOp, encImmV}
	case opcode == 0xC0 || opcode == 0xC1:
		return [4]opEnc{encModRm, encImm8}
	case opcode == 0xC2:
		return [4]opEnc{encImm16}
	case opcode == 0xC3:
		return [4]opEnc{}
	case opcode == 0xC6 || opcode == 0xC7:
		imm := encImmV
		if opcode == 0xC6 {
			imm = encImm8
		}

		return [4]opEnc{encModRm, imm}
	case opcode == 0xCD:
		return [4]opEnc{encImm8}
	case opcode == 0xD0 || opcode == 0xD1:
		return [4]opEnc{encModRm}
	case opcode == 0xD2 || opcode == 0xD3:
		return [4]opEnc{encModRm}
	case opcode == 0xE8:
		return [4]opEnc{encRel32}
	case opcode >= 0xE9 && opcode <= 0xE9:
		return [4]opEnc{encRel32}
	case opcode == 0xEA:
		return [4]opEnc{encFarPtrV}
	case opcode == 0xEB:
		return [4]opEnc{encRel8}
	case opcode == 0xF6 || opcode == 0xF7:
		return [4]opEnc{encModRm, encImmV}
	case opcode == 0xFE || opcode == 0xFF:
		return [4]opEnc{encModRm}
	case opcode == 0x0F01:
		return [4]opEnc{encModRm}
	case opcode >= 0x0F20 && opcode <= 0x0F21:
		return [4]opEnc{encModRm, encCrReg}
	case opcode >= 0x0F22 && opcode <= 0x0F23:
		return [4]opEnc{encCrReg, encModRm}
	case opcode >= 0x0F80 && opcode <= 0x0F8F:
		return [4]opEnc{encRel32}
	case opcode == 0x0FAF, opcode == 0x0FB6, opcode == 0x0FB7, opcode == 0x0FBE, opcode == 0x0FBF:
		return [4]opEnc{encModRmReg, encModRm}
	default:
		return [4]opEnc{}
	}
}
