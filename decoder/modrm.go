package decoder

// parseOperands decodes ModR/M, SIB, displacement and immediate bytes
// following the opcode, filling instr.Operands/NumOperands.
func (d *Decoder) parseOperands(bytes []byte, pos int, instr *DecodedInstr) (int, error) {
	encoding := operandEncoding(instr.Opcode)

	needsModRM := false

	for _, e := range encoding {
		if e == encModRm || e == encModRmReg || e == encSegRegModRm || e == encCrReg {
			needsModRM = true

			break
		}
	}

	var modrm uint8

	haveModRM := false

	if needsModRM {
		if pos < len(bytes) {
			modrm = bytes[pos]
		}

		haveModRM = true
		pos++

		refineGroupMnemonic(instr, modrm)
	}

	for i, enc := range encoding {
		if enc == encNone {
			break
		}

		op, newPos, err := d.decodeOperand(bytes, pos, instr, enc, modrm, haveModRM)
		if err != nil {
			return pos, err
		}

		instr.Operands[i] = op
		instr.NumOperands = uint8(i + 1)
		pos = newPos
	}

	return pos, nil
}

// refineGroupMnemonic resolves the true operation for opcode-group
// instructions (0x80-0x83, 0xC0/0xC1, 0xD0-0xD3, 0xFE/0xFF) from the
// ModR/M.reg field, since opcodeToMnemonic alone can't distinguish them.
func refineGroupMnemonic(instr *DecodedInstr, modrm uint8) {
	reg := (modrm >> 3) & 0x07

	switch instr.Opcode {
	case 0x80, 0x81, 0x82, 0x83:
		instr.Mnemonic = arithGroupMnemonic(reg)
	case 0xC0, 0xC1, 0xD0, 0xD1, 0xD2, 0xD3:
		instr.Mnemonic = shiftGroupMnemonic(reg)
	case 0xF6, 0xF7:
		if reg == 0 || reg == 1 {
			instr.Mnemonic = Test
		} else if reg == 2 {
			instr.Mnemonic = Not
		} else if reg == 3 {
			instr.Mnemonic = Neg
		} else if reg == 4 {
			instr.Mnemonic = Mul
		} else if reg == 5 {
			instr.Mnemonic = Imul
		} else if reg == 6 {
			instr.Mnemonic = Div
		} else {
			instr.Mnemonic = Idiv
		}
	case 0xFE:
		if reg == 0 {
			instr.Mnemonic = Inc
		} else {
			instr.Mnemonic = Dec
		}
	case 0xFF:
		switch reg {
		case 0:
			instr.Mnemonic = Inc
		case 1:
			instr.Mnemonic = Dec
		case 2:
			instr.Mnemonic = Call
		case 4:
			instr.Mnemonic = Jmp
		case 6:
			instr.Mnemonic = Push
		default:
			instr.Mnemonic = Inc
		}
	}
}

func le16(b []byte, i int) uint16 {
	return uint16(get(b, i)) | uint16(get(b, i+1))<<8
}

func le32u(b []byte, i int) uint32 {
	return uint32(get(b, i)) | uint32(get(b, i+1))<<8 | uint32(get(b, i+2))<<16 | uint32(get(b, i+3))<<24
}

func le64u(b []byte, i int) uint64 {
	var v uint64
	for k := 0; k < 8; k++ {
		v |= uint64(get(b, i+k)) << (8 * k)
	}

	return v
}

func get(b []byte, i int) byte {
	if i < 0 || i >= len(b) {
		return 0
	}

	return b[i]
}

func (d *Decoder) decodeOperand(bytes []byte, pos int, instr *DecodedInstr, enc opEnc, modrm uint8, haveModRM bool) (Operand, int, error) {
	switch enc {
	case encNone:
		return Operand{}, pos, nil

	case encImm8:
		v := int64(int8(get(bytes, pos)))
		return Operand{Kind: OperandImm, Imm: v}, pos + 1, nil

	case encImm16:
		v := int64(int16(le16(bytes, pos)))
		return Operand{Kind: OperandImm, Imm: v}, pos + 2, nil

	case encImm32:
		v := int64(int32(le32u(bytes, pos)))
		return Operand{Kind: OperandImm, Imm: v}, pos + 4, nil

	case encImmV:
		size := d.operandSize(instr)

		switch {
		case size == 2:
			v := int64(int16(le16(bytes, pos)))
			return Operand{Kind: OperandImm, Imm: v}, pos + 2, nil
		case size == 8 && instr.Prefixes.RexW:
			v := int64(le64u(bytes, pos))
			return Operand{Kind: OperandImm, Imm: v}, pos + 8, nil
		default:
			v := int64(int32(le32u(bytes, pos)))
			return Operand{Kind: OperandImm, Imm: v}, pos + 4, nil
		}

	case encRel8:
		v := int64(int8(get(bytes, pos)))
		return Operand{Kind: OperandRel, Rel: v}, pos + 1, nil

	case encRel32:
		v := int64(int32(le32u(bytes, pos)))
		return Operand{Kind: OperandRel, Rel: v}, pos + 4, nil

	case encFarPtrV:
		size := d.operandSize(instr)
		if size == 2 {
			off := uint64(le16(bytes, pos))
			seg := le16(bytes, pos+2)

			return Operand{Kind: OperandFar, FarSeg: seg, FarOff: off}, pos + 4, nil
		}

		off := uint64(le32u(bytes, pos))
		seg := le16(bytes, pos+4)

		return Operand{Kind: OperandFar, FarSeg: seg, FarOff: off}, pos + 6, nil

	case encRegAx:
		size := d.operandSize(instr)
		return Operand{Kind: OperandReg, Reg: Register{Kind: RegGPR, Index: 0, Size: size}}, pos, nil

	case encRegOp:
		size := d.operandSize(instr)

		idx := uint8(instr.Opcode&0x07) & 0x07
		if instr.Prefixes.RexB {
			idx |= 8
		}

		return Operand{Kind: OperandReg, Reg: Register{Kind: RegGPR, Index: idx, Size: size}}, pos, nil

	case encModRm:
		return d.decodeModRM(bytes, pos, instr, modrm, false)

	case encModRmReg:
		return d.decodeModRM(bytes, pos, instr, modrm, true)

	case encSegRegModRm:
		reg := (modrm >> 3) & 0x07
		return Operand{Kind: OperandReg, Reg: Register{Kind: RegSegment, Index: reg, Size: 2}}, pos, nil

	case encCrReg:
		reg := (modrm >> 3) & 0x07
		return Operand{Kind: OperandReg, Reg: Register{Kind: RegControl, Index: reg, Size: 8}}, pos, nil

	default:
		return Operand{}, pos, nil
	}
}

// decodeModRM decodes the r/m (or, when isReg is true, the reg) field of
// a ModR/M byte into a register or memory operand.
func (d *Decoder) decodeModRM(bytes []byte, pos int, instr *DecodedInstr, modrm uint8, isReg bool) (Operand, int, error) {
	mode := (modrm >> 6) & 0x03
	reg := (modrm >> 3) & 0x07
	rm := modrm & 0x07
	size := d.operandSize(instr)

	if isReg {
		idx := reg
		if instr.Prefixes.RexR {
			idx |= 8
		}

		return Operand{Kind: OperandReg, Reg: Register{Kind: RegGPR, Index: idx, Size: size}}, pos, nil
	}

	if mode == 0b11 {
		idx := rm
		if instr.Prefixes.RexB {
			idx |= 8
		}

		return Operand{Kind: OperandReg, Reg: Register{Kind: RegGPR, Index: idx, Size: size}}, pos, nil
	}

	var mem MemOp
	mem.Size = size
	mem.Segment = instr.Prefixes.Segment

	if d.mode == ModeReal {
		return d.decodeModRM16(bytes, pos, modrm)
	}

	addrSize := uint8(8)
	if d.mode != ModeLong {
		addrSize = 4
	}

	if instr.Prefixes.AddrSize {
		if d.mode == ModeLong {
			addrSize = 4
		} else {
			addrSize = 2
		}
	}

	if rm == 0b100 {
		sib := get(bytes, pos)
		pos++

		scale := uint8(1) << ((sib >> 6) & 0x03)
		index := (sib >> 3) & 0x07
		base := sib & 0x07

		mem.Scale = scale

		indexExt := uint8(0)
		if instr.Prefixes.RexX {
			indexExt = 8
		}

		if index|indexExt != 4 {
			idx := index | indexExt
			mem.Index = &Register{Kind: RegGPR, Index: idx, Size: addrSize}
		}

		baseExt := uint8(0)
		if instr.Prefixes.RexB {
			baseExt = 8
		}

		if mode == 0b00 && base == 0b101 {
			mem.Disp = int64(int32(le32u(bytes, pos)))
			pos += 4
		} else {
			idx := base | baseExt
			mem.Base = &Register{Kind: RegGPR, Index: idx, Size: addrSize}
		}
	} else if mode == 0b00 && rm == 0b101 {
		mem.Disp = int64(int32(le32u(bytes, pos)))
		pos += 4

		if d.mode == ModeLong {
			mem.Base = &Register{Kind: RegRIP, Size: 8}
		}
	} else {
		baseExt := uint8(0)
		if instr.Prefixes.RexB {
			baseExt = 8
		}

		idx := rm | baseExt
		mem.Base = &Register{Kind: RegGPR, Index: idx, Size: addrSize}
	}

	switch mode {
	case 0b01:
		mem.Disp = int64(int8(get(bytes, pos)))
		pos++
	case 0b10:
		mem.Disp = int64(int32(le32u(bytes, pos)))
		pos += 4
	}

	return Operand{Kind: OperandMem, Mem: mem}, pos, nil
}

// decodeModRM16 decodes 16-bit real-mode ModR/M addressing, which uses a
// disjoint base/index scheme from the 32/64-bit form.
func (d *Decoder) decodeModRM16(bytes []byte, pos int, modrm uint8) (Operand, int, error) {
	mode := (modrm >> 6) & 0x03
	rm := modrm & 0x07

	var mem MemOp
	mem.Size = 2

	bx := Register{Kind: RegGPR, Index: 3, Size: 2}
	bp := Register{Kind: RegGPR, Index: 5, Size: 2}
	si := Register{Kind: RegGPR, Index: 6, Size: 2}
	di := Register{Kind: RegGPR, Index: 7, Size: 2}

	switch rm {
	case 0b000:
		mem.Base, mem.Index = &bx, &si
	case 0b001:
		mem.Base, mem.Index = &bx, &di
	case 0b010:
		mem.Base, mem.Index = &bp, &si
		mem.Segment = SegSS
	case 0b011:
		mem.Base, mem.Index = &bp, &di
		mem.Segment = SegSS
	case 0b100:
		mem.Base = &si
	case 0b101:
		mem.Base = &di
	case 0b110:
		if mode == 0b00 {
			mem.Disp = int64(int16(le16(bytes, pos)))
			return Operand{Kind: OperandMem, Mem: mem}, pos + 2, nil
		}

		mem.Base = &bp
		mem.Segment = SegSS
	case 0b111:
		mem.Base = &bx
	}

	switch mode {
	case 0b01:
		mem.Disp = int64(int8(get(bytes, pos)))
		pos++
	case 0b10:
		mem.Disp = int64(int16(le16(bytes, pos)))
		pos += 2
	}

	return Operand{Kind: OperandMem, Mem: mem}, pos, nil
}
