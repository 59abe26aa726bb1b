package decoder

// Mode is the CPU operating mode the decoder interprets bytes under.
type Mode uint8

const (
	ModeReal Mode = iota
	ModeProtected
	ModeLong
	ModeCompat
)

// maxInstrLen is the architectural maximum x86 instruction length.
const maxInstrLen = 15

// Decoder decodes x86-64 instruction bytes under a fixed operating mode.
// It holds no mutable state beyond the mode, so a single Decoder can be
// shared by every goroutine decoding guest code.
type Decoder struct {
	mode Mode
}

// New returns a Decoder for the given mode.
func New(mode Mode) *Decoder {
	return &Decoder{mode: mode}
}

// Mode returns the decoder's current operating mode.
func (d *Decoder) Mode() Mode { return d.mode }

// SetMode updates the decoder's operating mode; callers switch this
// whenever the vCPU's CR0.PE/EFER.LMA/segment-L state changes.
func (d *Decoder) SetMode(mode Mode) { d.mode = mode }

// Decode decodes a single instruction starting at bytes[0], which the
// caller addresses as guest linear address rip.
func (d *Decoder) Decode(bytes []byte, rip uint64) (DecodedInstr, error) {
	if len(bytes) == 0 {
		return DecodedInstr{}, &DecodeError{RIP: rip, Reason: "empty input"}
	}

	var instr DecodedInstr
	instr.RIP = rip

	pos, err := d.parsePrefixes(bytes, &instr)
	if err != nil {
		return DecodedInstr{}, err
	}

	pos, err = d.parseOpcode(bytes, pos, &instr)
	if err != nil {
		return DecodedInstr{}, err
	}

	pos, err = d.parseOperands(bytes, pos, &instr)
	if err != nil {
		return DecodedInstr{}, err
	}

	if pos > maxInstrLen {
		return DecodedInstr{}, &DecodeError{RIP: rip, Reason: "instruction exceeds 15 bytes"}
	}

	instr.Len = uint8(pos)
	n := pos
	if n > len(bytes) {
		n = len(bytes)
	}

	copy(instr.Bytes[:], bytes[:n])
	d.setInstructionFlags(&instr)

	return instr, nil
}

// blockMaxInstrs and blockMaxBytes bound DecodeBlock the way the
// baseline compiler bounds a single translation unit.
const (
	blockMaxInstrs = 256
	blockMaxBytes  = 4096
)

// Reader fetches guest-physical or guest-linear bytes for decoding. The
// codecache and jit/s1 packages pass an adapter over the guest memory
// view; tests pass a plain byte slice reader.
type Reader interface {
	ReadByte(addr uint64) byte
}

// SliceReader adapts a flat byte slice (relative to base) to Reader, for
// tests and for decoding into already-mapped guest RAM regions.
type SliceReader struct {
	Base uint64
	Data []byte
}

func (s SliceReader) ReadByte(addr uint64) byte {
	off := addr - s.Base
	if off >= uint64(len(s.Data)) {
		return 0
	}

	return s.Data[off]
}

// DecodeBlock decodes consecutive instructions starting at startRIP until
// a control-flow terminator (branch, call, ret, or a trapping
// instruction), or until the block's instruction/byte budget is
// exhausted, matching the basic-block boundary spec.md's codecache
// module defines.
func (d *Decoder) DecodeBlock(mem Reader, startRIP uint64) ([]DecodedInstr, error) {
	var instrs []DecodedInstr

	rip := startRIP

	for len(instrs) < blockMaxInstrs && rip-startRIP < blockMaxBytes {
		var buf [maxInstrLen]byte
		for i := range buf {
			buf[i] = mem.ReadByte(rip + uint64(i))
		}

		instr, err := d.Decode(buf[:], rip)
		if err != nil {
			return instrs, err
		}

		rip += uint64(instr.Len)

		terminator := instr.IsBranch || instr.IsCall || instr.IsRet ||
			instr.Mnemonic == Hlt || instr.Mnemonic == Int || instr.Mnemonic == Int3 || instr.Mnemonic == Iret

		instrs = append(instrs, instr)

		if terminator {
			break
		}
	}

	return instrs, nil
}

func (d *Decoder) parsePrefixes(bytes []byte, instr *DecodedInstr) (int, error) {
	pos := 0

	for pos < len(bytes) && pos < maxInstrLen {
		b := bytes[pos]

		switch {
		case b == 0xF0:
			instr.Prefixes.Lock = true
		case b == 0xF2:
			instr.Prefixes.Repne = true
		case b == 0xF3:
			instr.Prefixes.Rep = true
		case b == 0x26:
			instr.Prefixes.Segment = SegES
		case b == 0x2E:
			instr.Prefixes.Segment = SegCS
		case b == 0x36:
			instr.Prefixes.Segment = SegSS
		case b == 0x3E:
			instr.Prefixes.Segment = SegDS
		case b == 0x64:
			instr.Prefixes.Segment = SegFS
		case b == 0x65:
			instr.Prefixes.Segment = SegGS
		case b == 0x66:
			instr.Prefixes.OpSize = true
		case b == 0x67:
			instr.Prefixes.AddrSize = true
		case b >= 0x40 && b <= 0x4F && d.mode == ModeLong:
			instr.Prefixes.Rex = b
			instr.Prefixes.RexW = b&0x08 != 0
			instr.Prefixes.RexR = b&0x04 != 0
			instr.Prefixes.RexX = b&0x02 != 0
			instr.Prefixes.RexB = b&0x01 != 0
			pos++

			return pos, nil // REX must be the last legacy prefix
		case b == 0xC5 && d.mode == ModeLong && pos+1 < len(bytes):
			b1 := bytes[pos+1]
			instr.Prefixes.Vex = &Vex{
				Len: 2, R: b1&0x80 == 0, X: true, B: true, W: false,
				Vvvv: (^b1 >> 3) & 0x0F, L: b1&0x04 != 0, PP: b1 & 0x03, MMMMM: 1,
			}
			pos += 2

			return pos, nil
		case b == 0xC4 && d.mode == ModeLong && pos+2 < len(bytes):
			b1, b2 := bytes[pos+1], bytes[pos+2]
			instr.Prefixes.Vex = &Vex{
				Len: 3, R: b1&0x80 == 0, X: b1&0x40 == 0, B: b1&0x20 == 0, W: b2&0x80 != 0,
				Vvvv: (^b2 >> 3) & 0x0F, L: b2&0x04 != 0, PP: b2 & 0x03, MMMMM: b1 & 0x1F,
			}
			pos += 3

			return pos, nil
		default:
			return pos, nil
		}

		pos++
	}

	return pos, nil
}

func (d *Decoder) parseOpcode(bytes []byte, pos int, instr *DecodedInstr) (int, error) {
	if pos >= len(bytes) {
		return pos, &DecodeError{RIP: instr.RIP, Bytes: clamp(bytes, pos), Reason: "unexpected end of instruction"}
	}

	op1 := bytes[pos]
	pos++

	switch op1 {
	case 0x0F:
		if pos >= len(bytes) {
			return pos, &DecodeError{RIP: instr.RIP, Bytes: clamp(bytes, pos), Reason: "truncated two-byte opcode"}
		}

		op2 := bytes[pos]
		pos++

		switch op2 {
		case 0x38, 0x3A:
			if pos >= len(bytes) {
				return pos, &DecodeError{RIP: instr.RIP, Bytes: clamp(bytes, pos), Reason: "truncated three-byte opcode"}
			}

			op3 := bytes[pos]
			pos++
			instr.Opcode = 0x0F0000 | uint32(op2)<<8 | uint32(op3)
		default:
			instr.Opcode = 0x0F00 | uint32(op2)
		}
	default:
		instr.Opcode = uint32(op1)
	}

	if instr.Prefixes.Vex != nil {
		instr.Mnemonic = vexCoded
	} else {
		instr.Mnemonic = opcodeToMnemonic(instr.Opcode, &instr.Prefixes)
	}

	return pos, nil
}

func clamp(b []byte, n int) []byte {
	if n > len(b) {
		n = len(b)
	}

	return append([]byte(nil), b[:n]...)
}

func (d *Decoder) operandSize(instr *DecodedInstr) uint8 {
	switch {
	case instr.Prefixes.RexW:
		return 8
	case instr.Prefixes.OpSize:
		return 2
	case d.mode == ModeReal:
		return 2
	default:
		return 4
	}
}

func (d *Decoder) setInstructionFlags(instr *DecodedInstr) {
	switch instr.Mnemonic {
	case Jmp, Jcc, Loop, Loope, Loopne, Jcxz:
		instr.IsBranch = true
	case Call:
		instr.IsCall = true
	case Ret, Retf, Iret:
		instr.IsRet = true
	}

	switch instr.Mnemonic {
	case Lgdt, Sgdt, Lidt, Sidt, Lldt, Sldt, Ltr, Clts, Invlpg, Wrmsr, Rdmsr,
		Cli, Sti, Hlt, In, Out, Ins, Outs, Lmsw:
		instr.IsPrivileged = true
	}

	switch instr.Mnemonic {
	case Add, Adc, Sub, Sbb, And, Or, Xor, Inc, Dec, Neg, Cmp, Test, Shl, Shr, Sar:
		instr.FlagsAffected = 0x8D5 // OF SF ZF AF PF CF
	}
}
