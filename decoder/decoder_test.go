package decoder_test

import (
	"testing"

	"golang.org/x/arch/x86/x86asm"

	"github.com/nexaos/nvm/decoder"
)

func TestDecodeNop(t *testing.T) {
	t.Parallel()

	d := decoder.New(decoder.ModeLong)

	instr, err := d.Decode([]byte{0x90}, 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if instr.Mnemonic != decoder.Nop || instr.Len != 1 {
		t.Fatalf("got mnemonic=%v len=%d, want nop/1", instr.Mnemonic, instr.Len)
	}
}

func TestDecodeRet(t *testing.T) {
	t.Parallel()

	d := decoder.New(decoder.ModeLong)

	instr, err := d.Decode([]byte{0xC3}, 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if instr.Mnemonic != decoder.Ret || !instr.IsRet {
		t.Fatalf("got mnemonic=%v isRet=%v, want ret/true", instr.Mnemonic, instr.IsRet)
	}
}

func TestDecodePushReg(t *testing.T) {
	t.Parallel()

	d := decoder.New(decoder.ModeLong)

	instr, err := d.Decode([]byte{0x50}, 0) // push rax
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if instr.Mnemonic != decoder.Push {
		t.Fatalf("got mnemonic=%v, want push", instr.Mnemonic)
	}
}

func TestDecodeMovImmToReg64(t *testing.T) {
	t.Parallel()

	d := decoder.New(decoder.ModeLong)

	// REX.W + B8 (mov rax, imm64) + 0x0000000012345678
	instr, err := d.Decode([]byte{0x48, 0xB8, 0x78, 0x56, 0x34, 0x12, 0, 0, 0, 0}, 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if instr.Mnemonic != decoder.Mov {
		t.Fatalf("got mnemonic=%v, want mov", instr.Mnemonic)
	}

	if instr.NumOperands != 2 || instr.Operands[1].Imm != 0x12345678 {
		t.Fatalf("got operands=%+v, want imm 0x12345678", instr.Operands)
	}
}

func TestDecodeModRMMemoryRipRelative(t *testing.T) {
	t.Parallel()

	d := decoder.New(decoder.ModeLong)

	// mov eax, [rip+0x10]: 8B 05 10 00 00 00
	instr, err := d.Decode([]byte{0x8B, 0x05, 0x10, 0, 0, 0}, 0x1000)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	mem := instr.Operands[1].Mem
	if mem.Base == nil || mem.Base.Kind != decoder.RegRIP {
		t.Fatalf("expected RIP-relative base, got %+v", mem)
	}

	if mem.Disp != 0x10 {
		t.Fatalf("expected disp 0x10, got %d", mem.Disp)
	}
}

func TestDecodeArithGroupRefinesMnemonic(t *testing.T) {
	t.Parallel()

	d := decoder.New(decoder.ModeLong)

	// 83 /5 ib => sub r/m32, imm8: 83 E8 01 = sub eax, 1
	instr, err := d.Decode([]byte{0x83, 0xE8, 0x01}, 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if instr.Mnemonic != decoder.Sub {
		t.Fatalf("got mnemonic=%v, want sub (reg field should select /5)", instr.Mnemonic)
	}
}

func TestDecodeBlockStopsAtTerminator(t *testing.T) {
	t.Parallel()

	d := decoder.New(decoder.ModeLong)

	// nop; nop; ret; nop (unreached)
	mem := decoder.SliceReader{Base: 0, Data: []byte{0x90, 0x90, 0xC3, 0x90}}

	instrs, err := d.DecodeBlock(mem, 0)
	if err != nil {
		t.Fatalf("decode block: %v", err)
	}

	if len(instrs) != 3 {
		t.Fatalf("got %d instructions, want 3 (stop at ret)", len(instrs))
	}

	if !instrs[2].IsRet {
		t.Fatalf("last decoded instruction should be the ret")
	}
}

func TestDecodeEmptyInput(t *testing.T) {
	t.Parallel()

	d := decoder.New(decoder.ModeLong)

	if _, err := d.Decode(nil, 0); err == nil {
		t.Fatalf("expected an error decoding empty input")
	}
}

// differentialCases lists simple, unambiguous byte sequences that both
// the production decoder and golang.org/x/arch/x86/x86asm (used here as
// a differential oracle, never as the production decode path) should
// agree have the lengths below.
var differentialCases = [][]byte{
	{0x90},                         // nop
	{0xC3},                         // ret
	{0x50},                         // push rax
	{0x58},                         // pop rax
	{0x48, 0x89, 0xC8},             // mov rax, rcx
	{0x48, 0x83, 0xC0, 0x01},       // add rax, 1
	{0xB8, 0x01, 0x00, 0x00, 0x00}, // mov eax, 1
	{0xEB, 0x10},                   // jmp rel8
}

func TestDecodeLengthMatchesX86asm(t *testing.T) {
	t.Parallel()

	d := decoder.New(decoder.ModeLong)

	for _, code := range differentialCases {
		code := code

		want, err := x86asm.Decode(code, 64)
		if err != nil {
			t.Fatalf("x86asm reference decode of % x: %v", code, err)
		}

		got, err := d.Decode(code, 0)
		if err != nil {
			t.Fatalf("decode of % x: %v", code, err)
		}

		if int(got.Len) != want.Len {
			t.Errorf("length mismatch for % x: got %d, x86asm says %d", code, got.Len, want.Len)
		}
	}
}
