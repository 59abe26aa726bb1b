package codegen_test

import (
	"testing"

	"github.com/nexaos/nvm/codegen"
)

func TestMovRegImm64Encoding(t *testing.T) {
	t.Parallel()

	b := codegen.NewBuffer()
	b.EmitMovRegImm64(codegen.RAX, 0x1122334455667788)

	code, err := b.Finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}

	if len(code) != 10 {
		t.Fatalf("expected a 10-byte mov r64,imm64 encoding, got %d bytes", len(code))
	}

	if code[0] != 0x48 || code[1] != 0xB8 {
		t.Fatalf("unexpected prefix/opcode: % x", code[:2])
	}
}

func TestLabelRelocationResolves(t *testing.T) {
	t.Parallel()

	b := codegen.NewBuffer()
	b.EmitJmpRel32(1)
	b.EmitRet() // padding so the label isn't at offset 0
	b.BindLabel(1)
	b.EmitRet()

	code, err := b.Finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}

	if len(code) != 7 {
		t.Fatalf("expected 7 bytes (5 jmp + 1 ret + 1 ret), got %d", len(code))
	}
}

func TestUnresolvedLabelErrors(t *testing.T) {
	t.Parallel()

	b := codegen.NewBuffer()
	b.EmitJmpRel32(42)

	if _, err := b.Finish(); err == nil {
		t.Fatalf("expected an error for an unbound label")
	}
}

func TestPrologueEpilogueRoundTrip(t *testing.T) {
	t.Parallel()

	b := codegen.NewBuffer()
	b.EmitPush(codegen.RBP)
	b.EmitMovRegReg(codegen.RBP, codegen.RSP)
	b.EmitStoreMem(codegen.RBP, -8, codegen.RAX)
	b.EmitLoadMem(codegen.RAX, codegen.RBP, -8)
	b.EmitPop(codegen.RBP)
	b.EmitRet()

	code, err := b.Finish()
	if err != nil {
		t.Fatalf("finish: %v", err)
	}

	if len(code) == 0 {
		t.Fatalf("expected nonempty code")
	}

	if code[len(code)-1] != 0xC3 {
		t.Fatalf("expected code to end in ret, got %#x", code[len(code)-1])
	}
}
