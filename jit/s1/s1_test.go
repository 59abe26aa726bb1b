package s1_test

import (
	"testing"

	"github.com/nexaos/nvm/decoder"
	"github.com/nexaos/nvm/ir"
	"github.com/nexaos/nvm/jit/s1"
)

func decodeAll(t *testing.T, code []byte, rip uint64) []decoder.DecodedInstr {
	t.Helper()

	d := decoder.New(decoder.ModeLong)

	mem := decoder.SliceReader{Base: rip, Data: code}

	instrs, err := d.DecodeBlock(mem, rip)
	if err != nil {
		t.Fatalf("decode block: %v", err)
	}

	return instrs
}

func TestLowerMovAddRet(t *testing.T) {
	t.Parallel()

	// mov eax, 5 ; add eax, 1 ; ret  (32-bit forms for brevity)
	code := []byte{
		0xB8, 0x05, 0x00, 0x00, 0x00, // mov eax, 5
		0x83, 0xC0, 0x01, // add eax, 1
		0xC3, // ret
	}

	instrs := decodeAll(t, code, 0x1000)
	region := s1.Lower(instrs, 0x1000)

	b := region.Block(0)
	if b == nil || len(b.Instrs) == 0 {
		t.Fatalf("expected a lowered block with instructions")
	}

	term, ok := b.Terminator()
	if !ok || term.Op != ir.OpExit {
		t.Fatalf("expected an Exit terminator, got %+v ok=%v", term, ok)
	}
}

func TestCompileProducesNonEmptyCode(t *testing.T) {
	t.Parallel()

	code := []byte{
		0xB8, 0x05, 0x00, 0x00, 0x00, // mov eax, 5
		0x83, 0xC0, 0x01, // add eax, 1
		0xC3, // ret
	}

	instrs := decodeAll(t, code, 0x1000)
	region := s1.Lower(instrs, 0x1000)
	b := region.Block(0)

	alloc := s1.Allocate(b)

	out, err := s1.Compile(b, alloc)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	if len(out) == 0 {
		t.Fatalf("expected nonempty generated code")
	}

	if out[len(out)-1] != 0xC3 {
		t.Fatalf("expected generated code to end in a host ret, got %#x", out[len(out)-1])
	}
}

func TestAllocateSpillsUnderRegisterPressure(t *testing.T) {
	t.Parallel()

	region := ir.NewRegion()
	b := region.NewBlock(0)

	// More simultaneously-live values than the host has registers.
	var vals []ir.VReg
	for i := 0; i < 20; i++ {
		vals = append(vals, region.Emit(b, ir.IrInstr{Op: ir.OpConst, Imm: int64(i), Effect: ir.EffectPure}))
	}

	sum := vals[0]
	for _, v := range vals[1:] {
		sum = region.Emit(b, ir.IrInstr{Op: ir.OpAdd, Args: []ir.VReg{sum, v}, Effect: ir.EffectPure})
	}

	region.Emit(b, ir.IrInstr{Op: ir.OpReturn, Effect: ir.EffectTerminator})

	alloc := s1.Allocate(b)
	if len(alloc.Spills) == 0 {
		t.Fatalf("expected at least one spill under register pressure")
	}
}

func TestUnsupportedOpFails(t *testing.T) {
	t.Parallel()

	region := ir.NewRegion()
	b := region.NewBlock(0)
	region.Emit(b, ir.IrInstr{Op: ir.OpPopcnt, Args: []ir.VReg{0}, Effect: ir.EffectPure})

	alloc := s1.Allocate(b)

	if _, err := s1.Compile(b, alloc); err == nil {
		t.Fatalf("expected an error compiling an op with no S1 template")
	}
}
