package codecache_test

import (
	"testing"

	"github.com/nexaos/nvm/codecache"
	"github.com/nexaos/nvm/decoder"
	"github.com/nexaos/nvm/deopt"
	"github.com/nexaos/nvm/jit/s2"
	"github.com/nexaos/nvm/profile"
	"github.com/nexaos/nvm/vcpu"
)

// movAddRet is "mov eax, 5 ; add eax, 1 ; ret", a single basic block
// ending in a terminator, the same shape jit/s1's own tests use.
var movAddRet = []byte{
	0xB8, 0x05, 0x00, 0x00, 0x00,
	0x83, 0xC0, 0x01,
	0xC3,
}

func newReader(rip uint64, code []byte) decoder.Reader {
	return decoder.SliceReader{Base: rip, Data: code}
}

func TestEnsureCompilesAtS1OnFirstEncounter(t *testing.T) {
	t.Parallel()

	cache := codecache.NewCache(profile.New(), deopt.NewManager(), s2.DefaultConfig(), 1000)

	block, err := cache.Ensure(0x1000, decoder.ModeLong, newReader(0x1000, movAddRet), vcpu.DefaultCpuidView())
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	if len(block.Code) == 0 {
		t.Fatalf("expected non-empty compiled code")
	}

	if block.Tier != codecache.TierS1 {
		t.Fatalf("expected tier s1, got %s", block.Tier)
	}

	if cache.Tier(0x1000, decoder.ModeLong) != codecache.TierS1 {
		t.Fatalf("cache.Tier disagrees with returned block's tier")
	}
}

func TestEnsureReusesCachedBlock(t *testing.T) {
	t.Parallel()

	cache := codecache.NewCache(profile.New(), deopt.NewManager(), s2.DefaultConfig(), 1000)

	reader := newReader(0x2000, movAddRet)

	first, err := cache.Ensure(0x2000, decoder.ModeLong, reader, vcpu.DefaultCpuidView())
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	second, err := cache.Ensure(0x2000, decoder.ModeLong, reader, vcpu.DefaultCpuidView())
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	if &first.Code[0] != &second.Code[0] {
		t.Fatalf("expected the second Ensure to return the same interned block")
	}

	if cache.Len() != 1 {
		t.Fatalf("expected exactly one cached entry, got %d", cache.Len())
	}
}

func TestEnsurePromotesToS2PastHotThreshold(t *testing.T) {
	t.Parallel()

	cache := codecache.NewCache(profile.New(), deopt.NewManager(), s2.DefaultConfig(), 3)

	reader := newReader(0x3000, movAddRet)
	cpuid := vcpu.DefaultCpuidView()

	var last *codecache.CompiledBlock

	for i := 0; i < 5; i++ {
		b, err := cache.Ensure(0x3000, decoder.ModeLong, reader, cpuid)
		if err != nil {
			t.Fatalf("Ensure iteration %d: %v", i, err)
		}

		last = b
	}

	if last.Tier != codecache.TierS2 {
		t.Fatalf("expected promotion to s2 after crossing the hot threshold, got %s", last.Tier)
	}
}

func TestLookupMissesBeforeEnsure(t *testing.T) {
	t.Parallel()

	cache := codecache.NewCache(profile.New(), deopt.NewManager(), s2.DefaultConfig(), 1000)

	if _, ok := cache.Lookup(0x4000, decoder.ModeLong); ok {
		t.Fatalf("expected a miss for a block never compiled")
	}
}

func TestInvalidateCR3FlushesEverything(t *testing.T) {
	t.Parallel()

	cache := codecache.NewCache(profile.New(), deopt.NewManager(), s2.DefaultConfig(), 1000)

	if _, err := cache.Ensure(0x5000, decoder.ModeLong, newReader(0x5000, movAddRet), vcpu.DefaultCpuidView()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	cache.InvalidateCR3()

	if cache.Len() != 0 {
		t.Fatalf("expected InvalidateCR3 to evict every entry, got %d remaining", cache.Len())
	}

	if _, ok := cache.Lookup(0x5000, decoder.ModeLong); ok {
		t.Fatalf("expected a miss after InvalidateCR3")
	}
}

func TestInvalidateCodePageEvictsOverlappingBlockOnly(t *testing.T) {
	t.Parallel()

	cache := codecache.NewCache(profile.New(), deopt.NewManager(), s2.DefaultConfig(), 1000)

	if _, err := cache.Ensure(0x6000, decoder.ModeLong, newReader(0x6000, movAddRet), vcpu.DefaultCpuidView()); err != nil {
		t.Fatalf("Ensure 0x6000: %v", err)
	}

	if _, err := cache.Ensure(0x7000, decoder.ModeLong, newReader(0x7000, movAddRet), vcpu.DefaultCpuidView()); err != nil {
		t.Fatalf("Ensure 0x7000: %v", err)
	}

	cache.InvalidateCodePage(0x6000, len(movAddRet))

	if _, ok := cache.Lookup(0x6000, decoder.ModeLong); ok {
		t.Fatalf("expected 0x6000 to be evicted")
	}

	if _, ok := cache.Lookup(0x7000, decoder.ModeLong); !ok {
		t.Fatalf("expected 0x7000 to survive an unrelated page invalidation")
	}
}

func TestFlushEvictsSingleEntry(t *testing.T) {
	t.Parallel()

	cache := codecache.NewCache(profile.New(), deopt.NewManager(), s2.DefaultConfig(), 1000)

	if _, err := cache.Ensure(0x8000, decoder.ModeLong, newReader(0x8000, movAddRet), vcpu.DefaultCpuidView()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	cache.Flush(0x8000, decoder.ModeLong)

	if _, ok := cache.Lookup(0x8000, decoder.ModeLong); ok {
		t.Fatalf("expected Flush to evict the entry")
	}
}

func TestDeoptDemotesSharingBlocksBackToS1(t *testing.T) {
	t.Parallel()

	mgr := deopt.NewManager()
	cache := codecache.NewCache(profile.New(), mgr, s2.DefaultConfig(), 2)

	reader := newReader(0x9000, movAddRet)
	cpuid := vcpu.DefaultCpuidView()

	var block *codecache.CompiledBlock

	for i := 0; i < 4; i++ {
		b, err := cache.Ensure(0x9000, decoder.ModeLong, reader, cpuid)
		if err != nil {
			t.Fatalf("Ensure iteration %d: %v", i, err)
		}

		block = b
	}

	if block.Tier != codecache.TierS2 || len(block.GuardIDs) == 0 {
		t.Skip("this code shape never triggered a speculative guard to deopt")
	}

	cache.Deopt(block.GuardIDs[0], deopt.ReasonTypeMismatch)

	if cache.Tier(0x9000, decoder.ModeLong) != codecache.TierS1 {
		t.Fatalf("expected demotion to s1 after deopt, got %s", cache.Tier(0x9000, decoder.ModeLong))
	}
}
