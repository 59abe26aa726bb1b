// Package codecache is the block manager: it interns CompiledBlocks by
// (guest_rip, mode) plus a content hash over the guest bytes they were
// translated from, drives the S1/Hot/S2/Deopt-pending tier state
// machine, and owns the executable memory the compiled code lives in.
//
// There is no teacher analogue for a JIT block cache; the arena-with-
// indices shape follows the same convention as ir.IrRegion and
// deopt.Manager (small integer/struct keys into a map owned by a single
// type behind one mutex), and the writer-exclusive/many-reader
// discipline mirrors vcpu.VCPU's sync.RWMutex usage.
package codecache

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/nexaos/nvm/decoder"
	"github.com/nexaos/nvm/deopt"
	"github.com/nexaos/nvm/ir"
	"github.com/nexaos/nvm/jit/s1"
	"github.com/nexaos/nvm/jit/s2"
	"github.com/nexaos/nvm/profile"
	"github.com/nexaos/nvm/vcpu"
)

// Tier names a compiled block's position in the promotion/demotion
// state machine: Absent -> S1 -> Hot -> S2 -> DeoptPending -> S1.
type Tier uint8

const (
	TierAbsent Tier = iota
	TierS1
	TierHot
	TierS2
	TierDeoptPending
)

func (t Tier) String() string {
	switch t {
	case TierAbsent:
		return "absent"
	case TierS1:
		return "s1"
	case TierHot:
		return "hot"
	case TierS2:
		return "s2"
	case TierDeoptPending:
		return "deopt-pending"
	default:
		return "unknown"
	}
}

// Key addresses a cached translation by guest entry point and the
// decoder mode it was translated under; the same guest bytes decode to
// different native code in 16/32/64-bit mode, so mode is part of the
// identity rather than an afterthought.
type Key struct {
	RIP  uint64
	Mode decoder.Mode
}

// CompiledBlock is one interned translation: its native code (resident
// in W^X-mapped executable memory), the guard ids any speculative
// optimization in it relies on, and the optimization statistics S2
// recorded, if it is an S2 block.
type CompiledBlock struct {
	RIP         uint64
	Mode        decoder.Mode
	Tier        Tier
	GuestLen    int
	Code        []byte
	ContentHash uint64
	EstCycles   uint64
	Stats       s2.Stats
	GuardIDs    []deopt.GuardID

	// Exit is the block's static terminator payload: every S1/S2 block
	// is single-entry/single-exit, so the Kind/Port/Addr/Size a guest
	// IN/OUT/MMIO access targets is already fixed at compile time. The
	// native call's return word only carries Kind and the next RIP
	// (ir.ExitReason.Encode), so a dispatcher needs this field to
	// recover the rest of the terminator after the call returns.
	Exit ir.ExitReason

	mem []byte // the full mmap'd region Code is a prefix of, for unmapping
}

// entry is the per-(rip,mode) bookkeeping the cache keeps beyond the
// CompiledBlocks themselves: which tier is current, the S1 fallback
// that is always kept resident once compiled (so a deopt has somewhere
// to return to immediately), and whether S2 has already been tried and
// rejected for lacking a required ISA feature.
type entry struct {
	key  Key
	tier Tier

	s1 *CompiledBlock
	s2 *CompiledBlock

	isaBlocked bool
}

func (e *entry) active() *CompiledBlock {
	if e.tier == TierS2 && e.s2 != nil {
		return e.s2
	}

	return e.s1
}

// Cache is the block manager. All state is guarded by a single
// sync.RWMutex: lookups (the hot path, once warmed up) take the read
// lock, and compilation/invalidation/eviction take the write lock, per
// spec's "write-heavy during warmup, read-heavy in steady state"
// concurrency note.
type Cache struct {
	mu sync.RWMutex

	entries map[Key]*entry

	// guardOwners maps a guard id to every entry whose S2 block
	// registered it, so a deopt can demote every sibling that shares
	// the failing guard, not just the block that triggered it.
	guardOwners map[deopt.GuardID]map[Key]bool

	profile *profile.DB
	deopt   *deopt.Manager

	s2Config     s2.Config
	hotThreshold uint64

	decoders map[decoder.Mode]*decoder.Decoder
}

// NewCache creates a block manager wired to a shared profile database
// and deopt guard manager. hotThreshold is the execution count (per
// spec's "entry to S2 requires execution count above a configurable
// threshold") above which a block compiled at S1 becomes eligible for
// optimizing compilation.
func NewCache(prof *profile.DB, mgr *deopt.Manager, cfg s2.Config, hotThreshold uint64) *Cache {
	return &Cache{
		entries:      make(map[Key]*entry),
		guardOwners:  make(map[deopt.GuardID]map[Key]bool),
		profile:      prof,
		deopt:        mgr,
		s2Config:     cfg,
		hotThreshold: hotThreshold,
		decoders:     make(map[decoder.Mode]*decoder.Decoder),
	}
}

func (c *Cache) decoderFor(mode decoder.Mode) *decoder.Decoder {
	if d, ok := c.decoders[mode]; ok {
		return d
	}

	d := decoder.New(mode)
	c.decoders[mode] = d

	return d
}

// Lookup returns the currently active CompiledBlock for (rip, mode), if
// any, without attempting to translate or promote it. The active block
// is the S2 block if present and the tier is not DeoptPending,
// otherwise the S1 block.
func (c *Cache) Lookup(rip uint64, mode decoder.Mode) (*CompiledBlock, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[Key{RIP: rip, Mode: mode}]
	if !ok {
		return nil, false
	}

	b := e.active()

	return b, b != nil
}

// Ensure returns the active CompiledBlock for (rip, mode), translating
// it at S1 on a first encounter, recording its execution against the
// profile database, and opportunistically promoting it to S2 once it
// has run often enough. mem supplies the guest bytes to decode; cpuid
// gates which S2 ISA-specific rewrites are legal for this target.
func (c *Cache) Ensure(rip uint64, mode decoder.Mode, mem decoder.Reader, cpuid vcpu.CpuidView) (*CompiledBlock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := Key{RIP: rip, Mode: mode}

	e, ok := c.entries[key]
	if !ok {
		var err error

		e, err = c.compileS1Locked(key, mem)
		if err != nil {
			return nil, err
		}

		c.entries[key] = e
	}

	if c.profile != nil {
		c.profile.RecordBlockExec(rip)
	}

	c.maybePromoteLocked(e, mem, cpuid)

	return e.active(), nil
}

func (c *Cache) compileS1Locked(key Key, mem decoder.Reader) (*entry, error) {
	d := c.decoderFor(key.Mode)

	instrs, err := d.DecodeBlock(mem, key.RIP)
	if err != nil {
		return nil, fmt.Errorf("codecache: decode block at %#x: %w", key.RIP, err)
	}

	region := s1.Lower(instrs, key.RIP)
	if len(region.Blocks) == 0 {
		return nil, fmt.Errorf("codecache: empty translation at %#x", key.RIP)
	}

	entryBlock := region.Blocks[0]

	alloc := s1.Allocate(entryBlock)

	code, err := s1.Compile(entryBlock, alloc)
	if err != nil {
		// Per spec's failure semantics, a compilation error is never
		// fatal: the caller gets an error back for this one attempt,
		// but nothing about the cache's state is left inconsistent.
		return nil, fmt.Errorf("codecache: s1 compile at %#x: %w", key.RIP, err)
	}

	mapped, full, err := mapExecutable(code)
	if err != nil {
		return nil, fmt.Errorf("codecache: map executable memory at %#x: %w", key.RIP, err)
	}

	term, _ := entryBlock.Terminator()

	block := &CompiledBlock{
		RIP:         key.RIP,
		Mode:        key.Mode,
		Tier:        TierS1,
		GuestLen:    guestLen(instrs),
		Code:        mapped,
		ContentHash: contentHash(instrs),
		Exit:        term.Exit,
		mem:         full,
	}

	return &entry{key: key, tier: TierS1, s1: block}, nil
}

// maybePromoteLocked attempts S2 compilation once a block has crossed
// the hot threshold. A failed or ISA-rejected attempt leaves the entry
// at its current tier rather than erroring the caller's Ensure call,
// matching spec's "affected block stays at its current tier" failure
// semantics; isaBlocked remembers an ISA rejection so the cache does
// not keep retrying an attempt that can only fail again until the
// target CpuidView itself changes.
func (c *Cache) maybePromoteLocked(e *entry, mem decoder.Reader, cpuid vcpu.CpuidView) {
	if e.tier == TierDeoptPending || e.isaBlocked || e.tier == TierS2 || c.profile == nil {
		return
	}

	count := c.profile.BlockStat(e.key.RIP).Count
	if count <= c.hotThreshold {
		return
	}

	e.tier = TierHot

	c.promoteToS2Locked(e, mem, cpuid)
}

func (c *Cache) promoteToS2Locked(e *entry, mem decoder.Reader, cpuid vcpu.CpuidView) {
	d := c.decoderFor(e.key.Mode)

	instrs, err := d.DecodeBlock(mem, e.key.RIP)
	if err != nil {
		return
	}

	region := s1.Lower(instrs, e.key.RIP)
	if len(region.Blocks) == 0 {
		return
	}

	compiler := s2.NewCompiler()
	compiler.Config = c.s2Config

	if c.profile != nil && c.deopt != nil {
		compiler = compiler.WithSpeculation(c.profile, c.deopt)
	}

	sites := s2.SpeculationSites{BranchRIP: e.key.RIP, CallRIP: e.key.RIP}

	result, err := compiler.Compile(region, cpuid, sites)
	if err != nil {
		if _, ok := err.(s2.ErrIsaFallback); ok {
			e.isaBlocked = true
		}

		return
	}

	mapped, full, err := mapExecutable(result.Code)
	if err != nil {
		return
	}

	// S2 re-optimizes instruction selection and speculation but never
	// changes the guest-visible entry block's single terminator, so the
	// static exit payload is still the one s1.Lower produced from this
	// same decode.
	term, _ := region.Blocks[0].Terminator()

	block := &CompiledBlock{
		RIP:         e.key.RIP,
		Mode:        e.key.Mode,
		Tier:        TierS2,
		GuestLen:    guestLen(instrs),
		Code:        mapped,
		ContentHash: contentHash(instrs),
		EstCycles:   estimateCycles(result.Stats),
		Stats:       result.Stats,
		GuardIDs:    result.Guards,
		Exit:        term.Exit,
		mem:         full,
	}

	e.s2 = block
	e.tier = TierS2

	for _, id := range result.Guards {
		owners, ok := c.guardOwners[id]
		if !ok {
			owners = make(map[Key]bool)
			c.guardOwners[id] = owners
		}

		owners[e.key] = true
	}
}

// Deopt handles a guard failure reported by the deopt trampoline: every
// entry whose S2 block registered the failing guard is demoted through
// DeoptPending back to S1, matching spec's "deoptimization triggers
// return to S1 for the block and all blocks that share any invalidated
// guard." A guard is only released from the deopt manager once the S2
// block that registered it is actually evicted here, never eagerly, so
// a second in-flight deopt on a sibling block still finds valid guard
// metadata while its own demotion is in progress.
func (c *Cache) Deopt(id deopt.GuardID, reason deopt.Reason) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.deopt != nil {
		c.deopt.Fail(id, reason)
	}

	owners, ok := c.guardOwners[id]
	if !ok {
		return
	}

	keys := make([]Key, 0, len(owners))
	for key := range owners {
		keys = append(keys, key)
	}

	for _, key := range keys {
		if e, ok := c.entries[key]; ok {
			c.demoteToS1Locked(e)
		}
	}
}

func (c *Cache) demoteToS1Locked(e *entry) {
	if e.s2 == nil {
		e.tier = TierS1
		return
	}

	for _, id := range e.s2.GuardIDs {
		if c.deopt != nil {
			c.deopt.Release(id)
		}

		if owners, ok := c.guardOwners[id]; ok {
			delete(owners, e.key)
			if len(owners) == 0 {
				delete(c.guardOwners, id)
			}
		}
	}

	_ = unmapExecutable(e.s2.mem)
	e.s2 = nil
	e.tier = TierS1
}

// InvalidateCR3 flushes every cached translation: a CR3 write changes
// which physical pages a guest-virtual RIP resolves to, so no existing
// translation can be trusted to still correspond to the same guest
// bytes, per spec's "CR3 writes are observed and may trigger
// translation invalidation."
func (c *Cache) InvalidateCR3() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		c.evictLocked(key, e)
	}
}

// InvalidateCodePage evicts every cached translation whose guest byte
// range [RIP, RIP+GuestLen) overlaps the written page, per spec's
// "code page write" invalidation trigger.
func (c *Cache) InvalidateCodePage(addr uint64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		b := e.active()
		if b == nil {
			continue
		}

		start, end := b.RIP, b.RIP+uint64(b.GuestLen)
		if addr < end && addr+uint64(size) > start {
			c.evictLocked(key, e)
		}
	}
}

// Flush evicts a single (rip, mode) translation explicitly.
func (c *Cache) Flush(rip uint64, mode decoder.Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := Key{RIP: rip, Mode: mode}
	if e, ok := c.entries[key]; ok {
		c.evictLocked(key, e)
	}
}

func (c *Cache) evictLocked(key Key, e *entry) {
	if e.s1 != nil {
		_ = unmapExecutable(e.s1.mem)
	}

	if e.s2 != nil {
		for _, id := range e.s2.GuardIDs {
			if owners, ok := c.guardOwners[id]; ok {
				delete(owners, key)
				if len(owners) == 0 {
					delete(c.guardOwners, id)
				}
			}

			if c.deopt != nil {
				c.deopt.Release(id)
			}
		}

		_ = unmapExecutable(e.s2.mem)
	}

	delete(c.entries, key)
}

// Len reports how many (rip, mode) translations are currently resident,
// for tests and diagnostics.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

// Tier reports the current tier of a cached translation, or
// TierAbsent if it has never been compiled.
func (c *Cache) Tier(rip uint64, mode decoder.Mode) Tier {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if e, ok := c.entries[Key{RIP: rip, Mode: mode}]; ok {
		return e.tier
	}

	return TierAbsent
}

func guestLen(instrs []decoder.DecodedInstr) int {
	total := 0
	for _, in := range instrs {
		total += int(in.Len)
	}

	return total
}

func contentHash(instrs []decoder.DecodedInstr) uint64 {
	h := fnv.New64a()

	for _, in := range instrs {
		h.Write(in.Bytes[:in.Len])
	}

	return h.Sum64()
}

// estimateCycles is a crude static cost model — scheduling's achieved-
// ILP figure, inverted and scaled by the optimized instruction count —
// good enough to rank candidate blocks for capacity-based eviction
// without pretending to be a cycle-accurate simulator.
func estimateCycles(stats s2.Stats) uint64 {
	if stats.InstrsAfter == 0 {
		return 0
	}

	if stats.AchievedILP <= 0 {
		return uint64(stats.InstrsAfter)
	}

	return uint64(float64(stats.InstrsAfter) / stats.AchievedILP)
}
