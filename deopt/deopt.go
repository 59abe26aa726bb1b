// Package deopt manages the guards S2 installs for its speculative
// optimizations and the metadata needed to fall back to baseline
// execution when one of them misfires. Guards are addressed by a small
// integer id (arena-with-indices) rather than pointers so a block and
// the manager can both hold a cheap, copyable reference to the same
// guard.
package deopt

import (
	"sync"

	"github.com/nexaos/nvm/speculation"
)

// GuardID addresses a registered guard.
type GuardID uint32

// Reason tags why a guard failed, recorded for diagnostics and for
// deciding whether to retry S2 compilation after a deopt (a
// CallTargetInSet miss might just need a wider target set; a
// TypeTag miss on an already-widened guard usually means "give up").
type Reason uint8

const (
	ReasonTypeMismatch Reason = iota
	ReasonValueMismatch
	ReasonBranchMispredict
	ReasonCallTargetMiss
	ReasonCompoundMismatch
)

// Guard is one installed speculation: the property assumed, where to
// resume baseline execution if it fails, and enough state to
// reconstruct the interpreter/S1 continuation.
type Guard struct {
	ID       GuardID
	OriginRIP uint64
	Kind      speculation.Kind
	Reason    Reason

	// Metadata mirrors speculation.Candidate's fields for the kind in
	// question, captured at guard-install time.
	TypeTag     uint8
	Reg         uint8
	Value       uint64
	BranchTaken bool
	CallTargets []uint64

	// refs counts the compiled blocks currently referencing this guard;
	// the manager only forgets it once the count drops to zero.
	refs int
}

// Manager owns the guard table. S2 registers a guard per accepted
// speculation when it emits a block, with one reference; the code cache
// releases a block's guard references when it evicts or demotes the
// block, per the reference-counted eviction policy in DESIGN.md.
type Manager struct {
	mu     sync.Mutex
	nextID GuardID
	guards map[GuardID]*Guard
}

// NewManager creates an empty guard manager.
func NewManager() *Manager {
	return &Manager{guards: make(map[GuardID]*Guard)}
}

// Register installs a new guard from an accepted speculation candidate
// and returns its id with an initial reference count of one.
func (m *Manager) Register(originRIP uint64, c speculation.Candidate) GuardID {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++

	m.guards[id] = &Guard{
		ID:          id,
		OriginRIP:   originRIP,
		Kind:        c.Kind,
		TypeTag:     c.TypeTag,
		Reg:         c.Reg,
		Value:       c.Value,
		BranchTaken: c.BranchTaken,
		CallTargets: append([]uint64(nil), c.CallTargets...),
		refs:        1,
	}

	return id
}

// AddRef increments a guard's reference count, e.g. when a second
// compiled block is found to share the same speculation site.
func (m *Manager) AddRef(id GuardID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if g, ok := m.guards[id]; ok {
		g.refs++
	}
}

// Release decrements a guard's reference count and removes it once no
// block references it any longer.
func (m *Manager) Release(id GuardID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.guards[id]
	if !ok {
		return
	}

	g.refs--
	if g.refs <= 0 {
		delete(m.guards, id)
	}
}

// Guard returns a copy of a registered guard, or ok=false if it has
// been released.
func (m *Manager) Guard(id GuardID) (Guard, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.guards[id]
	if !ok {
		return Guard{}, false
	}

	return *g, true
}

// Fail marks a guard's failure reason, called by the deopt trampoline
// right before it hands control back to the dispatcher. The reason is
// informational only here; acting on it (widening a target set,
// blacklisting a site) is S2's decision at its next compilation of the
// block.
func (m *Manager) Fail(id GuardID, reason Reason) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if g, ok := m.guards[id]; ok {
		g.Reason = reason
	}
}

// Outcome is what the deopt trampoline returns to the dispatcher after
// a guard fails: the guest RIP to resume interpretation/S1 execution
// from, since S2's speculative rewrite may have reordered or elided
// work the baseline path still needs to perform.
type Outcome struct {
	ResumeRIP uint64
	Guard     Guard
}

// Reconstruct builds the dispatcher-facing Outcome for a failed guard.
// originRIP is always a safe resumption point because S2 never lets a
// guard's protected region cross a block boundary without a
// side-effect-respecting checkpoint, per the pipeline's speculative-
// optimization stage.
func (m *Manager) Reconstruct(id GuardID, reason Reason) (Outcome, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.guards[id]
	if !ok {
		return Outcome{}, false
	}

	g.Reason = reason

	return Outcome{ResumeRIP: g.OriginRIP, Guard: *g}, true
}
