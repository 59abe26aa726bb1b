package deopt_test

import (
	"testing"

	"github.com/nexaos/nvm/deopt"
	"github.com/nexaos/nvm/speculation"
)

func TestRegisterAndReconstruct(t *testing.T) {
	t.Parallel()

	m := deopt.NewManager()
	id := m.Register(0x1000, speculation.Candidate{Kind: speculation.KindTypeTag, TypeTag: 3, Reg: 0})

	g, ok := m.Guard(id)
	if !ok || g.TypeTag != 3 {
		t.Fatalf("expected registered guard with type tag 3, got %+v ok=%v", g, ok)
	}

	outcome, ok := m.Reconstruct(id, deopt.ReasonTypeMismatch)
	if !ok || outcome.ResumeRIP != 0x1000 {
		t.Fatalf("expected resume at origin rip 0x1000, got %+v", outcome)
	}

	if outcome.Guard.Reason != deopt.ReasonTypeMismatch {
		t.Fatalf("expected recorded failure reason, got %v", outcome.Guard.Reason)
	}
}

func TestRefCountedRelease(t *testing.T) {
	t.Parallel()

	m := deopt.NewManager()
	id := m.Register(0x2000, speculation.Candidate{Kind: speculation.KindBranchTaken, BranchTaken: true})

	m.AddRef(id) // a second block now shares this guard

	m.Release(id)
	if _, ok := m.Guard(id); !ok {
		t.Fatalf("guard should still be live after one of two refs released")
	}

	m.Release(id)
	if _, ok := m.Guard(id); ok {
		t.Fatalf("guard should be gone after its last reference is released")
	}
}

func TestReconstructUnknownGuard(t *testing.T) {
	t.Parallel()

	m := deopt.NewManager()
	if _, ok := m.Reconstruct(999, deopt.ReasonValueMismatch); ok {
		t.Fatalf("reconstructing an unregistered guard should fail")
	}
}
