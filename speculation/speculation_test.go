package speculation_test

import (
	"testing"

	"github.com/nexaos/nvm/profile"
	"github.com/nexaos/nvm/speculation"
)

func TestProposeTypeTagAndValueSpeculation(t *testing.T) {
	t.Parallel()

	db := profile.New()
	for i := 0; i < 9; i++ {
		db.RecordRegisterUse(0x100, 0, 1, 42)
	}
	db.RecordRegisterUse(0x100, 0, 2, 7)

	cands := speculation.Propose(db, 0x1000, []speculation.RegisterSite{{RIP: 0x100, Reg: 0}}, 0, 0)

	var sawType, sawValue bool
	for _, c := range cands {
		switch c.Kind {
		case speculation.KindTypeTag:
			sawType = true
			if c.Confidence < 0.85 {
				t.Fatalf("expected high type-tag confidence, got %f", c.Confidence)
			}
		case speculation.KindValueEquality:
			sawValue = true
		}
	}

	if !sawType || !sawValue {
		t.Fatalf("expected both type-tag and value candidates, got %+v", cands)
	}
}

func TestProposeBranchSpeculation(t *testing.T) {
	t.Parallel()

	db := profile.New()
	for i := 0; i < 19; i++ {
		db.RecordBranch(0x200, true)
	}
	db.RecordBranch(0x200, false)

	cands := speculation.Propose(db, 0x1000, nil, 0x200, 0)
	if len(cands) != 1 || cands[0].Kind != speculation.KindBranchTaken || !cands[0].BranchTaken {
		t.Fatalf("expected one branch-taken candidate, got %+v", cands)
	}
}

func TestAboveFiltersByThreshold(t *testing.T) {
	t.Parallel()

	cands := []speculation.Candidate{
		{Confidence: 0.9},
		{Confidence: 0.4},
		{Confidence: 0.6},
	}

	above := speculation.Above(cands, 0.6)
	if len(above) != 2 {
		t.Fatalf("expected 2 candidates above threshold 0.6, got %d", len(above))
	}
}

func TestProposeCallTargetSpeculation(t *testing.T) {
	t.Parallel()

	db := profile.New()
	for i := 0; i < 10; i++ {
		db.RecordIndirectCall(0x300, 0xAAAA)
	}

	cands := speculation.Propose(db, 0x1000, nil, 0, 0x300)
	if len(cands) != 1 || cands[0].Kind != speculation.KindCallTargetInSet {
		t.Fatalf("expected one call-target candidate, got %+v", cands)
	}

	if cands[0].Confidence != 1.0 {
		t.Fatalf("single-target site should report full confidence, got %f", cands[0].Confidence)
	}
}
