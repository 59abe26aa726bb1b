// Package speculation turns profile.DB observations into candidate
// speculative optimizations for S2 to apply, each tagged with a
// confidence in [0,1]. S2 filters candidates against a configured
// threshold before emitting the corresponding guard; the tie-break rule
// ("never violate a side-effect flag even if profile-guided speculation
// would permit it") belongs to S2's pipeline, not this package — this
// package only proposes, it never forces a rewrite.
package speculation

import "github.com/nexaos/nvm/profile"

// Kind tags what property a speculation assumes will keep holding.
type Kind uint8

const (
	KindTypeTag Kind = iota
	KindValueEquality
	KindBranchTaken
	KindCallTargetInSet
	KindCompound
)

func (k Kind) String() string {
	switch k {
	case KindTypeTag:
		return "type_tag"
	case KindValueEquality:
		return "value_equality"
	case KindBranchTaken:
		return "branch_taken"
	case KindCallTargetInSet:
		return "call_target_in_set"
	case KindCompound:
		return "compound"
	default:
		return "kind?"
	}
}

// Candidate is one proposed speculation at a given guest RIP.
type Candidate struct {
	SiteRIP    uint64
	Kind       Kind
	Confidence float64

	// Metadata, populated according to Kind.
	TypeTag      uint8
	Reg          uint8
	Value        uint64
	BranchTaken  bool
	CallTargets  []uint64
	Compound     []Candidate
}

// Propose walks a block's profiled sites and returns every candidate
// speculation whose confidence is estimable, regardless of threshold;
// callers filter with Above.
func Propose(db *profile.DB, blockRIP uint64, registerSites []RegisterSite, branchSite uint64, callSite uint64) []Candidate {
	var out []Candidate

	for _, rs := range registerSites {
		tag, ok := db.DominantTypeTag(rs.RIP, rs.Reg)
		if !ok {
			continue
		}

		values := db.TopRegisterValues(rs.RIP, rs.Reg, 8)

		conf := typeTagConfidence(db, rs.RIP, rs.Reg, tag)
		out = append(out, Candidate{SiteRIP: rs.RIP, Kind: KindTypeTag, Confidence: conf, TypeTag: tag, Reg: rs.Reg})

		if len(values) > 0 {
			vconf := valueConfidence(values)
			out = append(out, Candidate{SiteRIP: rs.RIP, Kind: KindValueEquality, Confidence: vconf, Reg: rs.Reg, Value: values[0].Key})
		}
	}

	if branchSite != 0 {
		bs := db.BranchStat(branchSite)
		total := bs.Taken + bs.NotTaken
		if total > 0 {
			bias := bs.Bias()
			taken := bias >= 0.5
			conf := bias
			if !taken {
				conf = 1 - bias
			}
			out = append(out, Candidate{SiteRIP: branchSite, Kind: KindBranchTaken, Confidence: conf, BranchTaken: taken})
		}
	}

	if callSite != 0 {
		targets := db.TopCallTargets(callSite, 4)
		if len(targets) > 0 {
			total := uint64(0)
			for _, e := range targets {
				total += e.Count
			}

			ts := make([]uint64, len(targets))
			for i, e := range targets {
				ts[i] = e.Key
			}

			out = append(out, Candidate{
				SiteRIP: callSite, Kind: KindCallTargetInSet,
				Confidence: float64(targets[0].Count) / float64(total), CallTargets: ts,
			})
		}
	}

	return out
}

// RegisterSite names one (rip, register) profiled site to propose a
// type-tag/value speculation for.
type RegisterSite struct {
	RIP uint64
	Reg uint8
}

// typeTagConfidence derives the dominant tag's share of the full
// observed distribution at a register-use site.
func typeTagConfidence(db *profile.DB, rip uint64, reg uint8, tag uint8) float64 {
	dist := db.TypeTagDistribution(rip, reg)

	var total, hit uint64
	for t, count := range dist {
		total += count
		if t == tag {
			hit = count
		}
	}

	if total == 0 {
		return 0
	}

	return float64(hit) / float64(total)
}

// valueConfidence derives the leading value's share of a top-K value
// histogram; entries beyond the tracked top-K are not counted, which
// makes this an upper bound rather than an exact share.
func valueConfidence(top []profile.Entry) float64 {
	if len(top) == 0 {
		return 0
	}

	var total uint64
	for _, e := range top {
		total += e.Count
	}

	if total == 0 {
		return 0
	}

	return float64(top[0].Count) / float64(total)
}

// Above filters candidates to those at or above threshold, the
// speculation_threshold knob S2Config carries.
func Above(candidates []Candidate, threshold float64) []Candidate {
	out := candidates[:0:0]

	for _, c := range candidates {
		if c.Confidence >= threshold {
			out = append(out, c)
		}
	}

	return out
}
