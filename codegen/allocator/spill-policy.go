package allocator

import (
	"github.com/pattyshack/x64gen/ir"
)

type SpillCandidate struct {
	ID ir.ValueID

	// Next use position at or after the current instruction (math.MaxInt if
	// none).
	NextUse int

	// Allocation sequence number.  Lower is older.
	Sequence int
}

// SpillPolicy picks which occupant to evict when a register class is
// exhausted.  Candidates are never empty and are given in register
// preference order.
type SpillPolicy interface {
	Name() string
	Select(candidates []SpillCandidate) ir.ValueID
}

// Evicts the value whose next use is furthest away.  Ties are broken by
// allocation age.
type FurthestNextUse struct{}

func (FurthestNextUse) Name() string {
	return "furthest-next-use"
}

func (FurthestNextUse) Select(candidates []SpillCandidate) ir.ValueID {
	selected := candidates[0]
	for _, candidate := range candidates[1:] {
		if candidate.NextUse > selected.NextUse ||
			(candidate.NextUse == selected.NextUse &&
				candidate.Sequence < selected.Sequence) {
			selected = candidate
		}
	}
	return selected.ID
}

// Evicts the earliest allocated value.  Used when no liveness information
// is available.
type OldestFirst struct{}

func (OldestFirst) Name() string {
	return "oldest-first"
}

func (OldestFirst) Select(candidates []SpillCandidate) ir.ValueID {
	selected := candidates[0]
	for _, candidate := range candidates[1:] {
		if candidate.Sequence < selected.Sequence {
			selected = candidate
		}
	}
	return selected.ID
}

var (
	_ SpillPolicy = FurthestNextUse{}
	_ SpillPolicy = OldestFirst{}
)

// This returns nil for unknown policy names.
func SpillPolicyByName(name string) SpillPolicy {
	switch name {
	case "", FurthestNextUse{}.Name():
		return FurthestNextUse{}
	case OldestFirst{}.Name():
		return OldestFirst{}
	}
	return nil
}
