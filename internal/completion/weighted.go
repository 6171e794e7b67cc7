package completion

import "github.com/hyperengineering/muniplan/internal/types"

// MilestoneFact is the part of a milestone that completion depends on.
type MilestoneFact struct {
	Name   string
	Status types.MilestoneStatus
}

// Facts extracts the completion-relevant fields of milestones, preserving order.
func Facts(milestones []types.Milestone) []MilestoneFact {
	facts := make([]MilestoneFact, len(milestones))
	for i, m := range milestones {
		facts[i] = MilestoneFact{Name: m.Name, Status: m.Status}
	}
	return facts
}

// WeightedCompletion sums the catalog weights of Completed milestones and
// clamps the result to [0, 100]. Unknown names weigh 0; a stage listed twice
// counts twice before clamping.
func WeightedCompletion(c Catalog, milestones []MilestoneFact) int {
	sum := 0
	for _, m := range milestones {
		if m.Status == types.MilestoneCompleted {
			sum += c.Weight(m.Name)
		}
	}
	return clamp(sum)
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
