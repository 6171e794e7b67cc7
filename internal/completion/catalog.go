// Package completion derives a project's completion percentage from the
// weighted status of its milestones.
package completion

import (
	"sort"
)

// Stage names carrying weight in the default catalog.
const (
	StageStudies             = "Stage 1 - Studies"
	StageInitialDesign       = "Stage 2 - Initial Design"
	StageDetailedDesign      = "Stage 3 - Detailed Design"
	StageTenderDocument      = "Stage 4 - Tender Document"
	StageTendering           = "Stage 5 - Tendering & Award"
	StageExecution           = "Stage 6 - Execution"
	StageMaintenance         = "Stage 7 - Maintenance & Defects Liability"
	StageContractAdjustments = "Stage 8 - Contract Adjustments"
	StageClosing             = "Stage 9 - Closing"
)

// Stage is one catalog entry.
type Stage struct {
	Name   string `json:"name"`
	Weight int    `json:"weight"`
}

// Catalog maps milestone names to completion weights. Names absent from the
// catalog weigh 0. The zero value is an empty catalog.
type Catalog struct {
	stages []Stage
	index  map[string]int
}

// NewCatalog builds a catalog from stages in display order. A repeated name
// keeps its first position and takes the last weight.
func NewCatalog(stages ...Stage) Catalog {
	c := Catalog{index: make(map[string]int, len(stages))}
	for _, s := range stages {
		c.set(s.Name, s.Weight)
	}
	return c
}

// DefaultCatalog returns the nine canonical stages, whose weights sum to 100.
func DefaultCatalog() Catalog {
	return NewCatalog(
		Stage{StageStudies, 2},
		Stage{StageInitialDesign, 8},
		Stage{StageDetailedDesign, 20},
		Stage{StageTenderDocument, 15},
		Stage{StageTendering, 10},
		Stage{StageExecution, 35},
		Stage{StageMaintenance, 7},
		Stage{StageContractAdjustments, 0},
		Stage{StageClosing, 3},
	)
}

func (c *Catalog) set(name string, weight int) {
	if c.index == nil {
		c.index = make(map[string]int)
	}
	if i, ok := c.index[name]; ok {
		c.stages[i].Weight = weight
		return
	}
	c.index[name] = len(c.stages)
	c.stages = append(c.stages, Stage{Name: name, Weight: weight})
}

// Weight returns the weight of name, or 0 for unknown names.
func (c Catalog) Weight(name string) int {
	if i, ok := c.index[name]; ok {
		return c.stages[i].Weight
	}
	return 0
}

// Contains reports whether name is a catalog stage.
func (c Catalog) Contains(name string) bool {
	_, ok := c.index[name]
	return ok
}

// Clone returns an independent copy.
func (c Catalog) Clone() Catalog {
	return NewCatalog(c.stages...)
}

// Merge returns a copy with overrides applied. Known stages keep their
// position; new names are appended in name order so the result is
// deterministic.
func (c Catalog) Merge(overrides map[string]int) Catalog {
	out := c.Clone()
	var added []string
	for name, w := range overrides {
		if out.Contains(name) {
			out.set(name, w)
			continue
		}
		added = append(added, name)
	}
	sort.Strings(added)
	for _, name := range added {
		out.set(name, overrides[name])
	}
	return out
}

// Names returns the stage names in catalog order.
func (c Catalog) Names() []string {
	names := make([]string, len(c.stages))
	for i, s := range c.stages {
		names[i] = s.Name
	}
	return names
}

// Stages returns a copy of the entries in catalog order.
func (c Catalog) Stages() []Stage {
	return append([]Stage(nil), c.stages...)
}

// Total returns the sum of all weights.
func (c Catalog) Total() int {
	total := 0
	for _, s := range c.stages {
		total += s.Weight
	}
	return total
}
