package planner

import "metaquery/internal/querymodel"

// TargetsFor collects the occurrences a model references, with their usage, in
// first-appearance order: selects, then sorts, then filters.
func TargetsFor(m *querymodel.Model) []Target {
	index := make(map[querymodel.Target]int)
	var targets []Target
	add := func(t querymodel.Target, usage Usage) {
		if i, ok := index[t]; ok {
			targets[i].Usage |= usage
			return
		}
		index[t] = len(targets)
		targets = append(targets, Target{Object: t.Object, Via: t.Via, Usage: usage})
	}
	for _, ref := range m.Selects {
		add(ref.Target(), UseSelect)
	}
	for _, s := range m.Sorts {
		add(s.Ref.Target(), UseSort)
	}
	for _, f := range m.Filters {
		f.Walk(func(leaf querymodel.Filter) {
			add(leaf.Ref.Target(), UseFilter)
		})
	}
	return targets
}
