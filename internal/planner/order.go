package planner

import (
	"sort"

	"metaquery/internal/queryerr"
)

// order sorts steps topologically so every step follows the step that introduces its
// parent. Among ready steps the lower relation id goes first, then the lower node key.
func (p *Plan) order() error {
	pending := make(map[NodeKey]int, len(p.byNode))
	dependents := make(map[NodeKey][]*Step)
	var ready []*Step
	for _, s := range p.byNode {
		if s.Parent == p.Root {
			ready = append(ready, s)
			continue
		}
		if _, ok := p.byNode[s.Parent]; !ok {
			return queryerr.New(queryerr.KindPlanningCycle, "step %s depends on an unplanned node %s", s.Node, s.Parent)
		}
		pending[s.Node]++
		dependents[s.Parent] = append(dependents[s.Parent], s)
	}

	steps := make([]*Step, 0, len(p.byNode))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return stepBefore(ready[i], ready[j]) })
		next := ready[0]
		ready = ready[1:]
		steps = append(steps, next)
		for _, dep := range dependents[next.Node] {
			pending[dep.Node]--
			if pending[dep.Node] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if len(steps) != len(p.byNode) {
		return queryerr.New(queryerr.KindPlanningCycle, "relation graph contains a dependency cycle").
			WithValue(len(p.byNode) - len(steps))
	}

	p.Steps = steps
	p.children = make(map[NodeKey][]*Step)
	for _, s := range steps {
		p.children[s.Parent] = append(p.children[s.Parent], s)
	}
	return nil
}

func stepBefore(a, b *Step) bool {
	if a.Relation.ID != b.Relation.ID {
		return a.Relation.ID < b.Relation.ID
	}
	return a.Node.less(b.Node)
}

// Validate checks that every step's parent is the root or a strictly earlier step.
func (p *Plan) Validate() error {
	introduced := map[NodeKey]bool{p.Root: true}
	for i, s := range p.Steps {
		if !introduced[s.Parent] {
			return queryerr.New(queryerr.KindPlanningCycle,
				"step %d (%s) references %s before it is introduced", i, s.Node, s.Parent)
		}
		if introduced[s.Node] {
			return queryerr.New(queryerr.KindPlanningCycle, "node %s is introduced twice", s.Node)
		}
		introduced[s.Node] = true
	}
	return nil
}
