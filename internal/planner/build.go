package planner

import (
	"sort"

	"metaquery/internal/catalog"
	"metaquery/internal/queryerr"
)

// Build plans the join tree connecting every target to root.
func Build(relations []catalog.RelationInfo, root string, targets []Target) (*Plan, error) {
	root = catalog.CanonicalCode(root)
	g, err := newGraph(relations)
	if err != nil {
		return nil, err
	}
	sp := g.shortestPaths(root)

	b := &builder{
		plan: &Plan{
			Root:      NodeKey{Object: root},
			byNode:    make(map[NodeKey]*Step),
			children:  make(map[NodeKey][]*Step),
			targets:   make(map[occurrence]NodeKey),
			canonical: map[string]NodeKey{root: {Object: root}},
		},
		sp: sp,
	}
	b.plan.targets[occurrence{object: root}] = b.plan.Root

	for _, t := range targets {
		object := catalog.CanonicalCode(t.Object)
		via := catalog.CanonicalCode(t.Via)

		var node NodeKey
		if via == "" {
			if !sp.reachable(object) {
				return nil, queryerr.New(queryerr.KindNoJoinPath, "no relation path from %s", root).WithObject(object)
			}
			node = b.ensure(object)
		} else {
			rel, ok := g.qualified(sp, object, via)
			if !ok {
				return nil, queryerr.New(queryerr.KindNoJoinPath, "no reachable relation %s leads to the object", via).
					WithObject(object)
			}
			node = b.edge(b.ensure(rel.FromObject), rel)
		}
		if step := b.plan.byNode[node]; step != nil {
			step.Usage |= t.Usage
		}
		b.plan.targets[occurrence{object: object, via: via}] = node
	}

	if err := b.assignStrategies(); err != nil {
		return nil, err
	}
	if err := b.plan.order(); err != nil {
		return nil, err
	}
	if err := b.plan.Validate(); err != nil {
		return nil, err
	}
	return b.plan, nil
}

type builder struct {
	plan  *Plan
	sp    *shortestPaths
	steps []*Step
}

// ensure materializes the shortest path to object and returns its node.
func (b *builder) ensure(object string) NodeKey {
	node := b.plan.Root
	for _, rel := range b.sp.path(object) {
		node = b.edge(node, rel)
		b.plan.canonical[rel.ToObject] = node
	}
	return node
}

func (b *builder) edge(parent NodeKey, rel catalog.RelationInfo) NodeKey {
	key := NodeKey{Object: rel.ToObject, RelationID: rel.ID}
	if _, ok := b.plan.byNode[key]; ok {
		return key
	}
	depth := 1
	if p := b.plan.byNode[parent]; p != nil {
		depth = p.Depth + 1
	}
	step := &Step{Node: key, Parent: parent, Relation: rel, Depth: depth}
	b.plan.byNode[key] = step
	b.steps = append(b.steps, step)
	return key
}

// assignStrategies picks a strategy for every step, parents before children.
//
// A subtree that feeds the output is joined, or aggregated when its edge fans out; an
// aggregate nested below another one is aggregated again inside it, so every array holds
// each child row once. A filter-only subtree behind a fan-out edge becomes one EXISTS
// subquery holding the whole subtree.
func (b *builder) assignStrategies() error {
	subtree := make(map[NodeKey]Usage, len(b.steps))
	for _, s := range b.steps {
		for n := s.Node; ; {
			subtree[n] |= s.Usage
			step := b.plan.byNode[n]
			if step == nil {
				break
			}
			n = step.Parent
		}
	}

	ordered := append([]*Step(nil), b.steps...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Depth < ordered[j].Depth })

	for _, s := range ordered {
		var existsAnchor, aggAnchor, scope *Step
		if parent := b.plan.byNode[s.Parent]; parent != nil {
			existsAnchor = parent.ExistsAnchor
			aggAnchor = parent.AggregateAnchor
			scope = parent.Scope
		}
		fans := s.Relation.Type.FansOut()
		output := subtree[s.Node].Output()

		switch {
		case existsAnchor != nil:
			s.Strategy = StrategyJoin
			s.ExistsAnchor = existsAnchor
		case output && fans:
			s.Strategy = StrategyAggregate
			s.AggregateAnchor = s
		case output:
			s.Strategy = StrategyJoin
			s.AggregateAnchor = aggAnchor
		case fans:
			s.Strategy = StrategyExists
			s.ExistsAnchor = s
			s.AggregateAnchor = aggAnchor
		default:
			s.Strategy = StrategyJoin
			s.AggregateAnchor = aggAnchor
		}
		s.Scope = scope
		if s.Detached() {
			s.Scope = s
		}

		if s.Usage&UseSort != 0 && s.AggregateAnchor != nil {
			return queryerr.New(queryerr.KindCapabilityDenied,
				"cannot sort by an object reached through the one-to-many relation %d", s.AggregateAnchor.Relation.ID).
				WithObject(s.Node.Object)
		}
	}
	return nil
}
