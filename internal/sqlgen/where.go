package sqlgen

import (
	"fmt"
	"strings"

	"metaquery/internal/compiler"
	"metaquery/internal/planner"
	"metaquery/internal/querymodel"

	sq "github.com/Masterminds/squirrel"
)

// conditions renders filters for the query opened by scope (nil for the outer query).
// Leaves on nodes outside scope's FROM clause go through the subquery their boundary
// step opens. Top-level leaves behind the same boundary share one EXISTS, placed where
// the first of them appeared; leaves nested in groups get a subquery each.
func (g *generator) conditions(filters []compiler.Predicate, scope *planner.Step) ([]string, error) {
	var parts []string
	slot := make(map[*planner.Step]int)
	anchored := make(map[*planner.Step][]compiler.Predicate)
	var anchors []*planner.Step

	for _, p := range filters {
		if !p.IsGroup() {
			if anchor := g.plan.Boundary(p.Node, scope); anchor != nil {
				if _, ok := slot[anchor]; !ok {
					slot[anchor] = len(parts)
					parts = append(parts, "")
					anchors = append(anchors, anchor)
				}
				anchored[anchor] = append(anchored[anchor], p)
				continue
			}
		}
		sql, err := g.predicate(p, scope)
		if err != nil {
			return nil, err
		}
		parts = append(parts, sql)
	}

	for _, anchor := range anchors {
		sql, err := g.exists(anchor, anchored[anchor])
		if err != nil {
			return nil, err
		}
		parts[slot[anchor]] = sql
	}
	return parts, nil
}

func (g *generator) predicate(p compiler.Predicate, scope *planner.Step) (string, error) {
	if !p.IsGroup() {
		if anchor := g.plan.Boundary(p.Node, scope); anchor != nil {
			return g.exists(anchor, []compiler.Predicate{p})
		}
		return p.SQL, nil
	}

	parts := make([]string, 0, len(p.Children))
	for _, child := range p.Children {
		sql, err := g.predicate(child, scope)
		if err != nil {
			return "", err
		}
		parts = append(parts, sql)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	sep := " AND "
	if p.Logical == querymodel.LogicalOr {
		sep = " OR "
	}
	return "(" + strings.Join(parts, sep) + ")", nil
}

// touches reports whether any leaf of p references a node at or below step.
func (g *generator) touches(p compiler.Predicate, step *planner.Step) bool {
	if !p.IsGroup() {
		return g.plan.Within(p.Node, step)
	}
	for _, child := range p.Children {
		if g.touches(child, step) {
			return true
		}
	}
	return false
}

// exists renders a correlated subquery for the subtree rooted at anchor, inner-joining
// only the descendants the leaves reference.
func (g *generator) exists(anchor *planner.Step, leaves []compiler.Predicate) (string, error) {
	from, err := g.table(anchor.Object, anchor.Alias)
	if err != nil {
		return "", err
	}
	builder := sq.Select("1").From(from)

	needed := make(map[planner.NodeKey]struct{})
	for _, leaf := range leaves {
		for _, s := range g.plan.PathSteps(anchor, leaf.Node) {
			needed[s.Node] = struct{}{}
		}
	}
	for _, s := range g.plan.Descendants(anchor) {
		if _, ok := needed[s.Node]; !ok {
			continue
		}
		clause, err := g.joinClause(s)
		if err != nil {
			return "", err
		}
		builder = builder.InnerJoin(clause)
	}

	on, err := g.joinPredicate(anchor)
	if err != nil {
		return "", err
	}
	builder = builder.Where(on)
	for _, leaf := range leaves {
		builder = builder.Where(leaf.SQL)
	}

	sql, _, err := builder.PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		return "", fmt.Errorf("failed to assemble EXISTS subquery: %w", err)
	}
	return "EXISTS (" + sql + ")", nil
}
