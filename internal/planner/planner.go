// Package planner computes the join graph of a query: which relations connect every
// referenced object occurrence to the root, in what order they are introduced, and
// whether each one is joined, aggregated into a JSON array, or tested with EXISTS.
//
// Planning is pure. Relations are edges of a directed graph weighted by PathWeight and
// searched with Dijkstra from the root; equal-cost paths are broken by fewer hops and
// then by the lower id of the final relation, so plans are stable for a catalog snapshot.
package planner

import (
	"fmt"
	"sort"

	"metaquery/internal/catalog"
)

// Usage records how a query uses an object occurrence.
type Usage uint8

const (
	UseSelect Usage = 1 << iota
	UseSort
	UseFilter
)

// Output reports whether the occurrence contributes to the result shape.
func (u Usage) Output() bool {
	return u&(UseSelect|UseSort) != 0
}

// Target is an object occurrence the plan must reach. Via names the relation code of
// the final edge when the occurrence is relation-qualified.
type Target struct {
	Object string
	Via    string
	Usage  Usage
}

// NodeKey identifies a node of the join tree. The root has RelationID 0; every other
// node is the object reached through one specific relation.
type NodeKey struct {
	Object     string
	RelationID int64
}

func (k NodeKey) String() string {
	if k.RelationID == 0 {
		return k.Object
	}
	return fmt.Sprintf("%s#%d", k.Object, k.RelationID)
}

func (k NodeKey) less(o NodeKey) bool {
	if k.Object != o.Object {
		return k.Object < o.Object
	}
	return k.RelationID < o.RelationID
}

// Strategy says how a step is rendered.
type Strategy int

const (
	// StrategyJoin joins the object in the enclosing FROM clause.
	StrategyJoin Strategy = iota
	// StrategyExists tests the object, and everything below it, in a correlated EXISTS subquery.
	StrategyExists
	// StrategyAggregate folds the rows of a fan-out object, and everything joined below it,
	// into a JSON array per parent row in a correlated subquery.
	StrategyAggregate
)

func (s Strategy) String() string {
	switch s {
	case StrategyJoin:
		return "JOIN"
	case StrategyExists:
		return "EXISTS"
	case StrategyAggregate:
		return "AGGREGATE"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// Step introduces one node of the join tree.
type Step struct {
	Node     NodeKey
	Parent   NodeKey
	Relation catalog.RelationInfo
	Strategy Strategy
	Usage    Usage
	Depth    int

	// ExistsAnchor is the nearest Exists step at or above this one, if any.
	ExistsAnchor *Step
	// AggregateAnchor is the nearest Aggregate step at or above this one, if any.
	AggregateAnchor *Step
	// Scope is the nearest Exists or Aggregate step at or above this one: the subquery
	// whose FROM clause introduces the step. Nil for steps joined in the outer query.
	Scope *Step

	// Populated by Bind.
	Alias       string
	ParentAlias string
	Object      catalog.ObjectMeta
	JoinKeys    []catalog.RelationJoinKey
}

// Detached reports whether the step opens its own correlated subquery.
func (s *Step) Detached() bool {
	return s.Strategy == StrategyExists || s.Strategy == StrategyAggregate
}

// JoinType returns the SQL join flavor; required relations are always inner-joined.
func (s *Step) JoinType() catalog.JoinType {
	if s.Relation.Required {
		return catalog.JoinInner
	}
	return s.Relation.JoinType
}

type occurrence struct {
	object string
	via    string
}

// Plan is an ordered join tree rooted at the query's root object.
type Plan struct {
	Root       NodeKey
	RootAlias  string
	RootObject catalog.ObjectMeta

	// Steps are in dependency order: every step's parent is the root or an earlier step.
	Steps []*Step

	byNode    map[NodeKey]*Step
	children  map[NodeKey][]*Step
	targets   map[occurrence]NodeKey
	canonical map[string]NodeKey
	bound     bool
}

// NodeFor returns the node an occurrence resolved to.
func (p *Plan) NodeFor(object, via string) (NodeKey, bool) {
	n, ok := p.targets[occurrence{object: catalog.CanonicalCode(object), via: catalog.CanonicalCode(via)}]
	return n, ok
}

// Step returns the step that introduces node, or nil for the root.
func (p *Plan) Step(node NodeKey) *Step {
	return p.byNode[node]
}

// IsRoot reports whether node is the root.
func (p *Plan) IsRoot(node NodeKey) bool {
	return node == p.Root
}

// AliasOf returns the alias bound to node.
func (p *Plan) AliasOf(node NodeKey) string {
	if node == p.Root {
		return p.RootAlias
	}
	if s := p.byNode[node]; s != nil {
		return s.Alias
	}
	return ""
}

// ObjectOf returns the object metadata bound to node.
func (p *Plan) ObjectOf(node NodeKey) catalog.ObjectMeta {
	if node == p.Root {
		return p.RootObject
	}
	if s := p.byNode[node]; s != nil {
		return s.Object
	}
	return catalog.ObjectMeta{}
}

// Label names a node in result documents: the object code for the node an unqualified
// reference resolves to, OBJECT@RELATION for any other occurrence.
func (p *Plan) Label(node NodeKey) string {
	if p.canonical[node.Object] == node {
		return node.Object
	}
	if s := p.byNode[node]; s != nil && s.Relation.RelationCode != "" {
		return node.Object + "@" + s.Relation.RelationCode
	}
	return node.String()
}

// Children returns the steps whose parent is node, in plan order.
func (p *Plan) Children(node NodeKey) []*Step {
	return p.children[node]
}

// Bound reports whether aliases and join keys have been assigned.
func (p *Plan) Bound() bool {
	return p.bound
}

// RelationIDs returns the ids of every planned relation in ascending order.
func (p *Plan) RelationIDs() []int64 {
	ids := make([]int64, 0, len(p.Steps))
	for _, s := range p.Steps {
		ids = append(ids, s.Relation.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Objects returns every object code in the plan, root first, without duplicates.
func (p *Plan) Objects() []string {
	seen := map[string]struct{}{p.Root.Object: {}}
	codes := []string{p.Root.Object}
	for _, s := range p.Steps {
		if _, ok := seen[s.Node.Object]; ok {
			continue
		}
		seen[s.Node.Object] = struct{}{}
		codes = append(codes, s.Node.Object)
	}
	return codes
}

// Aggregates returns the Aggregate steps in plan order.
func (p *Plan) Aggregates() []*Step {
	var out []*Step
	for _, s := range p.Steps {
		if s.Strategy == StrategyAggregate {
			out = append(out, s)
		}
	}
	return out
}

// InlineSteps returns the steps joined in the outer FROM clause, in order.
func (p *Plan) InlineSteps() []*Step {
	return p.Members(nil)
}

// Members returns the steps joined in the FROM clause of the subquery opened by scope,
// excluding scope itself, in order. A nil scope selects the outer query.
func (p *Plan) Members(scope *Step) []*Step {
	var out []*Step
	for _, s := range p.Steps {
		if s != scope && s.Scope == scope {
			out = append(out, s)
		}
	}
	return out
}

// Descendants returns the steps strictly below anchor, in order.
func (p *Plan) Descendants(anchor *Step) []*Step {
	var out []*Step
	for _, s := range p.Steps {
		if s != anchor && p.Within(s.Node, anchor) {
			out = append(out, s)
		}
	}
	return out
}

// Within reports whether node is anchor's node or lies below it.
func (p *Plan) Within(node NodeKey, anchor *Step) bool {
	for s := p.byNode[node]; s != nil; s = p.byNode[s.Parent] {
		if s == anchor {
			return true
		}
	}
	return false
}

// Boundary returns the outermost detached step on the path from node up to the query
// opened by scope (nil for the outer query), or nil when node is already visible there:
// joined in scope's FROM clause or in an enclosing one. A predicate on node rendered
// inside scope must go through the subquery the boundary opens.
func (p *Plan) Boundary(node NodeKey, scope *Step) *Step {
	var outermost *Step
	for s := p.byNode[node]; s != nil; s = p.byNode[s.Parent] {
		if scope != nil && p.Within(scope.Node, s) {
			break
		}
		if s.Detached() {
			outermost = s
		}
	}
	return outermost
}

// PathSteps returns the steps from anchor (exclusive) down to node (inclusive).
func (p *Plan) PathSteps(anchor *Step, node NodeKey) []*Step {
	var path []*Step
	for s := p.byNode[node]; s != nil && s != anchor; s = p.byNode[s.Parent] {
		path = append(path, s)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
