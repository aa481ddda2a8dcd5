package planner

import (
	"container/heap"
	"sort"

	"metaquery/internal/catalog"
	"metaquery/internal/queryerr"
)

// graph is the navigable relation graph of one scope.
type graph struct {
	out    map[string][]catalog.RelationInfo
	byCode map[string][]catalog.RelationInfo
}

func newGraph(relations []catalog.RelationInfo) (*graph, error) {
	g := &graph{
		out:    make(map[string][]catalog.RelationInfo),
		byCode: make(map[string][]catalog.RelationInfo),
	}
	seen := make(map[int64]struct{}, len(relations))
	for _, rel := range relations {
		if _, dup := seen[rel.ID]; dup {
			return nil, queryerr.New(queryerr.KindPlanningCycle, "relation id %d is declared more than once", rel.ID)
		}
		seen[rel.ID] = struct{}{}
		if rel.ID <= 0 {
			return nil, queryerr.New(queryerr.KindPlanningCycle, "relation id must be positive").WithValue(rel.ID)
		}
		if rel.PathWeight < 0 {
			return nil, queryerr.New(queryerr.KindPlanningCycle, "relation %d has negative path weight", rel.ID).
				WithValue(rel.PathWeight)
		}
		from := catalog.CanonicalCode(rel.FromObject)
		to := catalog.CanonicalCode(rel.ToObject)
		if from == "" || to == "" {
			return nil, queryerr.New(queryerr.KindPlanningCycle, "relation %d is missing an endpoint", rel.ID)
		}
		rel.RelationCode = catalog.CanonicalCode(rel.RelationCode)
		if from == to && rel.RelationCode == "" {
			// Only a relation-qualified reference can reach a self-referencing relation.
			return nil, queryerr.New(queryerr.KindPlanningCycle, "self-referencing relation %d has no relation code", rel.ID).
				WithObject(from)
		}
		if !rel.Navigable {
			continue
		}
		rel.FromObject = from
		rel.ToObject = to
		g.out[from] = append(g.out[from], rel)
		if rel.RelationCode != "" {
			g.byCode[rel.RelationCode] = append(g.byCode[rel.RelationCode], rel)
		}
	}
	for _, rels := range g.byCode {
		sort.Slice(rels, func(i, j int) bool { return rels[i].ID < rels[j].ID })
	}
	return g, nil
}

// label orders candidate paths: cost, then hops, then the id of the final relation.
type label struct {
	cost  int
	hops  int
	relID int64
}

func (l label) less(o label) bool {
	if l.cost != o.cost {
		return l.cost < o.cost
	}
	if l.hops != o.hops {
		return l.hops < o.hops
	}
	return l.relID < o.relID
}

type queueItem struct {
	object string
	label  label
}

type pathQueue []queueItem

func (q pathQueue) Len() int { return len(q) }
func (q pathQueue) Less(i, j int) bool {
	if q[i].label != q[j].label {
		return q[i].label.less(q[j].label)
	}
	return q[i].object < q[j].object
}
func (q pathQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *pathQueue) Push(x any)   { *q = append(*q, x.(queueItem)) }
func (q *pathQueue) Pop() any {
	old := *q
	item := old[len(old)-1]
	*q = old[:len(old)-1]
	return item
}

// shortestPaths is a shortest-path tree: for every reachable object, the relation
// through which its best path arrives.
type shortestPaths struct {
	root string
	best map[string]label
	pred map[string]catalog.RelationInfo
}

func (g *graph) shortestPaths(root string) *shortestPaths {
	sp := &shortestPaths{
		root: root,
		best: map[string]label{root: {}},
		pred: make(map[string]catalog.RelationInfo),
	}
	done := make(map[string]bool)
	q := &pathQueue{{object: root}}
	for q.Len() > 0 {
		item := heap.Pop(q).(queueItem)
		if done[item.object] || item.label != sp.best[item.object] {
			continue
		}
		done[item.object] = true
		for _, rel := range g.out[item.object] {
			if done[rel.ToObject] {
				continue
			}
			candidate := label{
				cost:  item.label.cost + rel.PathWeight,
				hops:  item.label.hops + 1,
				relID: rel.ID,
			}
			current, seen := sp.best[rel.ToObject]
			if seen && !candidate.less(current) {
				continue
			}
			sp.best[rel.ToObject] = candidate
			sp.pred[rel.ToObject] = rel
			heap.Push(q, queueItem{object: rel.ToObject, label: candidate})
		}
	}
	return sp
}

func (sp *shortestPaths) reachable(object string) bool {
	_, ok := sp.best[object]
	return ok
}

// path returns the relations from the root to object, root side first.
func (sp *shortestPaths) path(object string) []catalog.RelationInfo {
	var path []catalog.RelationInfo
	for object != sp.root {
		rel, ok := sp.pred[object]
		if !ok {
			return nil
		}
		path = append(path, rel)
		object = rel.FromObject
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// qualified resolves the relation named code that ends at object and starts at a
// reachable object. The lowest id wins when several match.
func (g *graph) qualified(sp *shortestPaths, object, code string) (catalog.RelationInfo, bool) {
	for _, rel := range g.byCode[code] {
		if rel.ToObject == object && sp.reachable(rel.FromObject) {
			return rel, true
		}
	}
	return catalog.RelationInfo{}, false
}
