package planner

import (
	"fmt"
	"sort"
	"strings"

	"metaquery/internal/catalog"
	"metaquery/internal/queryerr"
	"metaquery/internal/sqlutil"

	"github.com/jinzhu/inflection"
)

// RootAlias is the alias of the root object.
const RootAlias = "t0"

const maxAliasHint = 40

var joinOperators = map[string]string{
	"":   "=",
	"=":  "=",
	"<>": "<>",
	"!=": "<>",
	"<":  "<",
	"<=": "<=",
	">":  ">",
	">=": ">=",
}

// Bind attaches object metadata and join keys to the plan and assigns aliases.
// The root is aliased t0; every step gets <hint>_<n> in plan order, where the hint is
// the object's alias hint or its singularized table name.
func (p *Plan) Bind(objects map[string]catalog.ObjectMeta, joinKeys map[int64][]catalog.RelationJoinKey) error {
	root, ok := objects[p.Root.Object]
	if !ok {
		return queryerr.New(queryerr.KindNoJoinPath, "object metadata is missing").WithObject(p.Root.Object)
	}
	p.RootObject = root
	p.RootAlias = RootAlias

	for i, s := range p.Steps {
		obj, ok := objects[s.Node.Object]
		if !ok {
			return queryerr.New(queryerr.KindNoJoinPath, "object metadata is missing").WithObject(s.Node.Object)
		}
		keys, err := normalizeJoinKeys(s.Relation, joinKeys[s.Relation.ID])
		if err != nil {
			return err
		}
		s.Object = obj
		s.JoinKeys = keys
		s.Alias = fmt.Sprintf("%s_%d", aliasHint(obj), i+1)
		s.ParentAlias = p.AliasOf(s.Parent)
	}
	p.bound = true
	return nil
}

func normalizeJoinKeys(rel catalog.RelationInfo, keys []catalog.RelationJoinKey) ([]catalog.RelationJoinKey, error) {
	if len(keys) == 0 {
		return nil, queryerr.New(queryerr.KindPlanningCycle, "relation %d has no join keys", rel.ID)
	}
	out := make([]catalog.RelationJoinKey, len(keys))
	copy(out, keys)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })

	seen := make(map[int]struct{}, len(out))
	for i := range out {
		key := &out[i]
		if key.Seq < 1 {
			return nil, queryerr.New(queryerr.KindPlanningCycle, "relation %d has a join key with seq < 1", rel.ID).
				WithValue(key.Seq)
		}
		if _, dup := seen[key.Seq]; dup {
			return nil, queryerr.New(queryerr.KindPlanningCycle, "relation %d repeats join key seq %d", rel.ID, key.Seq)
		}
		seen[key.Seq] = struct{}{}

		op, ok := joinOperators[strings.TrimSpace(key.Operator)]
		if !ok {
			return nil, queryerr.New(queryerr.KindPlanningCycle, "relation %d has an unsupported join operator", rel.ID).
				WithOperator(key.Operator)
		}
		if key.NullSafe && op != "=" {
			return nil, queryerr.New(queryerr.KindPlanningCycle, "relation %d: null-safe join keys require '='", rel.ID).
				WithOperator(key.Operator)
		}
		key.Operator = op
	}
	return out, nil
}

func aliasHint(obj catalog.ObjectMeta) string {
	hint := sanitizeAlias(obj.AliasHint)
	if hint == "" {
		hint = sanitizeAlias(inflection.Singular(strings.ToLower(obj.Table)))
	}
	if hint == "" {
		hint = "t"
	}
	return hint
}

func sanitizeAlias(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	hint := strings.Trim(b.String(), "_")
	if len(hint) > maxAliasHint {
		hint = hint[:maxAliasHint]
	}
	if hint != "" && hint[0] >= '0' && hint[0] <= '9' {
		hint = "t" + hint
	}
	if !sqlutil.IsValidIdentifier(hint) {
		return ""
	}
	return hint
}
