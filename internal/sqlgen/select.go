package sqlgen

import (
	"fmt"
	"regexp"
	"strings"

	"metaquery/internal/catalog"
	"metaquery/internal/compiler"
	"metaquery/internal/planner"
	"metaquery/internal/queryerr"
	"metaquery/internal/sqlutil"

	sq "github.com/Masterminds/squirrel"
)

// Output names are field codes or plan labels (OBJECT, OBJECT@RELATION, OBJECT#id).
var outputNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(@[A-Za-z_][A-Za-z0-9_]*|#[0-9]+)?$`)

func outputName(name string) (string, error) {
	if len(name) > sqlutil.MaxIdentifierLength || !outputNameRe.MatchString(name) {
		return "", queryerr.New(queryerr.KindInvalidIdentifier, "output name is not a valid identifier").WithValue(name)
	}
	return sqlutil.QuoteIdentifier(name), nil
}

// selectList renders root columns flat and every other selected object as one JSON
// column named by its plan label: an object for joined steps, an array for aggregates.
func (g *generator) selectList() ([]string, []string, error) {
	var columns, names []string
	seen := make(map[string]struct{})
	add := func(expr, name string) error {
		if _, dup := seen[name]; dup {
			return queryerr.New(queryerr.KindInvalidIdentifier, "output name is used twice").WithValue(name)
		}
		seen[name] = struct{}{}
		quoted, err := outputName(name)
		if err != nil {
			return err
		}
		columns = append(columns, expr+" AS "+quoted)
		names = append(names, name)
		return nil
	}

	root := g.plan.Root
	for _, col := range g.c.ColumnsOf(root) {
		if err := add(col.Expr, col.Name); err != nil {
			return nil, nil, err
		}
	}
	for _, step := range g.plan.Children(root) {
		if !g.hasOutput(step.Node) {
			continue
		}
		expr, err := g.nested(step)
		if err != nil {
			return nil, nil, err
		}
		if err := add(expr, g.plan.Label(step.Node)); err != nil {
			return nil, nil, err
		}
	}
	return columns, names, nil
}

func (g *generator) hasOutput(node planner.NodeKey) bool {
	if len(g.c.ColumnsOf(node)) > 0 {
		return true
	}
	for _, child := range g.plan.Children(node) {
		if g.hasOutput(child.Node) {
			return true
		}
	}
	return false
}

// nested renders the JSON value of step's subtree.
func (g *generator) nested(step *planner.Step) (string, error) {
	switch step.Strategy {
	case planner.StrategyAggregate:
		return g.aggregate(step)
	case planner.StrategyJoin:
		obj, err := g.object(step)
		if err != nil {
			return "", err
		}
		match, err := g.column(step.Node, step.Alias, step.JoinKeys[0].ToColumn)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("CASE WHEN %s IS NULL THEN NULL ELSE %s END", match, obj), nil
	case planner.StrategyExists:
		return "", fmt.Errorf("sqlgen: EXISTS step %s cannot be selected", step.Node)
	default:
		return "", fmt.Errorf("sqlgen: unknown strategy %s", step.Strategy)
	}
}

// aggregate renders a fan-out subtree as a correlated subquery returning one jsonb array
// per parent row. Filters that reference the subtree are repeated inside it, so the
// array holds only the child rows the filters accept.
func (g *generator) aggregate(step *planner.Step) (string, error) {
	obj, err := g.object(step)
	if err != nil {
		return "", err
	}
	from, err := g.table(step.Object, step.Alias)
	if err != nil {
		return "", err
	}
	builder := sq.Select("jsonb_agg(" + obj + ")").From(from)
	if builder, err = g.joinMembers(builder, step); err != nil {
		return "", err
	}

	on, err := g.joinPredicate(step)
	if err != nil {
		return "", err
	}
	builder = builder.Where(on)

	var touching []compiler.Predicate
	for _, p := range g.c.Filters {
		if g.touches(p, step) {
			touching = append(touching, p)
		}
	}
	where, err := g.conditions(touching, step)
	if err != nil {
		return "", err
	}
	for _, part := range where {
		builder = builder.Where(part)
	}

	sql, _, err := builder.PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		return "", fmt.Errorf("failed to assemble aggregate subquery: %w", err)
	}
	return "COALESCE((" + sql + "), '[]'::jsonb)", nil
}

// object renders jsonb_build_object over the columns of step and its selected children.
func (g *generator) object(step *planner.Step) (string, error) {
	var pairs []string
	for _, col := range g.c.ColumnsOf(step.Node) {
		pairs = append(pairs, sqlutil.QuoteString(col.Name), col.Expr)
	}
	for _, child := range g.plan.Children(step.Node) {
		if !g.hasOutput(child.Node) {
			continue
		}
		label := g.plan.Label(child.Node)
		if _, err := outputName(label); err != nil {
			return "", err
		}
		expr, err := g.nested(child)
		if err != nil {
			return "", err
		}
		pairs = append(pairs, sqlutil.QuoteString(label), expr)
	}
	return "jsonb_build_object(" + strings.Join(pairs, ", ") + ")", nil
}

func (g *generator) table(obj catalog.ObjectMeta, alias string) (string, error) {
	table, err := sqlutil.QualifiedTable(obj.Schema, obj.Table)
	if err != nil {
		return "", queryerr.New(queryerr.KindInvalidIdentifier, "table name is not a valid identifier").
			WithObject(obj.ObjectCode).
			WithCause(err)
	}
	quotedAlias, err := sqlutil.SafeIdentifier(alias)
	if err != nil {
		return "", queryerr.New(queryerr.KindInvalidIdentifier, "alias is not a valid identifier").
			WithObject(obj.ObjectCode).
			WithCause(err)
	}
	return table + " AS " + quotedAlias, nil
}

func (g *generator) column(node planner.NodeKey, alias, column string) (string, error) {
	col, err := sqlutil.QualifiedColumn(alias, column)
	if err != nil {
		return "", queryerr.New(queryerr.KindInvalidIdentifier, "join column is not a valid identifier").
			WithObject(node.Object).
			WithCause(err)
	}
	return col, nil
}

// joinPredicate renders the ON condition of step: its ordered join keys, ANDed.
func (g *generator) joinPredicate(step *planner.Step) (string, error) {
	terms := make([]string, 0, len(step.JoinKeys))
	for _, key := range step.JoinKeys {
		left, err := g.column(step.Parent, step.ParentAlias, key.FromColumn)
		if err != nil {
			return "", err
		}
		right, err := g.column(step.Node, step.Alias, key.ToColumn)
		if err != nil {
			return "", err
		}
		if key.NullSafe {
			terms = append(terms, left+" IS NOT DISTINCT FROM "+right)
			continue
		}
		terms = append(terms, left+" "+key.Operator+" "+right)
	}
	return strings.Join(terms, " AND "), nil
}

func (g *generator) joinClause(step *planner.Step) (string, error) {
	table, err := g.table(step.Object, step.Alias)
	if err != nil {
		return "", err
	}
	on, err := g.joinPredicate(step)
	if err != nil {
		return "", err
	}
	return table + " ON " + on, nil
}
