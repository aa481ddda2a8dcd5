// Package sqlgen assembles compiled queries into PostgreSQL statements.
//
// The statement is built with squirrel from fragments the compiler produced; every
// literal is already a named placeholder, so generation only adds identifiers, which are
// validated before they are quoted.
package sqlgen

import (
	"fmt"

	"metaquery/internal/catalog"
	"metaquery/internal/compiler"
	"metaquery/internal/planner"
	"metaquery/internal/queryerr"
	"metaquery/internal/querymodel"
	"metaquery/internal/sqlutil"

	sq "github.com/Masterminds/squirrel"
)

// CountColumn is the only output column of a count-only statement.
const CountColumn = "count"

// Statement is a generated SQL statement with its named parameters.
type Statement struct {
	SQL     string
	Params  []compiler.Param
	Columns []string
}

// ParamMap returns the parameters keyed by name.
func (s *Statement) ParamMap() map[string]any {
	out := make(map[string]any, len(s.Params))
	for _, p := range s.Params {
		out[p.Name] = p.Value
	}
	return out
}

type generator struct {
	c    *compiler.Compiled
	plan *planner.Plan
}

// Generate renders c as a single statement.
func Generate(c *compiler.Compiled) (*Statement, error) {
	g := &generator{c: c, plan: c.Plan}

	columns, names, err := g.selectList()
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		columns = []string{"1"}
	}

	builder, err := g.base(columns)
	if err != nil {
		return nil, err
	}

	if c.Model.CountOnly {
		builder = sq.Select(fmt.Sprintf("COUNT(*) AS %s", sqlutil.QuoteIdentifier(CountColumn))).
			FromSelect(builder, sqlutil.QuoteIdentifier("q"))
		names = []string{CountColumn}
	} else {
		if c.Model.Distinct {
			if err := g.checkDistinctOrder(); err != nil {
				return nil, err
			}
		}
		var orderBy []string
		for _, o := range c.Orders {
			orderBy = append(orderBy, orderTerm(o))
		}
		if len(orderBy) > 0 {
			builder = builder.OrderBy(orderBy...)
		}
		builder = builder.Suffix(fmt.Sprintf("OFFSET %s LIMIT %s", c.OffsetParam, c.LimitParam))
	}

	sql, _, err := builder.PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to assemble statement: %w", err)
	}
	return &Statement{SQL: sql, Params: c.Params.List(), Columns: names}, nil
}

// base builds SELECT, FROM, the inline joins and WHERE. Fan-out objects never join the
// outer query, so every root row appears once and no GROUP BY is needed.
func (g *generator) base(columns []string) (sq.SelectBuilder, error) {
	from, err := g.table(g.plan.RootObject, g.plan.RootAlias)
	if err != nil {
		return sq.SelectBuilder{}, err
	}
	builder := sq.Select(columns...).From(from)
	if g.c.Model.Distinct {
		builder = builder.Distinct()
	}

	builder, err = g.joinMembers(builder, nil)
	if err != nil {
		return sq.SelectBuilder{}, err
	}

	where, err := g.conditions(g.c.Filters, nil)
	if err != nil {
		return sq.SelectBuilder{}, err
	}
	for _, part := range where {
		builder = builder.Where(part)
	}
	return builder, nil
}

// joinMembers adds the joins of the steps introduced in scope's FROM clause.
func (g *generator) joinMembers(builder sq.SelectBuilder, scope *planner.Step) (sq.SelectBuilder, error) {
	for _, step := range g.plan.Members(scope) {
		clause, err := g.joinClause(step)
		if err != nil {
			return sq.SelectBuilder{}, err
		}
		if step.JoinType() == catalog.JoinInner {
			builder = builder.InnerJoin(clause)
		} else {
			builder = builder.LeftJoin(clause)
		}
	}
	return builder, nil
}

// checkDistinctOrder rejects sort keys a SELECT DISTINCT cannot order by: every ORDER BY
// expression must also be a selected column, and only root fields are selected flat.
func (g *generator) checkDistinctOrder() error {
	selected := make(map[string]struct{})
	for _, col := range g.c.ColumnsOf(g.plan.Root) {
		selected[col.Expr] = struct{}{}
	}
	for _, o := range g.c.Orders {
		if _, ok := selected[o.Expr]; !ok {
			return queryerr.New(queryerr.KindCapabilityDenied,
				"a distinct query can only be sorted by selected fields of the root object").
				WithField(o.Ref.Object, o.Ref.Field)
		}
	}
	return nil
}

func orderTerm(o compiler.Order) string {
	term := o.Expr + " ASC"
	if o.Desc {
		term = o.Expr + " DESC"
	}
	switch o.Nulls {
	case querymodel.NullsFirst:
		term += " NULLS FIRST"
	case querymodel.NullsLast:
		term += " NULLS LAST"
	}
	return term
}
