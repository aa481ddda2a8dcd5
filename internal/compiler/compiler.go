// Package compiler lowers the field references of a planned query into SQL fragments.
//
// Every select, filter and sort reference is checked against field metadata, every
// filter operator against operation metadata and the data type compatibility table,
// and every literal is coerced to the field's semantic type and bound as a named
// parameter. Compilation is pure; a Compiled value is owned by one request.
package compiler

import (
	"errors"
	"fmt"
	"time"

	"metaquery/internal/catalog"
	"metaquery/internal/planner"
	"metaquery/internal/queryerr"
	"metaquery/internal/querymodel"
	"metaquery/internal/sqlutil"
)

// Compat is a (data type, operator) pair of the compatibility table.
type Compat struct {
	DataType string
	Operator string
}

// Metadata is the catalog slice a compilation reads.
type Metadata struct {
	Fields     map[catalog.FieldKey]catalog.FieldMeta
	Operations map[string]catalog.OperationMeta
	Allowed    map[Compat]bool
}

// NewMetadata resolves the compatibility of every operator against the data types of
// fields, using check for each distinct pair.
func NewMetadata(fields map[catalog.FieldKey]catalog.FieldMeta, ops map[string]catalog.OperationMeta,
	check func(dataType, operator string) (bool, error)) (Metadata, error) {
	md := Metadata{Fields: fields, Operations: ops, Allowed: make(map[Compat]bool)}
	for _, f := range fields {
		for code := range ops {
			key := Compat{DataType: catalog.CanonicalCode(f.DataTypeCode), Operator: code}
			if _, done := md.Allowed[key]; done {
				continue
			}
			ok, err := check(f.DataTypeCode, code)
			if err != nil {
				return Metadata{}, fmt.Errorf("failed to check compatibility of %s with %s: %w", code, f.DataTypeCode, err)
			}
			md.Allowed[key] = ok
		}
	}
	return md, nil
}

func (md Metadata) compatible(dataType, operator string) bool {
	return md.Allowed[Compat{DataType: catalog.CanonicalCode(dataType), Operator: operator}]
}

// Options tunes compilation.
type Options struct {
	// Location is the zone date-time equality is evaluated in. Defaults to UTC.
	Location *time.Location
}

// Column is one selected field.
type Column struct {
	Ref   querymodel.FieldRef
	Node  planner.NodeKey
	Name  string
	Expr  string
	Field catalog.FieldMeta
}

// Order is one ORDER BY key.
type Order struct {
	Ref   querymodel.FieldRef
	Node  planner.NodeKey
	Expr  string
	Desc  bool
	Nulls querymodel.Nulls
}

// Compiled is a query with every reference lowered to SQL.
type Compiled struct {
	Model   *querymodel.Model
	Plan    *planner.Plan
	Columns []Column
	// Filters are ANDed at the top level.
	Filters []Predicate
	Orders  []Order
	Params  *Params

	// Pagination placeholders; empty for count-only queries.
	OffsetParam string
	LimitParam  string
}

// ColumnsOf returns the columns selected from node, in select order.
func (c *Compiled) ColumnsOf(node planner.NodeKey) []Column {
	var out []Column
	for _, col := range c.Columns {
		if col.Node == node {
			out = append(out, col)
		}
	}
	return out
}

type compilation struct {
	model  *querymodel.Model
	plan   *planner.Plan
	md     Metadata
	loc    *time.Location
	params *Params
}

// Compile lowers m against a bound plan. Parameters are bound in the order filters,
// then offset and limit.
func Compile(m *querymodel.Model, plan *planner.Plan, md Metadata, opts Options) (*Compiled, error) {
	if !plan.Bound() {
		return nil, errors.New("compiler: plan is not bound")
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	c := &compilation{model: m, plan: plan, md: md, loc: loc, params: &Params{}}
	out := &Compiled{Model: m, Plan: plan, Params: c.params}

	for _, ref := range m.Selects {
		col, err := c.selectColumn(ref)
		if err != nil {
			return nil, err
		}
		out.Columns = append(out.Columns, col)
	}
	for _, f := range m.Filters {
		p, err := c.filter(f)
		if err != nil {
			return nil, err
		}
		out.Filters = append(out.Filters, p)
	}
	for _, s := range m.Sorts {
		o, err := c.order(s)
		if err != nil {
			return nil, err
		}
		out.Orders = append(out.Orders, o)
	}
	if !m.CountOnly {
		out.OffsetParam = c.params.Bind(int64(m.Offset))
		out.LimitParam = c.params.Bind(int64(m.Limit))
	}
	return out, nil
}

// resolve finds the plan node and field metadata of ref.
func (c *compilation) resolve(ref querymodel.FieldRef) (planner.NodeKey, catalog.FieldMeta, error) {
	node, ok := c.plan.NodeFor(ref.Object, ref.Via)
	if !ok {
		return planner.NodeKey{}, catalog.FieldMeta{}, queryerr.New(queryerr.KindNoJoinPath, "object occurrence %s is not planned", ref.Target()).
			WithObject(ref.Object)
	}
	field, ok := c.md.Fields[ref.Key()]
	if !ok {
		return planner.NodeKey{}, catalog.FieldMeta{}, queryerr.New(queryerr.KindFieldNotFound, "field is not defined").
			WithField(ref.Object, ref.Field)
	}
	return node, field, nil
}

func (c *compilation) column(node planner.NodeKey, ref querymodel.FieldRef, field catalog.FieldMeta) (string, error) {
	col, err := sqlutil.QualifiedColumn(c.plan.AliasOf(node), field.ColumnName)
	if err != nil {
		return "", queryerr.New(queryerr.KindInvalidIdentifier, "column name is not a valid identifier").
			WithField(ref.Object, ref.Field).
			WithCause(err)
	}
	return col, nil
}

func (c *compilation) selectColumn(ref querymodel.FieldRef) (Column, error) {
	node, field, err := c.resolve(ref)
	if err != nil {
		return Column{}, err
	}
	if !field.AllowSelect {
		return Column{}, queryerr.New(queryerr.KindCapabilityDenied, "field is not selectable").
			WithField(ref.Object, ref.Field)
	}
	if !sqlutil.IsValidIdentifier(field.FieldCode) {
		return Column{}, queryerr.New(queryerr.KindInvalidIdentifier, "field code is not a valid output name").
			WithField(ref.Object, ref.Field)
	}

	var expr string
	switch field.Mapping {
	case catalog.MappingExpr:
		expr, err = renderExpr(field.ExprTemplate, c.plan.AliasOf(node))
		if err != nil {
			return Column{}, queryerr.New(queryerr.KindUnsupportedMapping, "expression template is not supported").
				WithField(ref.Object, ref.Field).
				WithCause(err)
		}
	default:
		expr, err = c.column(node, ref, field)
		if err != nil {
			return Column{}, err
		}
	}
	return Column{Ref: ref, Node: node, Name: field.FieldCode, Expr: expr, Field: field}, nil
}

func (c *compilation) order(s querymodel.Sort) (Order, error) {
	node, field, err := c.resolve(s.Ref)
	if err != nil {
		return Order{}, err
	}
	if !field.AllowSort {
		return Order{}, queryerr.New(queryerr.KindCapabilityDenied, "field is not sortable").
			WithField(s.Ref.Object, s.Ref.Field)
	}
	if field.Mapping == catalog.MappingExpr {
		return Order{}, queryerr.New(queryerr.KindUnsupportedMapping, "expression fields cannot be sorted").
			WithField(s.Ref.Object, s.Ref.Field)
	}
	expr, err := c.column(node, s.Ref, field)
	if err != nil {
		return Order{}, err
	}
	return Order{Ref: s.Ref, Node: node, Expr: expr, Desc: s.Desc, Nulls: s.Nulls}, nil
}
