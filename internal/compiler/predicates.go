package compiler

import (
	"errors"
	"strings"
	"time"

	"metaquery/internal/catalog"
	"metaquery/internal/planner"
	"metaquery/internal/queryerr"
	"metaquery/internal/querymodel"
	"metaquery/internal/sqltype"

	"github.com/lib/pq"
)

// Predicate is a compiled filter: a leaf condition on one node, or a group.
type Predicate struct {
	Node planner.NodeKey
	SQL  string

	Logical  querymodel.Logical
	Children []Predicate
}

// IsGroup reports whether the predicate combines children.
func (p Predicate) IsGroup() bool {
	return len(p.Children) > 0
}

// Walk calls fn for every leaf in document order.
func (p Predicate) Walk(fn func(Predicate)) {
	if !p.IsGroup() {
		fn(p)
		return
	}
	for _, child := range p.Children {
		child.Walk(fn)
	}
}

// Symbols an operation may render as, by value shape.
var shapeSymbols = map[catalog.ValueShape]map[string]struct{}{
	catalog.ShapeScalar: {"=": {}, "<>": {}, "<": {}, "<=": {}, ">": {}, ">=": {}, "LIKE": {}, "ILIKE": {}, "NOT LIKE": {}, "NOT ILIKE": {}},
	catalog.ShapeArray:  {"IN": {}, "NOT IN": {}},
	catalog.ShapeRange:  {"BETWEEN": {}, "NOT BETWEEN": {}},
	catalog.ShapeNone:   {"IS NULL": {}, "IS NOT NULL": {}},
}

func normalizeSymbol(symbol string) string {
	s := strings.Join(strings.Fields(strings.ToUpper(symbol)), " ")
	if s == "!=" {
		return "<>"
	}
	return s
}

func (c *compilation) filter(f querymodel.Filter) (Predicate, error) {
	if !f.IsGroup() {
		return c.leaf(f)
	}
	group := Predicate{Logical: f.Logical}
	for _, child := range f.Children {
		p, err := c.filter(child)
		if err != nil {
			return Predicate{}, err
		}
		group.Children = append(group.Children, p)
	}
	return group, nil
}

func (c *compilation) leaf(f querymodel.Filter) (Predicate, error) {
	node, field, err := c.resolve(f.Ref)
	if err != nil {
		return Predicate{}, err
	}
	if !field.AllowFilter {
		return Predicate{}, queryerr.New(queryerr.KindCapabilityDenied, "field is not filterable").
			WithField(f.Ref.Object, f.Ref.Field)
	}
	if field.Mapping == catalog.MappingExpr {
		return Predicate{}, queryerr.New(queryerr.KindUnsupportedMapping, "expression fields cannot be filtered").
			WithField(f.Ref.Object, f.Ref.Field)
	}

	op, ok := c.md.Operations[f.Operator]
	if !ok {
		return Predicate{}, queryerr.New(queryerr.KindUnknownOperator, "operator is not defined").
			WithField(f.Ref.Object, f.Ref.Field).
			WithOperator(f.Operator)
	}
	shape := op.EffectiveShape()
	symbol := normalizeSymbol(op.EffectiveSymbol())
	if _, ok := shapeSymbols[shape][symbol]; !ok {
		return Predicate{}, queryerr.New(queryerr.KindUnknownOperator, "operator symbol %q is not supported for %s values", symbol, shape).
			WithField(f.Ref.Object, f.Ref.Field).
			WithOperator(f.Operator)
	}
	if !c.md.compatible(field.DataTypeCode, f.Operator) {
		return Predicate{}, queryerr.New(queryerr.KindOperatorTypeMismatch, "operator is not allowed for data type %s", field.DataTypeCode).
			WithField(f.Ref.Object, f.Ref.Field).
			WithOperator(f.Operator)
	}

	col, err := c.column(node, f.Ref, field)
	if err != nil {
		return Predicate{}, err
	}
	typ := sqltype.FromDataTypeCode(field.DataTypeCode)

	var sql string
	switch shape {
	case catalog.ShapeNone:
		sql, err = c.nullTest(f, col, symbol)
	case catalog.ShapeRange:
		sql, err = c.rangeTest(f, col, symbol, typ)
	case catalog.ShapeArray:
		sql, err = c.listTest(f, col, symbol, typ)
	default:
		sql, err = c.comparison(f, col, symbol, typ)
	}
	if err != nil {
		var qe *queryerr.Error
		if errors.As(err, &qe) {
			qe.WithField(f.Ref.Object, f.Ref.Field).WithOperator(f.Operator)
		}
		return Predicate{}, err
	}
	return Predicate{Node: node, SQL: sql}, nil
}

func (c *compilation) nullTest(f querymodel.Filter, col, symbol string) (string, error) {
	if f.Value != nil || f.Value2 != nil || len(f.Values) > 0 {
		return "", queryerr.New(queryerr.KindValueCoercion, "operator takes no value")
	}
	return col + " " + symbol, nil
}

func (c *compilation) rangeTest(f querymodel.Filter, col, symbol string, typ sqltype.SemanticType) (string, error) {
	lo, hi := f.Value, f.Value2
	if lo == nil && hi == nil && len(f.Values) == 2 {
		lo, hi = f.Values[0], f.Values[1]
	}
	if lo == nil || hi == nil {
		return "", queryerr.New(queryerr.KindValueCoercion, "operator requires two bounds")
	}
	from, err := c.coerce(typ, lo)
	if err != nil {
		return "", err
	}
	to, err := c.coerce(typ, hi)
	if err != nil {
		return "", err
	}
	return col + " " + symbol + " " + c.params.Bind(from) + " AND " + c.params.Bind(to), nil
}

// listTest binds every element as one text array so the statement text does not depend
// on the list length.
func (c *compilation) listTest(f querymodel.Filter, col, symbol string, typ sqltype.SemanticType) (string, error) {
	values := f.Values
	if len(values) == 0 {
		if list, ok := f.Value.([]any); ok {
			values = list
		}
	}
	if len(values) == 0 {
		return "", queryerr.New(queryerr.KindValueCoercion, "operator requires a non-empty list")
	}
	elems := make(pq.StringArray, 0, len(values))
	for _, v := range values {
		coerced, err := c.coerce(typ, v)
		if err != nil {
			return "", err
		}
		elems = append(elems, text(coerced))
	}
	test := col + " = ANY(CAST(" + c.params.Bind(elems) + " AS " + typ.ArrayCastType() + "[]))"
	if symbol == "NOT IN" {
		return "NOT (" + test + ")", nil
	}
	return test, nil
}

func (c *compilation) comparison(f querymodel.Filter, col, symbol string, typ sqltype.SemanticType) (string, error) {
	if f.Value == nil {
		return "", queryerr.New(queryerr.KindValueCoercion, "operator requires a value")
	}
	v, err := c.coerce(typ, f.Value)
	if err != nil {
		return "", err
	}
	if t, ok := v.(time.Time); ok && symbol == "=" {
		start, end := c.day(t)
		return "(" + col + " >= " + c.params.Bind(start) + " AND " + col + " < " + c.params.Bind(end) + ")", nil
	}
	return col + " " + symbol + " " + c.params.Bind(v), nil
}

// day returns the half-open calendar day containing t in the configured zone.
func (c *compilation) day(t time.Time) (time.Time, time.Time) {
	local := t.In(c.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
	return start, start.AddDate(0, 0, 1)
}

func (c *compilation) coerce(typ sqltype.SemanticType, v any) (any, error) {
	return coercer{loc: c.loc}.coerce(typ, v)
}
