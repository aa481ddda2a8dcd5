// Package querymodel turns an inbound query request into a validated, normalized Model.
// Construction is pure and runs before any catalog access.
package querymodel

import (
	"strings"

	"metaquery/internal/catalog"
	"metaquery/internal/queryerr"
)

// Default pagination bounds.
const (
	DefaultLimit    = 100
	DefaultMaxLimit = 1000
)

// Logical combines the members of a filter group.
type Logical string

const (
	LogicalAnd Logical = "AND"
	LogicalOr  Logical = "OR"
)

// Nulls controls where NULL values sort.
type Nulls string

const (
	NullsDefault Nulls = ""
	NullsFirst   Nulls = "NULLS_FIRST"
	NullsLast    Nulls = "NULLS_LAST"
)

// Filter is either a leaf predicate or a group of filters.
type Filter struct {
	Ref      FieldRef
	Operator string
	Value    any
	Value2   any
	Values   []any

	Logical  Logical
	Children []Filter
}

// IsGroup reports whether the filter combines children rather than testing a field.
func (f Filter) IsGroup() bool {
	return len(f.Children) > 0
}

// Walk calls fn for every leaf in document order.
func (f Filter) Walk(fn func(Filter)) {
	if !f.IsGroup() {
		fn(f)
		return
	}
	for _, child := range f.Children {
		child.Walk(fn)
	}
}

// Sort is one ORDER BY key.
type Sort struct {
	Ref   FieldRef
	Desc  bool
	Nulls Nulls
}

// Options bounds pagination.
type Options struct {
	DefaultLimit int
	MaxLimit     int
}

// Model is the validated form of one request. It is owned by the request that built it.
type Model struct {
	Scope     catalog.Scope
	Root      string
	Selects   []FieldRef
	Filters   []Filter
	Sorts     []Sort
	Offset    int
	Limit     int
	Distinct  bool
	CountOnly bool

	// Required holds the root and every selected or sorted object occurrence.
	Required []Target
	// FilterOnly holds occurrences referenced only by filters.
	FilterOnly []Target
}

// RootTarget returns the root occurrence.
func (m *Model) RootTarget() Target {
	return Target{Object: m.Root}
}

// FieldKeys returns every referenced field key, deduplicated in first-appearance order.
func (m *Model) FieldKeys() []catalog.FieldKey {
	seen := make(map[catalog.FieldKey]struct{})
	var keys []catalog.FieldKey
	add := func(ref FieldRef) {
		key := ref.Key()
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	for _, ref := range m.Selects {
		add(ref)
	}
	for _, f := range m.Filters {
		f.Walk(func(leaf Filter) { add(leaf.Ref) })
	}
	for _, s := range m.Sorts {
		add(s.Ref)
	}
	return keys
}

// OperatorCodes returns every filter operator code, deduplicated in first-appearance order.
func (m *Model) OperatorCodes() []string {
	seen := make(map[string]struct{})
	var codes []string
	for _, f := range m.Filters {
		f.Walk(func(leaf Filter) {
			if _, ok := seen[leaf.Operator]; ok {
				return
			}
			seen[leaf.Operator] = struct{}{}
			codes = append(codes, leaf.Operator)
		})
	}
	return codes
}

// Objects returns every referenced object code, root first.
func (m *Model) Objects() []string {
	seen := map[string]struct{}{}
	var codes []string
	for _, targets := range [][]Target{m.Required, m.FilterOnly} {
		for _, t := range targets {
			if _, ok := seen[t.Object]; ok {
				continue
			}
			seen[t.Object] = struct{}{}
			codes = append(codes, t.Object)
		}
	}
	return codes
}

// Build validates req and returns its Model.
func Build(req Request, opts Options) (*Model, error) {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = DefaultLimit
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = DefaultMaxLimit
	}

	root := catalog.CanonicalCode(req.RootObject)
	if root == "" {
		return nil, queryerr.New(queryerr.KindMalformedReference, "root object is required")
	}
	if strings.ContainsAny(root, ".@") {
		return nil, queryerr.New(queryerr.KindMalformedReference, "root object must be a plain object code").
			WithValue(req.RootObject)
	}

	m := &Model{
		Scope: catalog.Scope{
			TenantCode:   req.TenantCode,
			AppCode:      req.AppCode,
			ConnectionID: req.ConnectionID,
		}.Normalize(),
		Root:      root,
		Distinct:  req.Distinct,
		CountOnly: req.CountOnly,
	}

	seenSelect := make(map[FieldRef]struct{}, len(req.SelectFields))
	for _, raw := range req.SelectFields {
		ref, err := ParseRef(raw)
		if err != nil {
			return nil, err
		}
		if _, ok := seenSelect[ref]; ok {
			continue
		}
		seenSelect[ref] = struct{}{}
		m.Selects = append(m.Selects, ref)
	}
	if len(m.Selects) == 0 && !m.CountOnly {
		return nil, queryerr.New(queryerr.KindMalformedReference, "at least one select field is required")
	}

	for _, fr := range req.Filters {
		f, err := buildFilter(fr)
		if err != nil {
			return nil, err
		}
		m.Filters = append(m.Filters, f)
	}

	for _, sr := range req.Sorts {
		s, err := buildSort(sr)
		if err != nil {
			return nil, err
		}
		m.Sorts = append(m.Sorts, s)
	}

	if err := m.setPagination(req.Offset, req.Limit, opts); err != nil {
		return nil, err
	}
	m.classifyTargets()
	return m, nil
}

func buildFilter(fr FilterRequest) (Filter, error) {
	logical := LogicalAnd
	switch strings.ToUpper(strings.TrimSpace(fr.LogicalOperator)) {
	case "", "AND":
	case "OR":
		logical = LogicalOr
	default:
		return Filter{}, queryerr.New(queryerr.KindMalformedReference, "logical operator must be AND or OR").
			WithValue(fr.LogicalOperator)
	}

	hasField := strings.TrimSpace(fr.Field) != ""
	if len(fr.SubFilters) == 0 {
		if !hasField {
			return Filter{}, queryerr.New(queryerr.KindMalformedReference, "filter has neither a field nor sub-filters")
		}
		return buildLeaf(fr)
	}

	group := Filter{Logical: logical}
	if hasField {
		leaf, err := buildLeaf(fr)
		if err != nil {
			return Filter{}, err
		}
		group.Children = append(group.Children, leaf)
	}
	for _, sub := range fr.SubFilters {
		child, err := buildFilter(sub)
		if err != nil {
			return Filter{}, err
		}
		group.Children = append(group.Children, child)
	}
	return group, nil
}

func buildLeaf(fr FilterRequest) (Filter, error) {
	ref, err := ParseRef(fr.Field)
	if err != nil {
		return Filter{}, err
	}
	op := catalog.CanonicalCode(fr.OperatorCode)
	if op == "" {
		return Filter{}, queryerr.New(queryerr.KindUnknownOperator, "filter operator is required").
			WithField(ref.Object, ref.Field)
	}
	return Filter{
		Ref:      ref,
		Operator: op,
		Value:    fr.Value,
		Value2:   fr.Value2,
		Values:   fr.Values,
	}, nil
}

func buildSort(sr SortRequest) (Sort, error) {
	ref, err := ParseRef(sr.Field)
	if err != nil {
		return Sort{}, err
	}
	s := Sort{Ref: ref}
	switch strings.ToUpper(strings.TrimSpace(sr.Direction)) {
	case "", "ASC":
	case "DESC":
		s.Desc = true
	default:
		return Sort{}, queryerr.New(queryerr.KindMalformedReference, "sort direction must be ASC or DESC").
			WithField(ref.Object, ref.Field).
			WithValue(sr.Direction)
	}
	nulls := strings.NewReplacer(" ", "_", "-", "_").Replace(strings.ToUpper(strings.TrimSpace(sr.NullsHandling)))
	switch Nulls(nulls) {
	case NullsDefault, NullsFirst, NullsLast:
		s.Nulls = Nulls(nulls)
	default:
		return Sort{}, queryerr.New(queryerr.KindMalformedReference, "nulls handling must be NULLS_FIRST or NULLS_LAST").
			WithField(ref.Object, ref.Field).
			WithValue(sr.NullsHandling)
	}
	return s, nil
}

func (m *Model) setPagination(offset, limit *int, opts Options) error {
	m.Offset = 0
	if offset != nil {
		if *offset < 0 {
			return queryerr.New(queryerr.KindInvalidPagination, "offset must be >= 0").WithValue(*offset)
		}
		m.Offset = *offset
	}
	m.Limit = opts.DefaultLimit
	if limit != nil {
		if *limit <= 0 {
			return queryerr.New(queryerr.KindInvalidPagination, "limit must be > 0").WithValue(*limit)
		}
		if *limit > opts.MaxLimit {
			return queryerr.New(queryerr.KindInvalidPagination, "limit must be <= %d", opts.MaxLimit).WithValue(*limit)
		}
		m.Limit = *limit
	}
	return nil
}

// classifyTargets computes the required and filter-only occurrence sets. A reference to
// the root object without a relation qualifier is the root itself.
func (m *Model) classifyTargets() {
	required := map[Target]struct{}{}
	addRequired := func(t Target) {
		if _, ok := required[t]; ok {
			return
		}
		required[t] = struct{}{}
		m.Required = append(m.Required, t)
	}
	addRequired(m.RootTarget())
	for _, ref := range m.Selects {
		addRequired(ref.Target())
	}
	for _, s := range m.Sorts {
		addRequired(s.Ref.Target())
	}

	filterOnly := map[Target]struct{}{}
	for _, f := range m.Filters {
		f.Walk(func(leaf Filter) {
			t := leaf.Ref.Target()
			if _, ok := required[t]; ok {
				return
			}
			if _, ok := filterOnly[t]; ok {
				return
			}
			filterOnly[t] = struct{}{}
			m.FilterOnly = append(m.FilterOnly, t)
		})
	}
}
