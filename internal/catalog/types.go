package catalog

import (
	"fmt"
	"strings"
)

// Scope identifies the tenant, application and connection a catalog snapshot belongs to.
type Scope struct {
	TenantCode   string
	AppCode      string
	ConnectionID string
}

// Normalize trims surrounding whitespace from every scope component.
func (s Scope) Normalize() Scope {
	return Scope{
		TenantCode:   strings.TrimSpace(s.TenantCode),
		AppCode:      strings.TrimSpace(s.AppCode),
		ConnectionID: strings.TrimSpace(s.ConnectionID),
	}
}

func (s Scope) String() string {
	return s.TenantCode + "/" + s.AppCode + "/" + s.ConnectionID
}

// CanonicalCode normalizes object, relation, operator and data type codes.
func CanonicalCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ObjectMeta maps a business object to a physical table or view.
type ObjectMeta struct {
	ObjectCode string
	Schema     string
	Table      string
	AliasHint  string
}

// QualifiedTable returns schema.table, or just the table when no schema is set.
func (o ObjectMeta) QualifiedTable() string {
	if o.Schema == "" {
		return o.Table
	}
	return o.Schema + "." + o.Table
}

// MappingKind says how a field is backed physically.
type MappingKind string

const (
	MappingColumn MappingKind = "COLUMN"
	MappingExpr   MappingKind = "EXPR"
)

// FieldKey identifies a field within a scope.
type FieldKey struct {
	ObjectCode string
	FieldCode  string
}

func (k FieldKey) String() string {
	return k.ObjectCode + "." + k.FieldCode
}

// FieldMeta describes one business attribute of an object.
type FieldMeta struct {
	ObjectCode   string
	FieldCode    string
	Mapping      MappingKind
	ColumnName   string
	ExprTemplate string
	DataTypeCode string
	AllowSelect  bool
	AllowFilter  bool
	AllowSort    bool
}

// Key returns the lookup key of the field.
func (f FieldMeta) Key() FieldKey {
	return FieldKey{ObjectCode: f.ObjectCode, FieldCode: f.FieldCode}
}

// Validate checks the mapping invariants of a field row.
func (f FieldMeta) Validate() error {
	switch f.Mapping {
	case MappingColumn:
		if strings.TrimSpace(f.ColumnName) == "" {
			return fmt.Errorf("field %s: COLUMN mapping requires a column name", f.Key())
		}
	case MappingExpr:
		if strings.TrimSpace(f.ExprTemplate) == "" {
			return fmt.Errorf("field %s: EXPR mapping requires an expression template", f.Key())
		}
	default:
		return fmt.Errorf("field %s: unknown mapping kind %q", f.Key(), f.Mapping)
	}
	return nil
}

// RelationType is the cardinality of a relation, read from the source object's side.
type RelationType int

const (
	RelationManyToOne RelationType = iota
	RelationOneToOne
	RelationOneToMany
	RelationManyToMany
)

// ParseRelationType accepts ONE_TO_MANY, one-to-many, OneToMany and similar spellings.
func ParseRelationType(raw string) (RelationType, error) {
	normalized := strings.NewReplacer("-", "", "_", "", " ", "").Replace(strings.ToUpper(strings.TrimSpace(raw)))
	switch normalized {
	case "MANYTOONE", "N1":
		return RelationManyToOne, nil
	case "ONETOONE", "11":
		return RelationOneToOne, nil
	case "ONETOMANY", "1N":
		return RelationOneToMany, nil
	case "MANYTOMANY", "NN", "MN":
		return RelationManyToMany, nil
	default:
		return 0, fmt.Errorf("unknown relation type %q", raw)
	}
}

func (t RelationType) String() string {
	switch t {
	case RelationManyToOne:
		return "MANY_TO_ONE"
	case RelationOneToOne:
		return "ONE_TO_ONE"
	case RelationOneToMany:
		return "ONE_TO_MANY"
	case RelationManyToMany:
		return "MANY_TO_MANY"
	default:
		return fmt.Sprintf("RelationType(%d)", int(t))
	}
}

// FansOut reports whether joining through the relation can multiply source rows.
func (t RelationType) FansOut() bool {
	switch t {
	case RelationOneToMany, RelationManyToMany:
		return true
	case RelationManyToOne, RelationOneToOne:
		return false
	default:
		panic(fmt.Sprintf("catalog: unhandled relation type %d", int(t)))
	}
}

// JoinType is the SQL join flavor declared for a relation.
type JoinType string

const (
	JoinInner JoinType = "INNER"
	JoinLeft  JoinType = "LEFT"
)

// ParseJoinType defaults to LEFT for an empty value.
func ParseJoinType(raw string) (JoinType, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", "LEFT", "LEFT OUTER":
		return JoinLeft, nil
	case "INNER":
		return JoinInner, nil
	default:
		return "", fmt.Errorf("unknown join type %q", raw)
	}
}

// RelationInfo is a directed, weighted edge between two objects.
type RelationInfo struct {
	ID           int64
	RelationCode string
	FromObject   string
	ToObject     string
	Type         RelationType
	JoinType     JoinType
	PathWeight   int
	Required     bool
	Navigable    bool
}

// RelationJoinKey is one column pair of a relation's join predicate.
type RelationJoinKey struct {
	RelationID int64
	Seq        int
	FromColumn string
	Operator   string
	ToColumn   string
	NullSafe   bool
}

// ValueShape describes what literal an operator consumes.
type ValueShape string

const (
	ShapeScalar ValueShape = "SCALAR"
	ShapeArray  ValueShape = "ARRAY"
	ShapeRange  ValueShape = "RANGE"
	ShapeNone   ValueShape = "NONE"
)

// OperationMeta describes a filter operator.
type OperationMeta struct {
	Code   string
	Symbol string
	Arity  int
	Shape  ValueShape
}

var fallbackSymbols = map[string]string{
	"EQ":          "=",
	"NE":          "<>",
	"GT":          ">",
	"GE":          ">=",
	"LT":          "<",
	"LE":          "<=",
	"LIKE":        "LIKE",
	"ILIKE":       "ILIKE",
	"IN":          "IN",
	"NOT_IN":      "NOT IN",
	"BETWEEN":     "BETWEEN",
	"NOT_BETWEEN": "NOT BETWEEN",
	"IS_NULL":     "IS NULL",
	"IS_NOT_NULL": "IS NOT NULL",
}

var fallbackShapes = map[string]ValueShape{
	"IN":          ShapeArray,
	"NOT_IN":      ShapeArray,
	"BETWEEN":     ShapeRange,
	"NOT_BETWEEN": ShapeRange,
	"IS_NULL":     ShapeNone,
	"IS_NOT_NULL": ShapeNone,
}

// EffectiveSymbol returns the configured symbol or the derived one for well-known codes.
func (o OperationMeta) EffectiveSymbol() string {
	if s := strings.TrimSpace(o.Symbol); s != "" {
		return s
	}
	return fallbackSymbols[CanonicalCode(o.Code)]
}

// EffectiveShape returns the configured value shape or derives it from the code.
func (o OperationMeta) EffectiveShape() ValueShape {
	if o.Shape != "" {
		return o.Shape
	}
	if shape, ok := fallbackShapes[CanonicalCode(o.Code)]; ok {
		return shape
	}
	return ShapeScalar
}

// Compatibility states whether an operator is legal for a data type.
type Compatibility struct {
	DataTypeCode string
	OperatorCode string
	Allowed      bool
}
