package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// Catalog table names.
const (
	TableObjectMeta       = "qe_object_meta"
	TableFieldMeta        = "qe_field_meta"
	TableRelationInfo     = "qe_relation_info"
	TableRelationJoinKey  = "qe_relation_join_key"
	TableOperationMeta    = "qe_operation_meta"
	TableDataTypeOperator = "qe_datatype_operator"
)

// Querier is the subset of *sql.DB used by SQLStore.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// SQLStore reads catalog metadata from relational tables.
type SQLStore struct {
	db          Querier
	placeholder sq.PlaceholderFormat
}

// NewSQLStore creates a store for the given driver name ("mysql" or "postgres").
func NewSQLStore(db Querier, driver string) *SQLStore {
	var placeholder sq.PlaceholderFormat = sq.Question
	if strings.EqualFold(driver, "postgres") || strings.EqualFold(driver, "pgx") {
		placeholder = sq.Dollar
	}
	return &SQLStore{db: db, placeholder: placeholder}
}

func scopeEq(scope Scope) sq.Eq {
	scope = scope.Normalize()
	return sq.Eq{
		"tenant_code":   scope.TenantCode,
		"app_code":      scope.AppCode,
		"connection_id": scope.ConnectionID,
	}
}

func appScopeEq(scope Scope) sq.Eq {
	scope = scope.Normalize()
	return sq.Eq{
		"tenant_code": scope.TenantCode,
		"app_code":    scope.AppCode,
	}
}

func (s *SQLStore) query(ctx context.Context, builder sq.SelectBuilder) (*sql.Rows, error) {
	query, args, err := builder.PlaceholderFormat(s.placeholder).ToSql()
	if err != nil {
		return nil, err
	}
	return s.db.QueryContext(ctx, query, args...)
}

func canonicalCodes(codes []string) []string {
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, code := range codes {
		code = CanonicalCode(code)
		if _, ok := seen[code]; ok || code == "" {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// LoadObjects implements Catalog.
func (s *SQLStore) LoadObjects(ctx context.Context, scope Scope, codes []string) (map[string]ObjectMeta, error) {
	codes = canonicalCodes(codes)
	result := make(map[string]ObjectMeta, len(codes))
	if len(codes) == 0 {
		return result, nil
	}
	objects, err := s.selectObjects(ctx, scopeEq(scope), sq.Eq{"object_code": codes})
	if err != nil {
		return nil, err
	}
	for _, obj := range objects {
		result[obj.ObjectCode] = obj
	}
	return result, nil
}

func (s *SQLStore) selectObjects(ctx context.Context, where ...sq.Sqlizer) ([]ObjectMeta, error) {
	builder := sq.Select("object_code", "schema_name", "table_name", "alias_hint").
		From(TableObjectMeta).
		OrderBy("object_code")
	for _, w := range where {
		builder = builder.Where(w)
	}
	rows, err := s.query(ctx, builder)
	if err != nil {
		return nil, fmt.Errorf("failed to query object metadata: %w", err)
	}
	defer rows.Close()

	var objects []ObjectMeta
	for rows.Next() {
		var obj ObjectMeta
		var schema, alias sql.NullString
		if err := rows.Scan(&obj.ObjectCode, &schema, &obj.Table, &alias); err != nil {
			return nil, fmt.Errorf("failed to scan object metadata: %w", err)
		}
		obj.ObjectCode = CanonicalCode(obj.ObjectCode)
		obj.Schema = schema.String
		obj.AliasHint = alias.String
		objects = append(objects, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read object metadata: %w", err)
	}
	return objects, nil
}

// LoadRelations implements Catalog.
func (s *SQLStore) LoadRelations(ctx context.Context, scope Scope) ([]RelationInfo, error) {
	builder := sq.Select(
		"id", "relation_code", "from_object_code", "to_object_code",
		"relation_type", "join_type", "path_weight", "is_required", "is_navigable",
	).
		From(TableRelationInfo).
		Where(scopeEq(scope)).
		OrderBy("id")
	rows, err := s.query(ctx, builder)
	if err != nil {
		return nil, fmt.Errorf("failed to query relations: %w", err)
	}
	defer rows.Close()

	var relations []RelationInfo
	for rows.Next() {
		var rel RelationInfo
		var code sql.NullString
		var relType, joinType string
		if err := rows.Scan(
			&rel.ID, &code, &rel.FromObject, &rel.ToObject,
			&relType, &joinType, &rel.PathWeight, &rel.Required, &rel.Navigable,
		); err != nil {
			return nil, fmt.Errorf("failed to scan relation: %w", err)
		}
		if rel.Type, err = ParseRelationType(relType); err != nil {
			return nil, fmt.Errorf("relation %d: %w", rel.ID, err)
		}
		if rel.JoinType, err = ParseJoinType(joinType); err != nil {
			return nil, fmt.Errorf("relation %d: %w", rel.ID, err)
		}
		rel.RelationCode = CanonicalCode(code.String)
		rel.FromObject = CanonicalCode(rel.FromObject)
		rel.ToObject = CanonicalCode(rel.ToObject)
		relations = append(relations, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read relations: %w", err)
	}
	return relations, nil
}

// LoadJoinKeys implements Catalog. Join keys are addressed by relation id, which is
// globally unique, so the scope only guards the relation lookup performed by callers.
func (s *SQLStore) LoadJoinKeys(ctx context.Context, _ Scope, relationIDs []int64) (map[int64][]RelationJoinKey, error) {
	result := make(map[int64][]RelationJoinKey, len(relationIDs))
	if len(relationIDs) == 0 {
		return result, nil
	}
	keys, err := s.selectJoinKeys(ctx, sq.Eq{"relation_id": relationIDs})
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		result[key.RelationID] = append(result[key.RelationID], key)
	}
	return result, nil
}

func (s *SQLStore) selectJoinKeys(ctx context.Context, where sq.Sqlizer) ([]RelationJoinKey, error) {
	builder := sq.Select("relation_id", "seq", "from_column", "operator", "to_column", "null_safe").
		From(TableRelationJoinKey).
		Where(where).
		OrderBy("relation_id", "seq")
	rows, err := s.query(ctx, builder)
	if err != nil {
		return nil, fmt.Errorf("failed to query join keys: %w", err)
	}
	defer rows.Close()

	var keys []RelationJoinKey
	for rows.Next() {
		var key RelationJoinKey
		var op sql.NullString
		if err := rows.Scan(&key.RelationID, &key.Seq, &key.FromColumn, &op, &key.ToColumn, &key.NullSafe); err != nil {
			return nil, fmt.Errorf("failed to scan join key: %w", err)
		}
		key.Operator = op.String
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read join keys: %w", err)
	}
	return keys, nil
}

// LoadFields implements Catalog. Fields are fetched per object and filtered to the
// requested keys.
func (s *SQLStore) LoadFields(ctx context.Context, scope Scope, keys []FieldKey) (map[FieldKey]FieldMeta, error) {
	result := make(map[FieldKey]FieldMeta, len(keys))
	if len(keys) == 0 {
		return result, nil
	}
	wanted := make(map[FieldKey]struct{}, len(keys))
	objects := make([]string, 0, len(keys))
	for _, key := range keys {
		key = FieldKey{ObjectCode: CanonicalCode(key.ObjectCode), FieldCode: strings.TrimSpace(key.FieldCode)}
		wanted[key] = struct{}{}
		objects = append(objects, key.ObjectCode)
	}
	fields, err := s.selectFields(ctx, scopeEq(scope), sq.Eq{"object_code": canonicalCodes(objects)})
	if err != nil {
		return nil, err
	}
	for _, field := range fields {
		if _, ok := wanted[field.Key()]; ok {
			result[field.Key()] = field
		}
	}
	return result, nil
}

func (s *SQLStore) selectFields(ctx context.Context, where ...sq.Sqlizer) ([]FieldMeta, error) {
	builder := sq.Select(
		"object_code", "field_code", "mapping_kind", "column_name", "expr_template",
		"data_type_code", "allow_select", "allow_filter", "allow_sort",
	).
		From(TableFieldMeta).
		OrderBy("object_code", "field_code")
	for _, w := range where {
		builder = builder.Where(w)
	}
	rows, err := s.query(ctx, builder)
	if err != nil {
		return nil, fmt.Errorf("failed to query field metadata: %w", err)
	}
	defer rows.Close()

	var fields []FieldMeta
	for rows.Next() {
		var field FieldMeta
		var mapping string
		var column, expr sql.NullString
		if err := rows.Scan(
			&field.ObjectCode, &field.FieldCode, &mapping, &column, &expr,
			&field.DataTypeCode, &field.AllowSelect, &field.AllowFilter, &field.AllowSort,
		); err != nil {
			return nil, fmt.Errorf("failed to scan field metadata: %w", err)
		}
		field.ObjectCode = CanonicalCode(field.ObjectCode)
		field.FieldCode = strings.TrimSpace(field.FieldCode)
		field.Mapping = MappingKind(CanonicalCode(mapping))
		field.ColumnName = column.String
		field.ExprTemplate = expr.String
		if err := field.Validate(); err != nil {
			return nil, err
		}
		fields = append(fields, field)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read field metadata: %w", err)
	}
	return fields, nil
}

// LoadOperations implements Catalog.
func (s *SQLStore) LoadOperations(ctx context.Context, scope Scope, codes []string) (map[string]OperationMeta, error) {
	codes = canonicalCodes(codes)
	result := make(map[string]OperationMeta, len(codes))
	if len(codes) == 0 {
		return result, nil
	}
	ops, err := s.selectOperations(ctx, appScopeEq(scope), sq.Eq{"operation_code": codes})
	if err != nil {
		return nil, err
	}
	for _, op := range ops {
		result[op.Code] = op
	}
	return result, nil
}

func (s *SQLStore) selectOperations(ctx context.Context, where ...sq.Sqlizer) ([]OperationMeta, error) {
	builder := sq.Select("operation_code", "symbol", "arity", "value_shape").
		From(TableOperationMeta).
		OrderBy("operation_code")
	for _, w := range where {
		builder = builder.Where(w)
	}
	rows, err := s.query(ctx, builder)
	if err != nil {
		return nil, fmt.Errorf("failed to query operation metadata: %w", err)
	}
	defer rows.Close()

	var ops []OperationMeta
	for rows.Next() {
		var op OperationMeta
		var symbol, shape sql.NullString
		if err := rows.Scan(&op.Code, &symbol, &op.Arity, &shape); err != nil {
			return nil, fmt.Errorf("failed to scan operation metadata: %w", err)
		}
		op.Code = CanonicalCode(op.Code)
		op.Symbol = symbol.String
		op.Shape = ValueShape(CanonicalCode(shape.String))
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read operation metadata: %w", err)
	}
	return ops, nil
}

// IsCompatible implements Catalog. A missing row means not allowed.
func (s *SQLStore) IsCompatible(ctx context.Context, scope Scope, dataTypeCode, operatorCode string) (bool, error) {
	builder := sq.Select("is_allowed").
		From(TableDataTypeOperator).
		Where(appScopeEq(scope)).
		Where(sq.Eq{
			"data_type_code": CanonicalCode(dataTypeCode),
			"operator_code":  CanonicalCode(operatorCode),
		})
	rows, err := s.query(ctx, builder)
	if err != nil {
		return false, fmt.Errorf("failed to query operator compatibility: %w", err)
	}
	defer rows.Close()

	allowed := false
	if rows.Next() {
		if err := rows.Scan(&allowed); err != nil {
			return false, fmt.Errorf("failed to scan operator compatibility: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("failed to read operator compatibility: %w", err)
	}
	return allowed, nil
}

func (s *SQLStore) selectCompatibility(ctx context.Context, scope Scope) ([]Compatibility, error) {
	builder := sq.Select("data_type_code", "operator_code", "is_allowed").
		From(TableDataTypeOperator).
		Where(appScopeEq(scope)).
		OrderBy("data_type_code", "operator_code")
	rows, err := s.query(ctx, builder)
	if err != nil {
		return nil, fmt.Errorf("failed to query operator compatibility: %w", err)
	}
	defer rows.Close()

	var pairs []Compatibility
	for rows.Next() {
		var c Compatibility
		if err := rows.Scan(&c.DataTypeCode, &c.OperatorCode, &c.Allowed); err != nil {
			return nil, fmt.Errorf("failed to scan operator compatibility: %w", err)
		}
		pairs = append(pairs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read operator compatibility: %w", err)
	}
	return pairs, nil
}

// LoadSnapshot implements SnapshotLoader by reading every row of the scope.
func (s *SQLStore) LoadSnapshot(ctx context.Context, scope Scope) (*Snapshot, error) {
	var data SnapshotData
	var err error
	if data.Objects, err = s.selectObjects(ctx, scopeEq(scope)); err != nil {
		return nil, err
	}
	if data.Fields, err = s.selectFields(ctx, scopeEq(scope)); err != nil {
		return nil, err
	}
	if data.Relations, err = s.LoadRelations(ctx, scope); err != nil {
		return nil, err
	}
	if len(data.Relations) > 0 {
		ids := make([]int64, 0, len(data.Relations))
		for _, rel := range data.Relations {
			ids = append(ids, rel.ID)
		}
		if data.JoinKeys, err = s.selectJoinKeys(ctx, sq.Eq{"relation_id": ids}); err != nil {
			return nil, err
		}
	}
	if data.Operations, err = s.selectOperations(ctx, appScopeEq(scope)); err != nil {
		return nil, err
	}
	if data.Compatibility, err = s.selectCompatibility(ctx, scope); err != nil {
		return nil, err
	}
	return NewSnapshot(scope, data)
}
