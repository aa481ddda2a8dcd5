package catalog

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLStore_LoadObjects(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"object_code", "schema_name", "table_name", "alias_hint"}).
		AddRow("department", "hr", "departments", nil).
		AddRow("EMPLOYEE", nil, "employees", "emp")
	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT object_code, schema_name, table_name, alias_hint FROM qe_object_meta " +
			"WHERE app_code = ? AND connection_id = ? AND tenant_code = ? AND object_code IN (?,?) ORDER BY object_code",
	)).
		WithArgs("hr", "main", "acme", "DEPARTMENT", "EMPLOYEE").
		WillReturnRows(rows)

	store := NewSQLStore(db, "mysql")
	objects, err := store.LoadObjects(context.Background(), hrScope, []string{"employee", "DEPARTMENT", "employee"})
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "hr.departments", objects["DEPARTMENT"].QualifiedTable())
	assert.Equal(t, "", objects["DEPARTMENT"].AliasHint)
	assert.Equal(t, "employees", objects["EMPLOYEE"].QualifiedTable())
	assert.Equal(t, "emp", objects["EMPLOYEE"].AliasHint)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_LoadObjectsEmptyInputSkipsQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	objects, err := NewSQLStore(db, "mysql").LoadObjects(context.Background(), hrScope, nil)
	require.NoError(t, err)
	assert.Empty(t, objects)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_LoadRelations(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{
		"id", "relation_code", "from_object_code", "to_object_code",
		"relation_type", "join_type", "path_weight", "is_required", "is_navigable",
	}).
		AddRow(int64(1), "dept", "employee", "department", "MANY_TO_ONE", "LEFT", int64(1), false, true).
		AddRow(int64(3), nil, "EMPLOYEE", "PROJECT", "one-to-many", "INNER", int64(2), true, true)
	mock.ExpectQuery("FROM qe_relation_info WHERE").
		WithArgs("hr", "main", "acme").
		WillReturnRows(rows)

	relations, err := NewSQLStore(db, "mysql").LoadRelations(context.Background(), hrScope)
	require.NoError(t, err)
	require.Len(t, relations, 2)
	assert.Equal(t, RelationInfo{
		ID: 1, RelationCode: "DEPT", FromObject: "EMPLOYEE", ToObject: "DEPARTMENT",
		Type: RelationManyToOne, JoinType: JoinLeft, PathWeight: 1, Navigable: true,
	}, relations[0])
	assert.Equal(t, RelationOneToMany, relations[1].Type)
	assert.Equal(t, JoinInner, relations[1].JoinType)
	assert.Equal(t, "", relations[1].RelationCode)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_LoadRelationsRejectsUnknownType(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{
		"id", "relation_code", "from_object_code", "to_object_code",
		"relation_type", "join_type", "path_weight", "is_required", "is_navigable",
	}).AddRow(int64(7), "X", "A", "B", "DIAGONAL", "LEFT", int64(1), false, true)
	mock.ExpectQuery("FROM qe_relation_info").WillReturnRows(rows)

	_, err = NewSQLStore(db, "mysql").LoadRelations(context.Background(), hrScope)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relation 7")
}

func TestSQLStore_LoadFieldsFiltersToRequestedKeys(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{
		"object_code", "field_code", "mapping_kind", "column_name", "expr_template",
		"data_type_code", "allow_select", "allow_filter", "allow_sort",
	}).
		AddRow("EMPLOYEE", "name", "COLUMN", "full_name", nil, "VARCHAR", true, true, true).
		AddRow("EMPLOYEE", "salary", "column", "salary", nil, "DECIMAL", true, true, false).
		AddRow("EMPLOYEE", "ssn", "COLUMN", "ssn", nil, "VARCHAR", false, true, false)
	mock.ExpectQuery("FROM qe_field_meta WHERE").
		WithArgs("hr", "main", "acme", "EMPLOYEE").
		WillReturnRows(rows)

	fields, err := NewSQLStore(db, "mysql").LoadFields(context.Background(), hrScope, []FieldKey{
		{ObjectCode: "employee", FieldCode: "name"},
		{ObjectCode: "EMPLOYEE", FieldCode: "salary"},
	})
	require.NoError(t, err)
	require.Len(t, fields, 2)
	assert.Equal(t, "full_name", fields[FieldKey{"EMPLOYEE", "name"}].ColumnName)
	assert.False(t, fields[FieldKey{"EMPLOYEE", "salary"}].AllowSort)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_IsCompatiblePostgresPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT is_allowed FROM qe_datatype_operator " +
			"WHERE app_code = $1 AND tenant_code = $2 AND data_type_code = $3 AND operator_code = $4",
	)).
		WithArgs("hr", "acme", "VARCHAR", "LIKE").
		WillReturnRows(sqlmock.NewRows([]string{"is_allowed"}).AddRow(true))
	mock.ExpectQuery("FROM qe_datatype_operator").
		WithArgs("hr", "acme", "VARCHAR", "BETWEEN").
		WillReturnRows(sqlmock.NewRows([]string{"is_allowed"}))

	store := NewSQLStore(db, "postgres")
	ok, err := store.IsCompatible(context.Background(), hrScope, "varchar", "like")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.IsCompatible(context.Background(), hrScope, "VARCHAR", "BETWEEN")
	require.NoError(t, err)
	assert.False(t, ok, "missing row means not allowed")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_QueryErrorIsWrapped(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	boom := errors.New("connection reset")
	mock.ExpectQuery("FROM qe_operation_meta").WillReturnError(boom)

	_, err = NewSQLStore(db, "mysql").LoadOperations(context.Background(), hrScope, []string{"EQ"})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "operation metadata")
}

func TestSQLStore_LoadSnapshot(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("FROM qe_object_meta").
		WillReturnRows(sqlmock.NewRows([]string{"object_code", "schema_name", "table_name", "alias_hint"}).
			AddRow("EMPLOYEE", "hr", "employees", "emp").
			AddRow("DEPARTMENT", "hr", "departments", "dept"))
	mock.ExpectQuery("FROM qe_field_meta").
		WillReturnRows(sqlmock.NewRows([]string{
			"object_code", "field_code", "mapping_kind", "column_name", "expr_template",
			"data_type_code", "allow_select", "allow_filter", "allow_sort",
		}).AddRow("EMPLOYEE", "name", "COLUMN", "full_name", nil, "VARCHAR", true, true, true))
	mock.ExpectQuery("FROM qe_relation_info").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "relation_code", "from_object_code", "to_object_code",
			"relation_type", "join_type", "path_weight", "is_required", "is_navigable",
		}).AddRow(int64(1), "DEPT", "EMPLOYEE", "DEPARTMENT", "MANY_TO_ONE", "LEFT", int64(1), false, true))
	mock.ExpectQuery("FROM qe_relation_join_key").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"relation_id", "seq", "from_column", "operator", "to_column", "null_safe"}).
			AddRow(int64(1), int64(1), "dept_id", "=", "id", false))
	mock.ExpectQuery("FROM qe_operation_meta").
		WithArgs("hr", "acme").
		WillReturnRows(sqlmock.NewRows([]string{"operation_code", "symbol", "arity", "value_shape"}).
			AddRow("EQ", nil, int64(1), nil))
	mock.ExpectQuery("FROM qe_datatype_operator").
		WithArgs("hr", "acme").
		WillReturnRows(sqlmock.NewRows([]string{"data_type_code", "operator_code", "is_allowed"}).
			AddRow("VARCHAR", "EQ", true))

	snapshot, err := NewSQLStore(db, "mysql").LoadSnapshot(context.Background(), hrScope)
	require.NoError(t, err)
	assert.Len(t, snapshot.Objects([]string{"EMPLOYEE", "DEPARTMENT"}), 2)
	assert.Len(t, snapshot.Relations(), 1)
	assert.Equal(t, "dept_id", snapshot.JoinKeys([]int64{1})[1][0].FromColumn)
	assert.Equal(t, "=", snapshot.Operations([]string{"eq"})["EQ"].EffectiveSymbol())
	assert.True(t, snapshot.Compatible("VARCHAR", "EQ"))
	require.NoError(t, mock.ExpectationsWereMet())
}
