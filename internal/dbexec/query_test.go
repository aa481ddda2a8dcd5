package dbexec

import (
	"context"
	"errors"
	"testing"
	"time"

	"metaquery/internal/compiler"
	"metaquery/internal/queryerr"
	"metaquery/internal/sqlgen"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func employeeStatement() *sqlgen.Statement {
	return &sqlgen.Statement{
		SQL: `SELECT "t0"."full_name" AS "name", CASE WHEN "dept_1"."id" IS NULL THEN NULL ELSE jsonb_build_object('deptName', "dept_1"."dept_name") END AS "DEPARTMENT" ` +
			`FROM "hr"."employees" AS "t0" LEFT JOIN "hr"."departments" AS "dept_1" ON "t0"."dept_id" = "dept_1"."id" ` +
			`WHERE "t0"."active" = :p1 OFFSET :p2 LIMIT :p3`,
		Params: []compiler.Param{
			{Name: "p1", Value: true},
			{Name: "p2", Value: int64(0)},
			{Name: "p3", Value: int64(10)},
		},
		Columns: []string{"name", "DEPARTMENT"},
	}
}

const employeeBound = `SELECT "t0"."full_name" AS "name", CASE WHEN "dept_1"."id" IS NULL THEN NULL ELSE jsonb_build_object('deptName', "dept_1"."dept_name") END AS "DEPARTMENT" ` +
	`FROM "hr"."employees" AS "t0" LEFT JOIN "hr"."departments" AS "dept_1" ON "t0"."dept_id" = "dept_1"."id" ` +
	`WHERE "t0"."active" = $1 OFFSET $2 LIMIT $3`

func TestExecutor_Query(t *testing.T) {
	router, mocks, _ := newMockRouter(t, StaticResolver{hrKey: {DSN: "hr"}})
	exec := NewExecutor(router, time.Second, nil)
	ctx := context.Background()

	// Open the pool so the mock exists before expectations are set.
	_, _, err := router.Executor(ctx, hrKey)
	require.NoError(t, err)
	mock := mocks["hr"]

	rows := sqlmock.NewRowsWithColumnDefinition(
		sqlmock.NewColumn("name").OfType("TEXT", ""),
		sqlmock.NewColumn("DEPARTMENT").OfType("JSONB", []byte{}),
	).
		AddRow("Ada", []byte(`{"deptName": "Research"}`)).
		AddRow("Grace", nil)
	mock.ExpectQuery(employeeBound).WithArgs(true, int64(0), int64(10)).WillReturnRows(rows)

	stmt := employeeStatement()
	result, err := exec.Query(ctx, hrKey, stmt)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, 2, result.RowCount)
	assert.Equal(t, stmt.SQL, result.SQL)
	assert.Equal(t, stmt.Params, result.Params)
	assert.GreaterOrEqual(t, result.Elapsed, time.Duration(0))

	assert.Equal(t, map[string]any{
		"name":       "Ada",
		"DEPARTMENT": map[string]any{"deptName": "Research"},
	}, result.Rows[0].Map())
	assert.Equal(t, []string{"name", "DEPARTMENT"}, result.Rows[1].Columns)
	assert.Nil(t, result.Rows[1].Values[1])
}

func TestExecutor_EmptyResult(t *testing.T) {
	router, mocks, _ := newMockRouter(t, StaticResolver{hrKey: {DSN: "hr"}})
	exec := NewExecutor(router, 0, nil)
	ctx := context.Background()
	_, _, err := router.Executor(ctx, hrKey)
	require.NoError(t, err)

	mocks["hr"].ExpectQuery(employeeBound).WillReturnRows(sqlmock.NewRows([]string{"name", "DEPARTMENT"}))

	result, err := exec.Query(ctx, hrKey, employeeStatement())
	require.NoError(t, err)
	assert.Equal(t, 0, result.RowCount)
	assert.NotNil(t, result.Rows)
}

func TestExecutor_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("driver error", func(t *testing.T) {
		router, mocks, _ := newMockRouter(t, StaticResolver{hrKey: {DSN: "hr"}})
		_, _, err := router.Executor(ctx, hrKey)
		require.NoError(t, err)
		mocks["hr"].ExpectQuery(employeeBound).WillReturnError(errors.New("connection reset"))

		_, err = NewExecutor(router, 0, nil).Query(ctx, hrKey, employeeStatement())
		require.Error(t, err)
		assert.Equal(t, queryerr.KindExecutionFailed, queryerr.KindOf(err))
		assert.NotContains(t, err.Error(), "SELECT")
	})

	t.Run("row error discards partial rows", func(t *testing.T) {
		router, mocks, _ := newMockRouter(t, StaticResolver{hrKey: {DSN: "hr"}})
		_, _, err := router.Executor(ctx, hrKey)
		require.NoError(t, err)
		rows := sqlmock.NewRows([]string{"name", "DEPARTMENT"}).
			AddRow("Ada", nil).
			AddRow("Grace", nil).
			RowError(1, errors.New("network failure"))
		mocks["hr"].ExpectQuery(employeeBound).WillReturnRows(rows)

		result, err := NewExecutor(router, 0, nil).Query(ctx, hrKey, employeeStatement())
		require.Error(t, err)
		assert.Nil(t, result)
		assert.Equal(t, queryerr.KindExecutionFailed, queryerr.KindOf(err))
	})

	t.Run("unknown connection", func(t *testing.T) {
		router, _, _ := newMockRouter(t, StaticResolver{})
		_, err := NewExecutor(router, 0, nil).Query(ctx, hrKey, employeeStatement())
		require.Error(t, err)
		assert.Equal(t, queryerr.KindExecutionFailed, queryerr.KindOf(err))
	})

	t.Run("unbound placeholder", func(t *testing.T) {
		router, _, _ := newMockRouter(t, StaticResolver{hrKey: {DSN: "hr"}})
		stmt := employeeStatement()
		stmt.Params = stmt.Params[:1]
		_, err := NewExecutor(router, 0, nil).Query(ctx, hrKey, stmt)
		require.Error(t, err)
		assert.Equal(t, queryerr.KindExecutionFailed, queryerr.KindOf(err))
	})
}

func TestExecutor_StatementTimeout(t *testing.T) {
	router, mocks, _ := newMockRouter(t, StaticResolver{hrKey: {DSN: "hr"}})
	ctx := context.Background()
	_, _, err := router.Executor(ctx, hrKey)
	require.NoError(t, err)

	mocks["hr"].ExpectQuery(employeeBound).
		WillDelayFor(200 * time.Millisecond).
		WillReturnRows(sqlmock.NewRows([]string{"name", "DEPARTMENT"}))

	_, err = NewExecutor(router, 20*time.Millisecond, nil).Query(ctx, hrKey, employeeStatement())
	require.Error(t, err)
	assert.Equal(t, queryerr.KindExecutionFailed, queryerr.KindOf(err))
}
