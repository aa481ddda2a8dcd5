package dbexec

import (
	"testing"

	"metaquery/internal/compiler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func params(kv ...any) []compiler.Param {
	out := make([]compiler.Param, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, compiler.Param{Name: kv[i].(string), Value: kv[i+1]})
	}
	return out
}

func TestBind_Dollar(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		params []compiler.Param
		want   string
		args   []any
	}{
		{
			name:   "positions follow first appearance",
			query:  `SELECT 1 WHERE "a" = :p2 AND "b" = :p1`,
			params: params("p1", 1, "p2", "x"),
			want:   `SELECT 1 WHERE "a" = $1 AND "b" = $2`,
			args:   []any{"x", 1},
		},
		{
			name:   "repeated name reuses its position",
			query:  `SELECT :p1, :p1, :p2`,
			params: params("p1", 1, "p2", 2),
			want:   `SELECT $1, $1, $2`,
			args:   []any{1, 2},
		},
		{
			name:   "casts and quoted text are untouched",
			query:  `SELECT CAST(:p1 AS text[]), x::int, 'a :b', "c:d", 'it''s :e' FROM t WHERE y = :p2`,
			params: params("p1", "{a}", "p2", 5),
			want:   `SELECT CAST($1 AS text[]), x::int, 'a :b', "c:d", 'it''s :e' FROM t WHERE y = $2`,
			args:   []any{"{a}", 5},
		},
		{
			name:   "json literal keys",
			query:  `jsonb_build_object('name', "t0"."n") FILTER (WHERE k = :p10) OFFSET :p11 LIMIT :p12`,
			params: params("p10", true, "p11", int64(0), "p12", int64(5)),
			want:   `jsonb_build_object('name', "t0"."n") FILTER (WHERE k = $1) OFFSET $2 LIMIT $3`,
			args:   []any{true, int64(0), int64(5)},
		},
		{
			name:  "no placeholders",
			query: `SELECT 1`,
			want:  `SELECT 1`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, args, err := Bind(tt.query, tt.params, Dollar)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.args, args)
		})
	}
}

func TestBind_Question(t *testing.T) {
	got, args, err := Bind(`SELECT :p1, :p2, :p1`, params("p1", "a", "p2", "b"), Question)
	require.NoError(t, err)
	assert.Equal(t, `SELECT ?, ?, ?`, got)
	assert.Equal(t, []any{"a", "b", "a"}, args)
}

func TestBind_UnknownPlaceholder(t *testing.T) {
	_, _, err := Bind(`SELECT :p1, :p9`, params("p1", 1), Dollar)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ":p9")
}

func TestPlaceholdersFor(t *testing.T) {
	assert.Equal(t, Dollar, PlaceholdersFor(DriverPostgres))
	assert.Equal(t, Question, PlaceholdersFor(DriverMySQL))
	assert.Equal(t, Dollar, PlaceholdersFor(""))
}
