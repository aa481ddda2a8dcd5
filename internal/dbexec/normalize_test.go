package dbexec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		value  any
		dbType string
		want   any
	}{
		{"jsonb object", []byte(`{"a": 1}`), "JSONB", map[string]any{"a": float64(1)}},
		{"json array with whitespace", []byte("  [1, \"x\"]\n"), "JSON", []any{float64(1), "x"}},
		{"json scalar", []byte(`"x"`), "json", "x"},
		{"json null document", []byte(`null`), "JSONB", nil},
		{"invalid json stays text", []byte(`{oops`), "JSONB", "{oops"},
		{"json as string", `[]`, "JSON", []any{}},
		{"ltree is text", []byte("top.science.astronomy"), "LTREE", "top.science.astronomy"},
		{"text starting with brace is not decoded", []byte(`{"a":1}`), "TEXT", `{"a":1}`},
		{"unknown type sniffed as json", []byte(`[{"id": 2}]`), "", []any{map[string]any{"id": float64(2)}}},
		{"unknown type plain text", []byte("a.b.c"), "", "a.b.c"},
		{"bytea stays binary", []byte{0x01, 0x02}, "BYTEA", []byte{0x01, 0x02}},
		{"int unchanged", int64(42), "INT8", int64(42)},
		{"time unchanged", ts, "TIMESTAMPTZ", ts},
		{"nil unchanged", nil, "TEXT", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalize(tt.value, tt.dbType))
		})
	}
}
