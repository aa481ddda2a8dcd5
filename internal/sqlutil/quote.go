// Package sqlutil provides SQL utility functions.
package sqlutil

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxIdentifierLength is the PostgreSQL NAMEDATALEN limit for identifiers.
const MaxIdentifierLength = 63

var validIdentifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// IsValidIdentifier reports whether name is a plain SQL identifier:
// letters, digits and underscores, not starting with a digit.
func IsValidIdentifier(name string) bool {
	return name != "" && len(name) <= MaxIdentifierLength && validIdentifierRe.MatchString(name)
}

// QuoteIdentifier quotes a SQL identifier (table name, column name, etc.)
// with double quotes and escapes any double quotes within the identifier.
func QuoteIdentifier(name string) string {
	escaped := strings.ReplaceAll(name, `"`, `""`)
	return `"` + escaped + `"`
}

// SafeIdentifier validates name and returns it quoted.
func SafeIdentifier(name string) (string, error) {
	if !IsValidIdentifier(name) {
		return "", fmt.Errorf("invalid identifier %q", name)
	}
	return QuoteIdentifier(name), nil
}

// QualifiedColumn returns alias.column with both parts validated and quoted.
func QualifiedColumn(alias, column string) (string, error) {
	quotedColumn, err := SafeIdentifier(column)
	if err != nil {
		return "", err
	}
	if alias == "" {
		return quotedColumn, nil
	}
	quotedAlias, err := SafeIdentifier(alias)
	if err != nil {
		return "", err
	}
	return quotedAlias + "." + quotedColumn, nil
}

// QualifiedTable returns schema.table with each part validated and quoted.
// An empty schema yields just the quoted table.
func QualifiedTable(schema, table string) (string, error) {
	quotedTable, err := SafeIdentifier(table)
	if err != nil {
		return "", err
	}
	if schema == "" {
		return quotedTable, nil
	}
	quotedSchema, err := SafeIdentifier(schema)
	if err != nil {
		return "", err
	}
	return quotedSchema + "." + quotedTable, nil
}

// QuoteString quotes a SQL string literal with single quotes and escapes
// any single quotes within the string by doubling them.
func QuoteString(s string) string {
	escaped := strings.ReplaceAll(s, "'", "''")
	return "'" + escaped + "'"
}
