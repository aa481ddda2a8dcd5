// Package sqltype provides a shared mapping from catalog data type codes to semantic
// value types. The compiler coerces literals by semantic type and the generator picks
// array casts from it, so both agree on how a data type code is interpreted.
package sqltype

import "strings"

// SemanticType represents the category a field value is coerced into.
type SemanticType int

const (
	// TypeString is the default type for text and unknown data type codes.
	TypeString SemanticType = iota
	// TypeDecimal represents fixed-point and floating-point numerics.
	TypeDecimal
	// TypeInteger represents integer numerics.
	TypeInteger
	// TypeBoolean represents boolean types.
	TypeBoolean
	// TypeLocalDate represents calendar dates without time.
	TypeLocalDate
	// TypeOffsetDateTime represents instants (timestamps, date-times).
	TypeOffsetDateTime
	// TypeUUID represents UUID values.
	TypeUUID
	// TypeJSON represents raw JSON documents.
	TypeJSON
)

// FromDataTypeCode converts a catalog data type code to its semantic type.
// The input is case-insensitive. Size specifiers like (10,2) or (255) are stripped before matching.
func FromDataTypeCode(code string) SemanticType {
	if idx := strings.Index(code, "("); idx != -1 {
		code = code[:idx]
	}
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "TINYINT", "SMALLINT", "MEDIUMINT", "INT", "INT2", "INT4", "INT8",
		"INTEGER", "BIGINT", "SERIAL", "BIGSERIAL", "LONG", "SHORT":
		return TypeInteger
	case "FLOAT", "FLOAT4", "FLOAT8", "DOUBLE", "REAL", "DECIMAL", "NUMERIC", "NUMBER", "MONEY":
		return TypeDecimal
	case "BOOL", "BOOLEAN", "BIT":
		return TypeBoolean
	case "DATE", "LOCAL_DATE", "LOCALDATE":
		return TypeLocalDate
	case "DATETIME", "TIMESTAMP", "TIMESTAMPTZ", "OFFSET_DATE_TIME", "OFFSETDATETIME",
		"LOCAL_DATE_TIME", "LOCALDATETIME", "INSTANT":
		return TypeOffsetDateTime
	case "UUID":
		return TypeUUID
	case "JSON", "JSONB":
		return TypeJSON
	default:
		return TypeString
	}
}

// String returns the semantic type name used in messages.
func (t SemanticType) String() string {
	switch t {
	case TypeDecimal:
		return "decimal"
	case TypeInteger:
		return "integer"
	case TypeBoolean:
		return "boolean"
	case TypeLocalDate:
		return "local date"
	case TypeOffsetDateTime:
		return "offset date-time"
	case TypeUUID:
		return "uuid"
	case TypeJSON:
		return "json"
	default:
		return "string"
	}
}

// ArrayCastType returns the PostgreSQL element type used when a list of coerced
// values is bound as a single text array parameter.
func (t SemanticType) ArrayCastType() string {
	switch t {
	case TypeDecimal:
		return "numeric"
	case TypeInteger:
		return "bigint"
	case TypeBoolean:
		return "boolean"
	case TypeLocalDate:
		return "date"
	case TypeOffsetDateTime:
		return "timestamptz"
	case TypeUUID:
		return "uuid"
	case TypeJSON:
		return "jsonb"
	default:
		return "text"
	}
}
