package sqltype

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromDataTypeCode_IntegerTypes(t *testing.T) {
	intTypes := []string{
		"SMALLINT", "smallint",
		"INT", "int",
		"INTEGER", "integer",
		"BIGINT", "bigint",
		"SERIAL", "int8",
	}

	for _, code := range intTypes {
		t.Run(code, func(t *testing.T) {
			assert.Equal(t, TypeInteger, FromDataTypeCode(code))
			assert.Equal(t, "bigint", FromDataTypeCode(code).ArrayCastType())
		})
	}
}

func TestFromDataTypeCode_DecimalTypes(t *testing.T) {
	decimalTypes := []string{
		"DECIMAL", "decimal(10,2)",
		"NUMERIC", "NUMBER",
		"FLOAT", "double",
	}

	for _, code := range decimalTypes {
		t.Run(code, func(t *testing.T) {
			assert.Equal(t, TypeDecimal, FromDataTypeCode(code))
			assert.Equal(t, "decimal", FromDataTypeCode(code).String())
		})
	}
}

func TestFromDataTypeCode_TemporalTypes(t *testing.T) {
	assert.Equal(t, TypeLocalDate, FromDataTypeCode("DATE"))
	assert.Equal(t, TypeLocalDate, FromDataTypeCode("local_date"))
	assert.Equal(t, TypeOffsetDateTime, FromDataTypeCode("TIMESTAMPTZ"))
	assert.Equal(t, TypeOffsetDateTime, FromDataTypeCode("datetime"))
	assert.Equal(t, TypeOffsetDateTime, FromDataTypeCode("OFFSET_DATE_TIME"))
	assert.Equal(t, "timestamptz", TypeOffsetDateTime.ArrayCastType())
	assert.Equal(t, "date", TypeLocalDate.ArrayCastType())
}

func TestFromDataTypeCode_OtherTypes(t *testing.T) {
	assert.Equal(t, TypeBoolean, FromDataTypeCode("BOOLEAN"))
	assert.Equal(t, TypeUUID, FromDataTypeCode("uuid"))
	assert.Equal(t, TypeJSON, FromDataTypeCode("JSONB"))
	assert.Equal(t, TypeJSON, FromDataTypeCode("json"))
	assert.Equal(t, TypeString, FromDataTypeCode("VARCHAR(255)"))
	assert.Equal(t, TypeString, FromDataTypeCode("LTREE"))
	assert.Equal(t, TypeString, FromDataTypeCode(""))
	assert.Equal(t, "text", TypeString.ArrayCastType())
}
