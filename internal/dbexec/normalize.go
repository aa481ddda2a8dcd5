package dbexec

import (
	"bytes"
	"encoding/json"
	"strings"
)

// normalize converts a scanned driver value into a value that encodes naturally as JSON.
// JSON documents become maps, slices or scalars; path types and other textual byte
// values become strings; binary columns stay as bytes.
func normalize(value any, dbType string) any {
	dbType = strings.ToUpper(dbType)
	switch v := value.(type) {
	case []byte:
		return normalizeText(v, dbType)
	case string:
		if isJSONType(dbType) {
			if doc, ok := decodeJSON([]byte(v)); ok {
				return doc
			}
		}
		return v
	default:
		return value
	}
}

func normalizeText(raw []byte, dbType string) any {
	switch {
	case isJSONType(dbType):
		if doc, ok := decodeJSON(raw); ok {
			return doc
		}
		return string(raw)
	case dbType == "BYTEA" || dbType == "BLOB" || dbType == "VARBINARY" || dbType == "BINARY":
		return raw
	case dbType == "":
		// Unreported column types (extension types such as ltree, or aggregate output on
		// some drivers) are decoded only when they look like a JSON document.
		if looksLikeJSON(raw) {
			if doc, ok := decodeJSON(raw); ok {
				return doc
			}
		}
		return string(raw)
	default:
		return string(raw)
	}
}

func isJSONType(dbType string) bool {
	return dbType == "JSON" || dbType == "JSONB"
}

func looksLikeJSON(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

func decodeJSON(raw []byte) (any, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, false
	}
	var doc any
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, false
	}
	return doc, true
}
