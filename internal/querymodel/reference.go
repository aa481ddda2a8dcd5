package querymodel

import (
	"strings"

	"metaquery/internal/catalog"
	"metaquery/internal/queryerr"
)

// Target identifies one occurrence of an object in a query: the object itself, or the
// object as reached through a named relation.
type Target struct {
	Object string
	Via    string
}

func (t Target) String() string {
	if t.Via == "" {
		return t.Object
	}
	return t.Object + "@" + t.Via
}

// FieldRef is a parsed field reference.
type FieldRef struct {
	Object string
	Via    string
	Field  string
}

// Target returns the object occurrence the field belongs to.
func (r FieldRef) Target() Target {
	return Target{Object: r.Object, Via: r.Via}
}

// Key returns the catalog lookup key of the referenced field.
func (r FieldRef) Key() catalog.FieldKey {
	return catalog.FieldKey{ObjectCode: r.Object, FieldCode: r.Field}
}

func (r FieldRef) String() string {
	return r.Target().String() + "." + r.Field
}

// ParseRef parses OBJECT.field or OBJECT@RELATION.field. Object and relation codes are
// canonicalized; the field code is trimmed and kept case-sensitive.
func ParseRef(raw string) (FieldRef, error) {
	objectPart, field, ok := strings.Cut(raw, ".")
	if !ok {
		return FieldRef{}, malformed(raw, "reference must have the form object.field")
	}
	field = strings.TrimSpace(field)
	if field == "" || strings.Contains(field, ".") {
		return FieldRef{}, malformed(raw, "reference must name exactly one field")
	}

	object, via, qualified := strings.Cut(objectPart, "@")
	object = catalog.CanonicalCode(object)
	via = catalog.CanonicalCode(via)
	if object == "" {
		return FieldRef{}, malformed(raw, "reference has an empty object segment")
	}
	if qualified && via == "" {
		return FieldRef{}, malformed(raw, "reference has an empty relation qualifier")
	}
	return FieldRef{Object: object, Via: via, Field: field}, nil
}

func malformed(raw, message string) *queryerr.Error {
	return queryerr.New(queryerr.KindMalformedReference, "%s", message).WithValue(raw)
}
