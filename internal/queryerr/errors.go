// Package queryerr defines the error taxonomy shared by the query pipeline.
// Every failure that is the caller's fault carries a compile-time kind; failures of
// the backing store are reported as ExecutionFailed so callers can tell them apart.
package queryerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes a query pipeline failure.
type Kind string

const (
	KindMalformedReference   Kind = "MALFORMED_REFERENCE"
	KindFieldNotFound        Kind = "FIELD_NOT_FOUND"
	KindCapabilityDenied     Kind = "CAPABILITY_DENIED"
	KindUnsupportedMapping   Kind = "UNSUPPORTED_MAPPING"
	KindUnknownOperator      Kind = "UNKNOWN_OPERATOR"
	KindOperatorTypeMismatch Kind = "OPERATOR_TYPE_MISMATCH"
	KindValueCoercion        Kind = "VALUE_COERCION_ERROR"
	KindNoJoinPath           Kind = "NO_JOIN_PATH"
	KindPlanningCycle        Kind = "PLANNING_CYCLE"
	KindInvalidIdentifier    Kind = "INVALID_IDENTIFIER"
	KindInvalidPagination    Kind = "INVALID_PAGINATION"
	KindExecutionFailed      Kind = "EXECUTION_FAILED"
)

// Error is a pipeline error with enough structured context to render an
// actionable message. It never carries generated SQL.
type Error struct {
	Kind     Kind
	Message  string
	Object   string
	Field    string
	Operator string
	Value    any
	Cause    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)

	var ctx []string
	if e.Object != "" {
		ctx = append(ctx, "object="+e.Object)
	}
	if e.Field != "" {
		ctx = append(ctx, "field="+e.Field)
	}
	if e.Operator != "" {
		ctx = append(ctx, "operator="+e.Operator)
	}
	if e.Value != nil {
		ctx = append(ctx, fmt.Sprintf("value=%v", e.Value))
	}
	if len(ctx) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(ctx, ", "))
		b.WriteString(")")
	}
	if e.Cause != nil && e.Kind != KindExecutionFailed {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Details returns the structured context as a string map, omitting empty entries.
func (e *Error) Details() map[string]string {
	out := make(map[string]string)
	if e.Object != "" {
		out["object"] = e.Object
	}
	if e.Field != "" {
		out["field"] = e.Field
	}
	if e.Operator != "" {
		out["operator"] = e.Operator
	}
	if e.Value != nil {
		out["value"] = fmt.Sprintf("%v", e.Value)
	}
	return out
}

// New builds an error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithObject attaches an object code.
func (e *Error) WithObject(object string) *Error {
	e.Object = object
	return e
}

// WithField attaches an object and field code.
func (e *Error) WithField(object, field string) *Error {
	e.Object = object
	e.Field = field
	return e
}

// WithOperator attaches an operator code.
func (e *Error) WithOperator(op string) *Error {
	e.Operator = op
	return e
}

// WithValue attaches the offending value.
func (e *Error) WithValue(v any) *Error {
	e.Value = v
	return e
}

// WithCause attaches an underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// ExecutionFailed wraps a backing store failure.
func ExecutionFailed(err error, format string, args ...any) *Error {
	return &Error{Kind: KindExecutionFailed, Message: fmt.Sprintf(format, args...), Cause: err}
}

// KindOf returns the kind of a pipeline error, or "" when err is not one.
// Uses errors.As so wrapped errors are recognized.
func KindOf(err error) Kind {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return ""
}

// Is reports whether err is a pipeline error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsCompileError reports whether err was caused by an invalid request rather than
// by the backing store.
func IsCompileError(err error) bool {
	kind := KindOf(err)
	return kind != "" && kind != KindExecutionFailed
}
