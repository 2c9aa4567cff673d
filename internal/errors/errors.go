// Package errors provides structured error types for the blockrel storage
// core. All errors include a category, code, message, and retryable flag
// for consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategorySchema   ErrorCategory = "SCHEMA"
	ErrCategoryLayout   ErrorCategory = "LAYOUT"
	ErrCategoryWrite    ErrorCategory = "WRITE"
	ErrCategoryQuery    ErrorCategory = "QUERY"
	ErrCategoryCatalog  ErrorCategory = "CATALOG"
	ErrCategoryInternal ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Schema codes
	CodeInvalidIdentifier = "INVALID_IDENTIFIER"
	CodeUnknownType       = "UNKNOWN_TYPE"
	CodeUnknownField      = "UNKNOWN_FIELD"
	CodeUnknownTable      = "UNKNOWN_TABLE"

	// Layout codes
	CodeImmutableViolation = "IMMUTABLE_VIOLATION"
	CodeDuplicateInResult  = "DUPLICATE_IN_RESULT"

	// Write codes
	CodeWriteFailure = "WRITE_FAILURE"

	// Query codes
	CodeFulltextSyntax    = "FULLTEXT_SYNTAX"
	CodeResolutionFailure = "RESOLUTION_FAILURE"
	CodeExecutionTimeout  = "EXECUTION_TIMEOUT"

	// Catalog codes
	CodeDeploymentNotFound = "DEPLOYMENT_NOT_FOUND"
	CodeCorruptSchema      = "CORRUPT_SCHEMA"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// StoreError is the structured error type used throughout the system.
type StoreError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *StoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *StoreError) Is(target error) bool {
	var t *StoreError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new StoreError.
func New(category ErrorCategory, code, message string) *StoreError {
	return &StoreError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new StoreError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *StoreError {
	return &StoreError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *StoreError) WithDetails(details map[string]interface{}) *StoreError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a StoreError.
func GetCategory(err error) ErrorCategory {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a StoreError.
func GetCode(err error) string {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// isRetryable determines if an error code is retryable. Schema, layout and
// identifier errors indicate a programming or schema-definition defect and
// must never be retried.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryQuery && code == CodeExecutionTimeout:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

// InvalidIdentifier reports a schema name that cannot become a SQL
// identifier.
func InvalidIdentifier(message string) *StoreError {
	return New(ErrCategorySchema, CodeInvalidIdentifier, message)
}

// UnknownType reports a field type that is neither an entity type, an enum,
// nor one of the builtin scalars.
func UnknownType(name string) *StoreError {
	return New(ErrCategorySchema, CodeUnknownType, fmt.Sprintf("unknown field type %q", name))
}

// UnknownField reports a lookup for a field that no column maps.
func UnknownField(table, field string) *StoreError {
	return New(ErrCategorySchema, CodeUnknownField, fmt.Sprintf("table %q has no column for field %q", table, field))
}

// UnknownTable reports a lookup for an entity type that no table maps.
func UnknownTable(entityType string) *StoreError {
	return New(ErrCategorySchema, CodeUnknownTable, fmt.Sprintf("no table for entity type %q", entityType))
}

// ImmutableViolation reports an update or delete against an immutable table.
func ImmutableViolation(entityType, ids string) *StoreError {
	return New(ErrCategoryLayout, CodeImmutableViolation,
		fmt.Sprintf("entities of type %q can not be updated or deleted since they are immutable; entity ids are [%s]", entityType, ids))
}

// WriteFailure annotates a failed write with the table, block, and a
// human-readable row summary so it can be diagnosed without re-running.
func WriteFailure(cause error, entityType string, block int32, rowDetails string) *StoreError {
	e := Wrap(ErrCategoryWrite, CodeWriteFailure,
		fmt.Sprintf("writing to table for %q at block %d: %s", entityType, block, rowDetails), cause)
	e.Details = map[string]interface{}{
		"entity_type": entityType,
		"block":       block,
	}
	return e
}

// ResolutionFailure annotates a failed query with the offending statement
// text, truncated so a pathological bind list cannot blow up logs.
func ResolutionFailure(cause error, statement string) *StoreError {
	const maxLen = 20 * 1024
	if len(statement) > maxLen {
		statement = statement[:maxLen] + " ..."
	}
	return Wrap(ErrCategoryQuery, CodeResolutionFailure,
		fmt.Sprintf("resolving entities, query = %s", statement), cause)
}

// FulltextSyntax surfaces a full-text search syntax error verbatim.
func FulltextSyntax(message string) *StoreError {
	return New(ErrCategoryQuery, CodeFulltextSyntax, message)
}

// Internal reports a condition that the versioning invariants should make
// impossible.
func Internal(format string, args ...interface{}) *StoreError {
	return New(ErrCategoryInternal, CodeUnexpected, fmt.Sprintf(format, args...))
}
