// Package errors provides structured error handling for the comet stack.
// Every failure surfaced by the poller, the multiplexer, the reliable channel
// or the reference server is a CometError carrying a numeric code, a category
// used for classification, and optional structured data.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"
)

// Category represents the type/category of an error for classification and handling
type Category string

const (
	// CategoryTransient covers failures that the poller retries after a delay
	CategoryTransient Category = "transient"
	// CategoryConflict is a rejected session; the poller starts a new one
	CategoryConflict Category = "conflict"
	// CategoryFatal poisons the poller permanently
	CategoryFatal      Category = "fatal"
	CategoryProtocol   Category = "protocol"
	CategoryHandler    Category = "handler"
	CategoryChannel    Category = "channel"
	CategoryValidation Category = "validation"
	CategoryInternal   Category = "internal"
)

// Severity indicates how critical an error is
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Context provides additional context about where and when an error occurred
type Context struct {
	TransportID string    `json:"transport_id,omitempty"`
	ChannelID   string    `json:"channel_id,omitempty"`
	SendID      uint64    `json:"send_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Component   string    `json:"component,omitempty"`
	Operation   string    `json:"operation,omitempty"`
	TraceID     string    `json:"trace_id,omitempty"`
}

// CometError defines the interface for all errors produced by this module
type CometError interface {
	error

	// Code returns the numeric error code
	Code() int

	// Message returns a human-readable error message
	Message() string

	// Details returns detailed technical description for debugging
	Details() string

	// Data returns structured error data for programmatic handling
	Data() interface{}

	// Category returns the error category for classification
	Category() Category

	// Severity returns the error severity level
	Severity() Severity

	// Context returns the error context information
	Context() *Context

	// WithContext returns a new error with the provided context
	WithContext(ctx *Context) CometError

	// WithDetail returns a new error with additional detail
	WithDetail(detail string) CometError

	// WithData returns a new error with structured data
	WithData(data interface{}) CometError

	// Unwrap returns the underlying error for error chain traversal
	Unwrap() error

	// ToJSON returns the error as a JSON-serializable map
	ToJSON() map[string]interface{}
}

// baseError implements the CometError interface
type baseError struct {
	code     int
	message  string
	details  string
	data     interface{}
	category Category
	severity Severity
	context  *Context
	cause    error
}

// Error implements the error interface
func (e *baseError) Error() string {
	if e.details != "" {
		return fmt.Sprintf("%s: %s", e.message, e.details)
	}
	return e.message
}

// Code returns the numeric error code
func (e *baseError) Code() int {
	return e.code
}

// Message returns the human-readable error message
func (e *baseError) Message() string {
	return e.message
}

// Details returns detailed technical description
func (e *baseError) Details() string {
	return e.details
}

// Data returns structured error data
func (e *baseError) Data() interface{} {
	return e.data
}

// Category returns the error category
func (e *baseError) Category() Category {
	return e.category
}

// Severity returns the error severity
func (e *baseError) Severity() Severity {
	return e.severity
}

// Context returns the error context
func (e *baseError) Context() *Context {
	return e.context
}

// WithContext returns a new error with the provided context
func (e *baseError) WithContext(ctx *Context) CometError {
	newErr := *e
	newErr.context = ctx
	return &newErr
}

// WithDetail returns a new error with additional detail
func (e *baseError) WithDetail(detail string) CometError {
	newErr := *e
	if newErr.details != "" {
		newErr.details = fmt.Sprintf("%s; %s", newErr.details, detail)
	} else {
		newErr.details = detail
	}
	return &newErr
}

// WithData returns a new error with structured data
func (e *baseError) WithData(data interface{}) CometError {
	newErr := *e
	newErr.data = data
	return &newErr
}

// Unwrap returns the underlying error
func (e *baseError) Unwrap() error {
	return e.cause
}

// ToJSON returns the error as a JSON-serializable map
func (e *baseError) ToJSON() map[string]interface{} {
	result := map[string]interface{}{
		"code":     e.code,
		"name":     GetErrorCodeName(e.code),
		"message":  e.message,
		"category": string(e.category),
		"severity": string(e.severity),
	}

	if e.details != "" {
		result["details"] = e.details
	}

	if e.data != nil {
		result["data"] = e.data
	}

	if e.context != nil {
		result["context"] = e.context
	}

	if e.cause != nil {
		result["cause"] = e.cause.Error()
	}

	return result
}

// WrapError wraps an existing error as a CometError
func WrapError(err error, code int, message string, category Category, severity Severity) CometError {
	return &baseError{
		code:     code,
		message:  message,
		category: category,
		severity: severity,
		cause:    err,
		context: &Context{
			Timestamp: time.Now(),
		},
	}
}

// AsCometError finds the first CometError in err's chain
func AsCometError(err error) (CometError, bool) {
	if err == nil {
		return nil, false
	}

	var cErr CometError
	if stderrors.As(err, &cErr) {
		return cErr, true
	}

	return nil, false
}

// IsCometError checks if an error chain contains a CometError
func IsCometError(err error) bool {
	_, ok := AsCometError(err)
	return ok
}

// IsCategory checks if an error is of a specific category
func IsCategory(err error, category Category) bool {
	if cErr, ok := AsCometError(err); ok {
		return cErr.Category() == category
	}
	return false
}

// IsCode checks if an error has a specific error code
func IsCode(err error, code int) bool {
	if cErr, ok := AsCometError(err); ok {
		return cErr.Code() == code
	}
	return false
}

// IsRetryable reports whether the poller would retry after err
func IsRetryable(err error) bool {
	return IsCategory(err, CategoryTransient) || IsCategory(err, CategoryConflict)
}

// MarshalJSON implements json.Marshaler for baseError
func (e *baseError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToJSON())
}
