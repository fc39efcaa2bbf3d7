// Package errors wraps the standard library errors package with a builder that
// attaches a component, a category and structured context to an error, and
// hands every built error to an optional process-wide reporter.
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
)

// ErrorCategory classifies an error for logging and telemetry.
type ErrorCategory string

const (
	CategoryValidation ErrorCategory = "validation"
	CategoryNetwork    ErrorCategory = "network"
	CategoryCache      ErrorCategory = "cache"
	CategoryInstall    ErrorCategory = "install"
	CategoryPush       ErrorCategory = "push"
	CategoryConfig     ErrorCategory = "config"
	CategoryStorage    ErrorCategory = "storage"
	CategoryGeneric    ErrorCategory = "generic"
)

// EnhancedError is an error carrying component, category and context.
type EnhancedError struct {
	Err       error
	component string
	category  ErrorCategory
	context   map[string]any
}

func (e *EnhancedError) Error() string {
	if e.Err == nil {
		return string(e.category)
	}
	return e.Err.Error()
}

// Unwrap exposes the wrapped cause to errors.Is and errors.As.
func (e *EnhancedError) Unwrap() error { return e.Err }

// GetComponent returns the component that produced the error.
func (e *EnhancedError) GetComponent() string { return e.component }

// GetCategory returns the error category.
func (e *EnhancedError) GetCategory() ErrorCategory { return e.category }

// GetContext returns a copy of the structured context.
func (e *EnhancedError) GetContext() map[string]any {
	return maps.Clone(e.context)
}

// Details renders the context as sorted key=value pairs.
func (e *EnhancedError) Details() string {
	keys := slices.Sorted(maps.Keys(e.context))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, e.context[k]))
	}
	return strings.Join(parts, " ")
}

// ErrorBuilder assembles an EnhancedError.
type ErrorBuilder struct {
	err *EnhancedError
}

// New starts a builder wrapping err.
func New(err error) *ErrorBuilder {
	return &ErrorBuilder{err: &EnhancedError{
		Err:      err,
		category: CategoryGeneric,
		context:  make(map[string]any),
	}}
}

// Newf starts a builder around a formatted message. %w verbs wrap as usual.
func Newf(format string, args ...any) *ErrorBuilder {
	return New(fmt.Errorf(format, args...))
}

// Component sets the producing component.
func (b *ErrorBuilder) Component(name string) *ErrorBuilder {
	b.err.component = name
	return b
}

// Category sets the error category.
func (b *ErrorBuilder) Category(c ErrorCategory) *ErrorBuilder {
	b.err.category = c
	return b
}

// Context attaches a key/value pair.
func (b *ErrorBuilder) Context(key string, value any) *ErrorBuilder {
	b.err.context[key] = value
	return b
}

// Build finalizes the error and passes it to the registered reporter.
func (b *ErrorBuilder) Build() *EnhancedError {
	report(b.err)
	return b.err
}

// Reporter receives every built error, e.g. for Sentry.
type Reporter interface {
	Report(err *EnhancedError)
}

var (
	reporterMu sync.RWMutex
	reporter   Reporter
)

// SetReporter installs the process-wide reporter. Passing nil disables reporting.
func SetReporter(r Reporter) {
	reporterMu.Lock()
	defer reporterMu.Unlock()
	reporter = r
}

func report(err *EnhancedError) {
	reporterMu.RLock()
	r := reporter
	reporterMu.RUnlock()
	if r != nil {
		r.Report(err)
	}
}

// IsCategory reports whether any EnhancedError in err's chain has category c.
func IsCategory(err error, c ErrorCategory) bool {
	var ee *EnhancedError
	for err != nil {
		if !stderrors.As(err, &ee) {
			return false
		}
		if ee.category == c {
			return true
		}
		err = ee.Err
	}
	return false
}

// Re-exports so callers need a single errors import.
var (
	Is     = stderrors.Is
	As     = stderrors.As
	Join   = stderrors.Join
	Unwrap = stderrors.Unwrap
)

// NewStd creates a plain sentinel error.
func NewStd(text string) error { return stderrors.New(text) }
