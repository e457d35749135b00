package errors

import "maps"

// ErrorBuilder provides a fluent API for creating ClassifiedError instances.
type ErrorBuilder struct {
	category ErrorCategory
	severity ErrorSeverity
	retry    RetryStrategy
	message  string
	cause    error
	context  ErrorContext
}

// NewError creates a new ErrorBuilder with the specified category and message.
func NewError(category ErrorCategory, message string) *ErrorBuilder {
	return &ErrorBuilder{
		category: category,
		severity: SeverityError,
		retry:    RetryNever,
		message:  message,
		context:  make(ErrorContext),
	}
}

// WrapError creates a new ErrorBuilder that wraps an existing error.
func WrapError(err error, category ErrorCategory, message string) *ErrorBuilder {
	b := NewError(category, message)
	b.cause = err
	return b
}

// WithSeverity sets the error severity.
func (b *ErrorBuilder) WithSeverity(severity ErrorSeverity) *ErrorBuilder {
	b.severity = severity
	return b
}

// WithCause sets the wrapped error.
func (b *ErrorBuilder) WithCause(err error) *ErrorBuilder {
	b.cause = err
	return b
}

// WithContext adds a context key-value pair.
func (b *ErrorBuilder) WithContext(key string, value any) *ErrorBuilder {
	b.context = b.context.Set(key, value)
	return b
}

// WithPath records the file the failure is about. Paths are slash separated
// and relative to the root the caller works in.
func (b *ErrorBuilder) WithPath(p string) *ErrorBuilder {
	return b.WithContext(ContextPath, p)
}

// WithStep records the build step that failed.
func (b *ErrorBuilder) WithStep(step string) *ErrorBuilder {
	return b.WithContext(ContextStep, step)
}

// WithCycle records the cycle sequence number.
func (b *ErrorBuilder) WithCycle(seq uint64) *ErrorBuilder {
	return b.WithContext(ContextCycle, seq)
}

// Fatal sets the severity to fatal.
func (b *ErrorBuilder) Fatal() *ErrorBuilder {
	return b.WithSeverity(SeverityFatal)
}

// Warning sets the severity to warning.
func (b *ErrorBuilder) Warning() *ErrorBuilder {
	return b.WithSeverity(SeverityWarning)
}

// UserAction sets the retry strategy to require user intervention.
func (b *ErrorBuilder) UserAction() *ErrorBuilder {
	b.retry = RetryUserAction
	return b
}

// Build creates the final ClassifiedError. The builder can be reused; later
// calls do not affect errors already built.
func (b *ErrorBuilder) Build() *ClassifiedError {
	return &ClassifiedError{
		category: b.category,
		severity: b.severity,
		retry:    b.retry,
		message:  b.message,
		cause:    b.cause,
		context:  maps.Clone(b.context),
	}
}

// Constructors for the failure taxonomy of a watch session.

// ConfigError creates a configuration error.
func ConfigError(message string) *ErrorBuilder {
	return NewError(CategoryConfig, message).Fatal().UserAction()
}

// ValidationError creates a validation error.
func ValidationError(message string) *ErrorBuilder {
	return NewError(CategoryValidation, message).Fatal()
}

// StepError creates a build step failure, scoped to one cycle.
func StepError(message string) *ErrorBuilder {
	return NewError(CategoryStep, message).UserAction()
}

// WatchError creates a change feed failure. It ends the watch session.
func WatchError(message string) *ErrorBuilder {
	return NewError(CategoryWatch, message).Fatal()
}

// WriteError creates an output store failure, scoped to one artifact.
func WriteError(message string) *ErrorBuilder {
	return NewError(CategoryWrite, message)
}

// ReloadError creates a reload transport failure, local to one client.
func ReloadError(message string) *ErrorBuilder {
	return NewError(CategoryReload, message).Warning()
}

// ProcessError creates a served process supervision failure.
func ProcessError(message string) *ErrorBuilder {
	return NewError(CategoryProcess, message).UserAction()
}

// RuntimeError creates a runtime error.
func RuntimeError(message string) *ErrorBuilder {
	return NewError(CategoryRuntime, message).Fatal()
}

// InternalError creates an internal error.
func InternalError(message string) *ErrorBuilder {
	return NewError(CategoryInternal, message).Fatal()
}
