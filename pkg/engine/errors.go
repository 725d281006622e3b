package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: a backend that did not answer within its budget, an unreachable
	// language-model endpoint.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: missing backend binary, failed verification, policy denial.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the failure for programmatic handling.
	Code string `json:"code,omitempty"`

	// Package is the package being searched for or installed, if applicable.
	Package string `json:"package,omitempty"`

	// Backend is the backend involved, if applicable.
	Backend string `json:"backend,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Package != "" && e.Backend != "":
		msg += fmt.Sprintf(" (package=%s, backend=%s)", e.Package, e.Backend)
	case e.Package != "":
		msg += fmt.Sprintf(" (package=%s)", e.Package)
	case e.Backend != "":
		msg += fmt.Sprintf(" (backend=%s)", e.Backend)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when they share class and code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithPackage adds package context to an error.
func (e *EngineError) WithPackage(name string) *EngineError {
	e.Package = name
	return e
}

// WithBackend adds backend context to an error.
func (e *EngineError) WithBackend(name string) *EngineError {
	e.Backend = name
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Error codes.
const (
	ErrCodeBackendUnavailable       = "BACKEND_UNAVAILABLE"
	ErrCodeBackendTimeout           = "BACKEND_TIMEOUT"
	ErrCodeLanguageModelUnavailable = "LANGUAGE_MODEL_UNAVAILABLE"
	ErrCodeDependencyInstallFailed  = "DEPENDENCY_INSTALL_FAILED"
	ErrCodeCommandExecutionFailed   = "COMMAND_EXECUTION_FAILED"
	ErrCodeVerificationFailed       = "VERIFICATION_FAILED"
	ErrCodePolicyDenied             = "POLICY_DENIED"
	ErrCodeNoBackends               = "NO_BACKENDS"
	ErrCodeInstallInProgress        = "INSTALL_IN_PROGRESS"
	ErrCodeValidation               = "VALIDATION_ERROR"
	ErrCodeCancelled                = "CANCELLED"
)

// Sentinels for errors.Is. Errors built by the constructors below match the
// sentinel with the same class and code.
var (
	ErrBackendUnavailable       = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeBackendUnavailable, Message: "backend unavailable"}
	ErrBackendTimeout           = &EngineError{Class: ErrorClassTransient, Code: ErrCodeBackendTimeout, Message: "backend timed out"}
	ErrLanguageModelUnavailable = &EngineError{Class: ErrorClassTransient, Code: ErrCodeLanguageModelUnavailable, Message: "language model unavailable"}
	ErrDependencyInstallFailed  = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeDependencyInstallFailed, Message: "dependency installation failed"}
	ErrCommandExecutionFailed   = &EngineError{Class: ErrorClassTransient, Code: ErrCodeCommandExecutionFailed, Message: "command execution failed"}
	ErrVerificationFailed       = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeVerificationFailed, Message: "verification failed"}
	ErrPolicyDenied             = &EngineError{Class: ErrorClassPermanent, Code: ErrCodePolicyDenied, Message: "command denied by policy"}
	ErrNoBackends               = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNoBackends, Message: "no usable package backends"}
	ErrInstallInProgress        = &EngineError{Class: ErrorClassTransient, Code: ErrCodeInstallInProgress, Message: "installation already in progress"}
	ErrValidation               = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeValidation, Message: "validation failed"}
)

func newError(class ErrorClass, code, message string, err error) *EngineError {
	return &EngineError{Class: class, Code: code, Message: message, Err: err}
}

// NewBackendUnavailableError reports a backend whose binary is missing or unresponsive.
func NewBackendUnavailableError(backend string, err error) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeBackendUnavailable, "backend unavailable", err).WithBackend(backend)
}

// NewBackendTimeoutError reports a backend that exceeded its time budget.
func NewBackendTimeoutError(backend string, err error) *EngineError {
	return newError(ErrorClassTransient, ErrCodeBackendTimeout, "backend timed out", err).WithBackend(backend)
}

// NewLanguageModelUnavailableError reports a gateway call that could not be served.
func NewLanguageModelUnavailableError(operation string, err error) *EngineError {
	return newError(ErrorClassTransient, ErrCodeLanguageModelUnavailable, "language model unavailable", err).WithOperation(operation)
}

// NewDependencyInstallFailedError reports a failed dependency install; dependency
// is the package that failed, parent the package that required it.
func NewDependencyInstallFailedError(parent, dependency string, err error) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeDependencyInstallFailed,
		fmt.Sprintf("dependency %q failed to install", dependency), err).
		WithPackage(parent).
		WithDetail("dependency", dependency)
}

// NewCommandExecutionFailedError reports a plan command that exited non-zero.
func NewCommandExecutionFailedError(pkg, command string, exitCode int, err error) *EngineError {
	return newError(ErrorClassTransient, ErrCodeCommandExecutionFailed, "command execution failed", err).
		WithPackage(pkg).
		WithDetail("command", command).
		WithDetail("exit_code", exitCode)
}

// NewVerificationFailedError reports a package that is absent after a clean run.
func NewVerificationFailedError(pkg, backend string) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeVerificationFailed,
		"package not present after installation", nil).WithPackage(pkg).WithBackend(backend)
}

// NewPolicyDeniedError reports a command rejected by the command-safety policy.
func NewPolicyDeniedError(pkg, command string, reasons []string) *EngineError {
	return newError(ErrorClassPermanent, ErrCodePolicyDenied, "command denied by policy", nil).
		WithPackage(pkg).
		WithDetail("command", command).
		WithDetail("reasons", reasons)
}

// NewNoBackendsError reports a profile without any usable backend.
func NewNoBackendsError() *EngineError {
	return newError(ErrorClassPermanent, ErrCodeNoBackends, "no usable package backends", nil)
}

// NewInstallInProgressError reports a concurrent install attempt for the same package.
func NewInstallInProgressError(pkg string) *EngineError {
	return newError(ErrorClassTransient, ErrCodeInstallInProgress, "installation already in progress", nil).WithPackage(pkg)
}

// NewValidationError reports invalid input.
func NewValidationError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, ErrCodeValidation, message, err)
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// Code returns the error code of the first EngineError in the chain.
func Code(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
