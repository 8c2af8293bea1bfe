// Package errorsx provides the structured error taxonomy shared by every
// store and pipeline in the knowledge-base engine.
package errorsx

import "fmt"

// Kind classifies a KBError for propagation policy: callers switch on Kind,
// not on message text.
type Kind string

const (
	// NotInitialized means a store or index was used before Open/Load.
	NotInitialized Kind = "NOT_INITIALIZED"
	// InvalidInput means the caller passed a value the contract rejects
	// (empty query, wrong dimensions, unknown source id).
	InvalidInput Kind = "INVALID_INPUT"
	// ResourceUnavailable means a dependency (disk, embedder, lock) could
	// not be reached right now but the request itself was fine.
	ResourceUnavailable Kind = "RESOURCE_UNAVAILABLE"
	// Transient means the operation failed in a way a retry might resolve.
	Transient Kind = "TRANSIENT"
	// Corruption means on-disk state failed an integrity check.
	Corruption Kind = "CORRUPTION"
	// NotFound means a requested id does not exist.
	NotFound Kind = "NOT_FOUND"
)

// KBError is the structured error type returned by every package in this
// module. Code is a short stable identifier; Message is human readable.
type KBError struct {
	Kind      Kind
	Code      string
	Message   string
	Details   map[string]string
	Cause     error
	Retryable bool
}

func (e *KBError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *KBError) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is match two KBErrors by Kind and Code.
func (e *KBError) Is(target error) bool {
	t, ok := target.(*KBError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// WithDetail attaches a key-value detail and returns the error for chaining.
func (e *KBError) WithDetail(key, value string) *KBError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New builds a KBError of the given kind. Retryable defaults to the
// kind's usual policy (Transient and ResourceUnavailable are retryable).
func New(kind Kind, code, message string, cause error) *KBError {
	return &KBError{
		Kind:      kind,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: kind == Transient || kind == ResourceUnavailable,
	}
}

// Wrap is New with the cause's own message reused as Message.
func Wrap(kind Kind, code string, err error) *KBError {
	if err == nil {
		return nil
	}
	return New(kind, code, err.Error(), err)
}

// IsKind reports whether err is a *KBError of the given kind.
func IsKind(err error, kind Kind) bool {
	var ke *KBError
	if e, ok := err.(*KBError); ok {
		ke = e
	} else {
		return false
	}
	return ke.Kind == kind
}

// IsRetryable reports whether err is a *KBError marked retryable.
func IsRetryable(err error) bool {
	if ke, ok := err.(*KBError); ok {
		return ke.Retryable
	}
	return false
}

// GetKind extracts the Kind, or "" if err is not a *KBError.
func GetKind(err error) Kind {
	if ke, ok := err.(*KBError); ok {
		return ke.Kind
	}
	return ""
}

// Common constructors mirroring the shapes every package needs repeatedly.

func NotInitializedf(code, format string, args ...any) *KBError {
	return New(NotInitialized, code, fmt.Sprintf(format, args...), nil)
}

func InvalidInputf(code, format string, args ...any) *KBError {
	return New(InvalidInput, code, fmt.Sprintf(format, args...), nil)
}

func NotFoundf(code, format string, args ...any) *KBError {
	return New(NotFound, code, fmt.Sprintf(format, args...), nil)
}

func CorruptionWrap(code string, err error) *KBError {
	return Wrap(Corruption, code, err)
}

func TransientWrap(code string, err error) *KBError {
	return Wrap(Transient, code, err)
}

func ResourceUnavailableWrap(code string, err error) *KBError {
	return Wrap(ResourceUnavailable, code, err)
}
