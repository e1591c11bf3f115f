package errors

import (
	stderrors "errors"
	"fmt"
)

// KBError is the structured error type for kbsync.
// It carries enough context for logging, alerting and CLI presentation.
type KBError struct {
	// Code is the unique error code (e.g., "ERR_201_SOURCE_UNAVAILABLE").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Backend, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable hint for the operator.
	Suggestion string
}

// Sentinels for errors.Is matching by code.
var (
	ErrSourceUnavailable  = &KBError{Code: ErrCodeSourceUnavailable}
	ErrBackendUnavailable = &KBError{Code: ErrCodeBackendUnavailable}
	ErrPartialWrite       = &KBError{Code: ErrCodePartialWrite}
	ErrRebuildDataLoss    = &KBError{Code: ErrCodeRebuildDataLoss}
	ErrConcurrentSync     = &KBError{Code: ErrCodeConcurrentSync}
	ErrRecordNotFound     = &KBError{Code: ErrCodeRecordNotFound}
	ErrCacheCorrupt       = &KBError{Code: ErrCodeCacheCorrupt}
)

// Error implements the error interface.
func (e *KBError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *KBError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a KBError with the same code.
func (e *KBError) Is(target error) bool {
	if t, ok := target.(*KBError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *KBError) WithDetail(key, value string) *KBError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the operator.
func (e *KBError) WithSuggestion(suggestion string) *KBError {
	e.Suggestion = suggestion
	return e
}

// New creates a new KBError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *KBError {
	return &KBError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a KBError from an existing error, reusing its message.
func Wrap(code string, err error) *KBError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *KBError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *KBError {
	return New(ErrCodeInvalidInput, message, cause)
}

// SourceUnavailable reports a failed or unusable source snapshot.
func SourceUnavailable(message string, cause error) *KBError {
	return New(ErrCodeSourceUnavailable, message, cause).
		WithSuggestion("check the source export path and format; the previous index stays live")
}

// PartialWrite reports that some index mutations of a cycle failed.
func PartialWrite(failed, total int, cause error) *KBError {
	return New(ErrCodePartialWrite,
		fmt.Sprintf("%d of %d index operations failed", failed, total), cause).
		WithDetail("failed", fmt.Sprint(failed)).
		WithDetail("total", fmt.Sprint(total))
}

// RebuildDataLoss reports operator records that could not be restored after a wipe.
func RebuildDataLoss(ids []string, cause error) *KBError {
	return New(ErrCodeRebuildDataLoss,
		fmt.Sprintf("%d operator records could not be restored after full rebuild", len(ids)), cause).
		WithDetail("record_ids", fmt.Sprint(ids)).
		WithSuggestion("re-add the listed operator records before the next sync")
}

// ConcurrentSync reports that another sync cycle holds the index.
func ConcurrentSync(holder string) *KBError {
	return New(ErrCodeConcurrentSync, "another sync cycle is active", nil).
		WithDetail("holder", holder)
}

// BackendUnavailable reports a failed similarity backend call.
func BackendUnavailable(message string, cause error) *KBError {
	return New(ErrCodeBackendUnavailable, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *KBError {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable checks whether any KBError in the chain is retryable.
func IsRetryable(err error) bool {
	var ke *KBError
	if stderrors.As(err, &ke) {
		return ke.Retryable
	}
	return false
}

// IsFatal checks whether the error has fatal severity.
func IsFatal(err error) bool {
	var ke *KBError
	if stderrors.As(err, &ke) {
		return ke.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from the first KBError in the chain.
func GetCode(err error) string {
	var ke *KBError
	if stderrors.As(err, &ke) {
		return ke.Code
	}
	return ""
}
