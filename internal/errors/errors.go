package errors

import (
	"errors"
	"fmt"
)

// EngineError is the structured error type for the freshness engine.
// It carries enough context for retry decisions, logging, and user presentation.
type EngineError struct {
	// Code is the unique error code (e.g., "ERR_208_LOCK_CONFLICT").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Provider, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is matches another EngineError by code, so errors.Is works against sentinel values.
func (e *EngineError) Is(target error) bool {
	if t, ok := target.(*EngineError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *EngineError) WithDetail(key, value string) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *EngineError) WithSuggestion(suggestion string) *EngineError {
	e.Suggestion = suggestion
	return e
}

// New creates a new EngineError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *EngineError {
	return &EngineError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates an EngineError from an existing error.
func Wrap(code string, err error) *EngineError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// Sentinels for errors.Is comparisons against the taxonomy.
var (
	ErrTransientIO             = &EngineError{Code: ErrCodeTransientIO}
	ErrLockConflict            = &EngineError{Code: ErrCodeLockConflict}
	ErrProviderUnavailable     = &EngineError{Code: ErrCodeProviderUnavailable}
	ErrConfigDrift             = &EngineError{Code: ErrCodeConfigDrift}
	ErrHistoryUnavailable      = &EngineError{Code: ErrCodeHistoryUnavailable}
	ErrCorruptFingerprintStore = &EngineError{Code: ErrCodeCorruptFingerprintStore}
	ErrBudgetExhausted         = &EngineError{Code: ErrCodeBudgetExhausted}
)

// TransientIOError creates a retryable I/O error for a single path.
func TransientIOError(path string, cause error) *EngineError {
	return New(ErrCodeTransientIO, fmt.Sprintf("transient I/O error on %s", path), cause).
		WithDetail("path", path)
}

// LockConflictError reports that the workspace lock could not be acquired in time.
func LockConflictError(lockPath string, cause error) *EngineError {
	return New(ErrCodeLockConflict, "workspace lock is held by another writer", cause).
		WithDetail("lock", lockPath)
}

// WorkspaceOwnedError reports that another coordinator owns the workspace.
func WorkspaceOwnedError(root, lockPath string) *EngineError {
	return New(ErrCodeWorkspaceOwned, "workspace is owned by another freshness process", nil).
		WithDetail("root", root).
		WithDetail("lock", lockPath).
		WithSuggestion("Use the running watcher, or stop it with 'freshness stop'")
}

// ProviderUnavailableError reports that a collaborator cannot serve requests.
func ProviderUnavailableError(provider string, cause error) *EngineError {
	return New(ErrCodeProviderUnavailable, fmt.Sprintf("provider %s is unavailable", provider), cause).
		WithDetail("provider", provider).
		WithSuggestion("Affected artifacts are flagged until the provider recovers")
}

// ConfigDriftError reports that include/exclude rules changed since the last reconcile.
func ConfigDriftError(stored, current string) *EngineError {
	return New(ErrCodeConfigDrift, "include/exclude rules changed since last reconcile", nil).
		WithDetail("stored_hash", stored).
		WithDetail("current_hash", current).
		WithSuggestion("A full sweep will run to re-establish the cursor")
}

// HistoryUnavailableError reports that the git fast path cannot diff from the cursor.
func HistoryUnavailableError(commit string, cause error) *EngineError {
	return New(ErrCodeHistoryUnavailable, fmt.Sprintf("git history unavailable from %s", commit), cause).
		WithDetail("commit", commit)
}

// CorruptStoreError reports an unusable fingerprint store.
func CorruptStoreError(path string, cause error) *EngineError {
	return New(ErrCodeCorruptFingerprintStore, "fingerprint store is corrupt", cause).
		WithDetail("path", path).
		WithSuggestion("The store will be rebuilt from a forced full sweep")
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *EngineError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *EngineError {
	return New(ErrCodeInvalidInput, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *EngineError {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable reports whether any EngineError in the chain is retryable.
func IsRetryable(err error) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
func IsFatal(err error) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from the first EngineError in the chain.
// Returns empty string if there is none.
func GetCode(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// GetCategory extracts the category from the first EngineError in the chain.
func GetCategory(err error) Category {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Category
	}
	return ""
}
