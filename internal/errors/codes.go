// Package errors provides structured error handling for the freshness engine.
//
// Error codes follow the pattern ERR_NNN_DESCRIPTION where:
//   - 1XX: Configuration errors (including rule drift)
//   - 2XX: IO and storage errors (files, locks, git history, fingerprint store)
//   - 3XX: Collaborator errors (parser, embedding provider)
//   - 4XX: Validation errors
//   - 5XX: Internal errors (reconciliation, recovery budget)
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates file, lock, and store errors.
	CategoryIO Category = "IO"
	// CategoryProvider indicates failures of an external collaborator.
	CategoryProvider Category = "PROVIDER"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
	// SeverityInfo indicates informational only.
	SeverityInfo Severity = "INFO"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"
	ErrCodeConfigDrift    = "ERR_104_CONFIG_DRIFT"

	// IO errors (200-299)
	ErrCodeFileNotFound            = "ERR_201_FILE_NOT_FOUND"
	ErrCodeFilePermission          = "ERR_202_FILE_PERMISSION"
	ErrCodeCorruptFingerprintStore = "ERR_205_CORRUPT_FINGERPRINT_STORE"
	ErrCodeTransientIO             = "ERR_207_TRANSIENT_IO"
	ErrCodeLockConflict            = "ERR_208_LOCK_CONFLICT"
	ErrCodeHistoryUnavailable      = "ERR_209_HISTORY_UNAVAILABLE"
	ErrCodeExtractionFailed        = "ERR_210_EXTRACTION_FAILED"
	ErrCodeWorkspaceOwned          = "ERR_211_WORKSPACE_OWNED"

	// Provider errors (300-399)
	ErrCodeProviderTimeout     = "ERR_301_PROVIDER_TIMEOUT"
	ErrCodeProviderUnavailable = "ERR_304_PROVIDER_UNAVAILABLE"

	// Validation errors (400-499)
	ErrCodeInvalidInput = "ERR_401_INVALID_INPUT"
	ErrCodeInvalidPath  = "ERR_406_INVALID_PATH"

	// Internal errors (500-599)
	ErrCodeInternal        = "ERR_501_INTERNAL"
	ErrCodeReconcileFailed = "ERR_506_RECONCILE_FAILED"
	ErrCodeBudgetExhausted = "ERR_507_BUDGET_EXHAUSTED"
	ErrCodeNotRunning      = "ERR_508_NOT_RUNNING"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// "104" from "ERR_104_CONFIG_DRIFT"
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '3':
		return CategoryProvider
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeCorruptFingerprintStore:
		return SeverityFatal
	case ErrCodeHistoryUnavailable, ErrCodeExtractionFailed:
		return SeverityWarning
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeTransientIO, ErrCodeLockConflict, ErrCodeProviderTimeout, ErrCodeProviderUnavailable:
		return true
	default:
		return false
	}
}
