// Package errors provides structured error handling for the retrieval engine.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: IO errors (checkpoints, indexes)
//   - 3XX: Network and backend errors
//   - 4XX: Validation errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates checkpoint and index I/O errors.
	CategoryIO Category = "IO"
	// CategoryNetwork indicates backend, LLM and embedding provider errors.
	CategoryNetwork Category = "NETWORK"
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
	ErrCodePreflight      = "ERR_103_PREFLIGHT_FAILED"

	// IO errors (200-299)
	ErrCodeCheckpointIO      = "ERR_201_CHECKPOINT_IO"
	ErrCodeCheckpointCorrupt = "ERR_202_CHECKPOINT_CORRUPT"
	ErrCodeIndexOpen         = "ERR_203_INDEX_OPEN"
	ErrCodeLockHeld          = "ERR_204_LOCK_HELD"
	ErrCodeFileNotFound      = "ERR_205_FILE_NOT_FOUND"
	ErrCodeFileWrite         = "ERR_206_FILE_WRITE"

	// Network and backend errors (300-399)
	ErrCodeBackendTimeout     = "ERR_301_BACKEND_TIMEOUT"
	ErrCodeBackendUnavailable = "ERR_302_BACKEND_UNAVAILABLE"
	ErrCodeLLMUnavailable     = "ERR_303_LLM_UNAVAILABLE"
	ErrCodeEmbeddingFailed    = "ERR_304_EMBEDDING_FAILED"

	// Validation errors (400-499)
	ErrCodeInvalidArgument   = "ERR_401_INVALID_ARGUMENT"
	ErrCodeDimensionMismatch = "ERR_402_DIMENSION_MISMATCH"
	ErrCodeQueryEmpty        = "ERR_403_QUERY_EMPTY"
	ErrCodeJudgeParse        = "ERR_404_JUDGE_PARSE"

	// Internal errors (500-599)
	ErrCodeInternal          = "ERR_501_INTERNAL"
	ErrCodeAllBackendsFailed = "ERR_502_ALL_BACKENDS_FAILED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// "101" from "ERR_101_CONFIG_NOT_FOUND"
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '3':
		return CategoryNetwork
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeInvalidArgument, ErrCodeCheckpointCorrupt:
		return SeverityFatal
	case ErrCodeJudgeParse, ErrCodeAllBackendsFailed:
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
	case ErrCodeBackendTimeout, ErrCodeBackendUnavailable, ErrCodeLLMUnavailable, ErrCodeEmbeddingFailed, ErrCodeLockHeld:
		return true
	default:
		return false
	}
}
