// Package errors provides structured error handling for kbsync.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Source and storage I/O errors
//   - 3XX: Backend errors
//   - 4XX: Validation errors
//   - 5XX: Sync and internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates source, file and disk I/O errors.
	CategoryIO Category = "IO"
	// CategoryBackend indicates index store or similarity backend errors.
	CategoryBackend Category = "BACKEND"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates sync cycle and unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates an irreversible condition that needs an operator.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates the operation failed but prior state is intact.
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

	// IO errors (200-299)
	ErrCodeSourceUnavailable = "ERR_201_SOURCE_UNAVAILABLE"
	ErrCodeSourceMalformed   = "ERR_202_SOURCE_MALFORMED"
	ErrCodeStoreIO           = "ERR_203_STORE_IO"
	ErrCodeCacheCorrupt      = "ERR_204_CACHE_CORRUPT"

	// Backend errors (300-399)
	ErrCodeBackendUnavailable = "ERR_301_BACKEND_UNAVAILABLE"
	ErrCodeEmbeddingFailed    = "ERR_302_EMBEDDING_FAILED"

	// Validation errors (400-499)
	ErrCodeInvalidInput      = "ERR_401_INVALID_INPUT"
	ErrCodeQueryEmpty        = "ERR_402_QUERY_EMPTY"
	ErrCodeRecordNotFound    = "ERR_403_RECORD_NOT_FOUND"
	ErrCodeDimensionMismatch = "ERR_404_DIMENSION_MISMATCH"

	// Sync and internal errors (500-599)
	ErrCodePartialWrite    = "ERR_501_PARTIAL_WRITE"
	ErrCodeRebuildDataLoss = "ERR_502_REBUILD_DATA_LOSS_RISK"
	ErrCodeConcurrentSync  = "ERR_503_CONCURRENT_SYNC"
	ErrCodeSearchFailed    = "ERR_504_SEARCH_FAILED"
	ErrCodeInternal        = "ERR_505_INTERNAL"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '3':
		return CategoryBackend
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeRebuildDataLoss:
		return SeverityFatal
	case ErrCodeConcurrentSync:
		return SeverityInfo
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}
	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeSourceUnavailable, ErrCodeBackendUnavailable, ErrCodeStoreIO, ErrCodeConcurrentSync:
		return true
	default:
		return false
	}
}
