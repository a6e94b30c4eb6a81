// Package errors provides structured error handling for pdfrag.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors (never retried)
//   - 2XX: Storage errors (metadata ledger, vector index, checkpoint)
//   - 3XX: Embedding provider errors
//   - 4XX: Validation and lookup errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryStorage indicates errors from the persisted stores.
	CategoryStorage Category = "STORAGE"
	// CategoryProvider indicates embedding provider errors.
	CategoryProvider Category = "PROVIDER"
	// CategoryValidation indicates input validation and lookup errors.
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
	ErrCodeConfigNotFound     = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid      = "ERR_102_CONFIG_INVALID"
	ErrCodeConfigPermission   = "ERR_103_CONFIG_PERMISSION"
	ErrCodeMissingCredentials = "ERR_104_MISSING_CREDENTIALS"
	ErrCodeUnknownProvider    = "ERR_105_UNKNOWN_PROVIDER"
	ErrCodeUnknownStrategy    = "ERR_106_UNKNOWN_STRATEGY"
	ErrCodeModelMismatch      = "ERR_107_MODEL_MISMATCH"
	ErrCodeProviderRejected   = "ERR_108_PROVIDER_REJECTED"
	ErrCodeWriterLocked       = "ERR_109_WRITER_LOCKED"

	// Storage errors (200-299)
	ErrCodeFileNotFound      = "ERR_201_FILE_NOT_FOUND"
	ErrCodeFilePermission    = "ERR_202_FILE_PERMISSION"
	ErrCodeDiskFull          = "ERR_203_DISK_FULL"
	ErrCodeCheckpointFailed  = "ERR_204_CHECKPOINT_FAILED"
	ErrCodeCorruptIndex      = "ERR_205_CORRUPT_INDEX"
	ErrCodeStoreWriteFailed  = "ERR_206_STORE_WRITE_FAILED"
	ErrCodeCorpusUnavailable = "ERR_207_CORPUS_UNAVAILABLE"
	ErrCodeInconsistentStore = "ERR_208_INCONSISTENT_STORE"

	// Provider errors (300-399)
	ErrCodeNetworkTimeout      = "ERR_301_NETWORK_TIMEOUT"
	ErrCodeNetworkUnavailable  = "ERR_302_NETWORK_UNAVAILABLE"
	ErrCodeProviderServer      = "ERR_303_PROVIDER_SERVER"
	ErrCodeRateLimited         = "ERR_304_RATE_LIMITED"
	ErrCodeProviderUnavailable = "ERR_305_PROVIDER_UNAVAILABLE"
	ErrCodeMalformedResponse   = "ERR_306_MALFORMED_RESPONSE"

	// Validation errors (400-499)
	ErrCodeInvalidInput         = "ERR_401_INVALID_INPUT"
	ErrCodeDimensionMismatch    = "ERR_402_DIMENSION_MISMATCH"
	ErrCodeInvalidQuery         = "ERR_403_INVALID_QUERY"
	ErrCodeQueryEmpty           = "ERR_404_QUERY_EMPTY"
	ErrCodeNotReady             = "ERR_405_NOT_READY"
	ErrCodeInvalidPath          = "ERR_406_INVALID_PATH"
	ErrCodeSourceNotFound       = "ERR_407_SOURCE_NOT_FOUND"
	ErrCodeConfirmationRequired = "ERR_408_CONFIRMATION_REQUIRED"

	// Internal errors (500-599)
	ErrCodeInternal        = "ERR_501_INTERNAL"
	ErrCodeEmbeddingFailed = "ERR_502_EMBEDDING_FAILED"
	ErrCodeSearchFailed    = "ERR_503_SEARCH_FAILED"
	ErrCodeChunkingFailed  = "ERR_504_CHUNKING_FAILED"
	ErrCodeIngestFailed    = "ERR_505_INGEST_FAILED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// Numeric portion, e.g. "101" from "ERR_101_CONFIG_NOT_FOUND"
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStorage
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
	case ErrCodeCorruptIndex, ErrCodeDiskFull, ErrCodeInconsistentStore:
		return SeverityFatal
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode reports whether the code is a transient provider failure.
// Malformed responses share the 3XX range but are never retried.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeNetworkTimeout, ErrCodeNetworkUnavailable, ErrCodeProviderServer,
		ErrCodeRateLimited, ErrCodeProviderUnavailable:
		return true
	default:
		return false
	}
}
