package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// RagError is the structured error type for pdfrag.
// It provides rich context for error handling, logging, and user presentation.
type RagError struct {
	// Code is the unique error code (e.g., "ERR_407_SOURCE_NOT_FOUND").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Storage, Provider, etc.).
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

	// Candidates lists valid alternatives, sorted, when a lookup fails.
	Candidates []string
}

// Error implements the error interface.
func (e *RagError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *RagError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with RagError.
func (e *RagError) Is(target error) bool {
	if t, ok := target.(*RagError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *RagError) WithDetail(key, value string) *RagError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
// Returns the error for method chaining.
func (e *RagError) WithSuggestion(suggestion string) *RagError {
	e.Suggestion = suggestion
	return e
}

// New creates a new RagError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *RagError {
	return &RagError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a RagError from an existing error.
// The error's message becomes the RagError message.
func Wrap(code string, err error) *RagError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigurationError reports an invalid or missing setting. Never retried.
func ConfigurationError(message string, cause error) *RagError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// TransientProviderError reports a provider failure worth retrying:
// rate limiting, timeouts, server errors, connection failures.
// An unknown or non-provider code falls back to ErrCodeProviderUnavailable.
func TransientProviderError(code string, message string, cause error) *RagError {
	if !isRetryableCode(code) {
		code = ErrCodeProviderUnavailable
	}
	return New(code, message, cause)
}

// MalformedResponseError reports a provider response with the wrong vector
// count or dimensionality.
func MalformedResponseError(message string) *RagError {
	return New(ErrCodeMalformedResponse, message, nil).
		WithSuggestion("Check that the configured model matches the provider's output dimensions")
}

// SourceNotFound reports a removal or lookup target that matches nothing.
// The known sources are attached sorted so callers can offer alternatives.
func SourceNotFound(source string, known []string) *RagError {
	candidates := append([]string(nil), known...)
	sort.Strings(candidates)
	e := New(ErrCodeSourceNotFound, fmt.Sprintf("no chunks found for source %q", source), nil).
		WithDetail("source_file", source)
	e.Candidates = candidates
	if len(candidates) > 0 {
		e.Suggestion = "Known sources: " + strings.Join(candidates, ", ")
	}
	return e
}

// ConfirmationRequired reports a destructive operation attempted without
// explicit confirmation.
func ConfirmationRequired(operation string) *RagError {
	return New(ErrCodeConfirmationRequired, operation+" requires confirmation", nil).
		WithSuggestion("Re-run with --yes or answer 'y' at the prompt")
}

// CorpusUnavailable reports a query against an empty or missing index.
func CorpusUnavailable(message string) *RagError {
	return New(ErrCodeCorpusUnavailable, message, nil).
		WithSuggestion("Run 'pdfrag ingest' to build the corpus")
}

// InconsistentStore reports that the vector index and metadata ledger disagree.
func InconsistentStore(message string) *RagError {
	return New(ErrCodeInconsistentStore, message, nil).
		WithSuggestion("Run 'pdfrag check' for details, then remove and re-ingest the affected sources")
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *RagError {
	return New(ErrCodeInternal, message, cause)
}

// asRagError finds the first RagError in err's chain.
func asRagError(err error) (*RagError, bool) {
	if err == nil {
		return nil, false
	}
	var re *RagError
	if stderrors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
// Returns true if the chain contains a RagError with Retryable set.
func IsRetryable(err error) bool {
	re, ok := asRagError(err)
	return ok && re.Retryable
}

// IsTransient is IsRetryable under the name used by the ingestion pipeline.
func IsTransient(err error) bool {
	return IsRetryable(err)
}

// IsFatal checks if an error has fatal severity.
// Fatal errors should abort the current operation.
func IsFatal(err error) bool {
	re, ok := asRagError(err)
	return ok && re.Severity == SeverityFatal
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool {
	re, ok := asRagError(err)
	return ok && re.Category == CategoryConfig
}

// IsMalformed reports whether err is a malformed provider response.
func IsMalformed(err error) bool {
	return GetCode(err) == ErrCodeMalformedResponse
}

// IsNotFound reports whether err is a source lookup miss.
func IsNotFound(err error) bool {
	return GetCode(err) == ErrCodeSourceNotFound
}

// IsConfirmationRequired reports whether err rejected an unconfirmed removal.
func IsConfirmationRequired(err error) bool {
	return GetCode(err) == ErrCodeConfirmationRequired
}

// IsCorpusUnavailable reports whether err signals an empty corpus.
func IsCorpusUnavailable(err error) bool {
	return GetCode(err) == ErrCodeCorpusUnavailable
}

// IsInconsistent reports whether err signals dual-store divergence.
func IsInconsistent(err error) bool {
	return GetCode(err) == ErrCodeInconsistentStore
}

// GetCode extracts the error code from the first RagError in the chain.
// Returns empty string if there is none.
func GetCode(err error) string {
	if re, ok := asRagError(err); ok {
		return re.Code
	}
	return ""
}

// GetCategory extracts the category from the first RagError in the chain.
// Returns empty string if there is none.
func GetCategory(err error) Category {
	if re, ok := asRagError(err); ok {
		return re.Category
	}
	return ""
}

// GetCandidates returns the sorted alternatives carried by a lookup error.
func GetCandidates(err error) []string {
	if re, ok := asRagError(err); ok {
		return re.Candidates
	}
	return nil
}

// GetMessage returns the message of the first RagError in the chain, or
// err.Error() for plain errors.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}
	if re, ok := asRagError(err); ok {
		return re.Message
	}
	return err.Error()
}

// GetSuggestion returns the suggestion carried by the first RagError.
func GetSuggestion(err error) string {
	if re, ok := asRagError(err); ok {
		return re.Suggestion
	}
	return ""
}
