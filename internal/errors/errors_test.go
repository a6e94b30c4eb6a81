package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRagError_Unwrap_PreservesOriginalError(t *testing.T) {
	// Given: an original error
	originalErr := errors.New("original error")

	// When: wrapping with RagError
	ragErr := New(ErrCodeStoreWriteFailed, "write metadata.json", originalErr)

	// Then: unwrapping returns original error
	require.NotNil(t, ragErr)
	assert.Equal(t, originalErr, errors.Unwrap(ragErr))
	assert.True(t, errors.Is(ragErr, originalErr))
}

func TestRagError_Error_ReturnsFormattedMessage(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		message  string
		expected string
	}{
		{
			name:     "config error",
			code:     ErrCodeMissingCredentials,
			message:  "VOYAGE_API_KEY is not set",
			expected: "[ERR_104_MISSING_CREDENTIALS] VOYAGE_API_KEY is not set",
		},
		{
			name:     "provider error",
			code:     ErrCodeRateLimited,
			message:  "429 from voyage",
			expected: "[ERR_304_RATE_LIMITED] 429 from voyage",
		},
		{
			name:     "lookup error",
			code:     ErrCodeSourceNotFound,
			message:  "no chunks",
			expected: "[ERR_407_SOURCE_NOT_FOUND] no chunks",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message, nil)
			assert.Equal(t, tt.expected, err.Error())
		})
	}
}

func TestRagError_Is_MatchesByCode(t *testing.T) {
	// Given: two errors with same code and one with another code
	err1 := New(ErrCodeSourceNotFound, "a.pdf", nil)
	err2 := New(ErrCodeSourceNotFound, "b.pdf", nil)
	err3 := New(ErrCodeConfigInvalid, "bad", nil)

	// Then: matching is by code only
	assert.True(t, errors.Is(err1, err2))
	assert.False(t, errors.Is(err1, err3))
}

func TestNew_DerivesCategorySeverityAndRetryable(t *testing.T) {
	tests := []struct {
		code      string
		category  Category
		severity  Severity
		retryable bool
	}{
		{ErrCodeUnknownProvider, CategoryConfig, SeverityError, false},
		{ErrCodeCorpusUnavailable, CategoryStorage, SeverityError, false},
		{ErrCodeInconsistentStore, CategoryStorage, SeverityFatal, false},
		{ErrCodeRateLimited, CategoryProvider, SeverityWarning, true},
		{ErrCodeNetworkTimeout, CategoryProvider, SeverityWarning, true},
		{ErrCodeMalformedResponse, CategoryProvider, SeverityError, false},
		{ErrCodeSourceNotFound, CategoryValidation, SeverityError, false},
		{ErrCodeInternal, CategoryInternal, SeverityError, false},
		{"BAD", CategoryInternal, SeverityError, false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "msg", nil)
			assert.Equal(t, tt.category, err.Category)
			assert.Equal(t, tt.severity, err.Severity)
			assert.Equal(t, tt.retryable, err.Retryable)
		})
	}
}

func TestTransientProviderError_CoercesNonRetryableCode(t *testing.T) {
	// Given: a non-transient code passed by mistake
	err := TransientProviderError(ErrCodeConfigInvalid, "boom", nil)

	// Then: the error is still transient
	assert.Equal(t, ErrCodeProviderUnavailable, err.Code)
	assert.True(t, IsTransient(err))
}

func TestSourceNotFound_CarriesSortedCandidates(t *testing.T) {
	// Given: known sources out of order
	known := []string{"zeta.pdf", "alpha.pdf", "mid.pdf"}

	// When: building the lookup error
	err := SourceNotFound("missing.pdf", known)

	// Then: candidates are sorted and the input slice is untouched
	assert.Equal(t, []string{"alpha.pdf", "mid.pdf", "zeta.pdf"}, err.Candidates)
	assert.Equal(t, "zeta.pdf", known[0])
	assert.Equal(t, "missing.pdf", err.Details["source_file"])
	assert.True(t, IsNotFound(err))
}

func TestPredicates_WorkThroughWrapping(t *testing.T) {
	// Given: taxonomy errors wrapped with fmt.Errorf
	wrap := func(err error) error { return fmt.Errorf("batch 3 of a.pdf: %w", err) }

	// Then: every predicate sees through the wrapper
	assert.True(t, IsTransient(wrap(TransientProviderError(ErrCodeRateLimited, "429", nil))))
	assert.True(t, IsConfiguration(wrap(ConfigurationError("bad", nil))))
	assert.True(t, IsConfiguration(wrap(New(ErrCodeModelMismatch, "mix", nil))))
	assert.True(t, IsMalformed(wrap(MalformedResponseError("2 vectors for 3 inputs"))))
	assert.True(t, IsCorpusUnavailable(wrap(CorpusUnavailable("empty"))))
	assert.True(t, IsInconsistent(wrap(InconsistentStore("diverged"))))
	assert.True(t, IsFatal(wrap(InconsistentStore("diverged"))))
	assert.True(t, IsConfirmationRequired(wrap(ConfirmationRequired("remove"))))
	assert.Equal(t, []string{"a.pdf"}, GetCandidates(wrap(SourceNotFound("x", []string{"a.pdf"}))))
}

func TestPredicates_NilAndPlainErrors(t *testing.T) {
	plain := errors.New("plain")

	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(plain))
	assert.False(t, IsConfiguration(plain))
	assert.Empty(t, GetCode(plain))
	assert.Empty(t, GetCategory(nil))
	assert.Nil(t, GetCandidates(plain))
	assert.Nil(t, Wrap(ErrCodeInternal, nil))
}

func TestWithDetail_Chains(t *testing.T) {
	err := New(ErrCodeEmbeddingFailed, "embed", nil).
		WithDetail("provider", "voyage").
		WithDetail("source_file", "a.pdf")

	assert.Equal(t, map[string]string{"provider": "voyage", "source_file": "a.pdf"}, err.Details)
}

func TestGetMessageAndSuggestion(t *testing.T) {
	// Given: a wrapped RagError with a suggestion
	err := fmt.Errorf("ingest: %w", CorpusUnavailable("no corpus at /tmp/x"))

	// Then: message and suggestion come from the RagError, not the wrapper
	assert.Equal(t, "no corpus at /tmp/x", GetMessage(err))
	assert.Equal(t, "Run 'pdfrag ingest' to build the corpus", GetSuggestion(err))

	// And: plain errors fall back to their text
	assert.Equal(t, "plain", GetMessage(errors.New("plain")))
	assert.Empty(t, GetSuggestion(errors.New("plain")))
	assert.Empty(t, GetMessage(nil))
}
