package kberr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DerivesCategoryFromCode(t *testing.T) {
	tests := []struct {
		code     string
		category Category
	}{
		{ErrCodeMissingParam, CategoryValidation},
		{ErrCodeDocumentNotFound, CategoryNotFound},
		{ErrCodeConfigMismatch, CategoryConflict},
		{ErrCodeEmbeddingUnavailable, CategoryTransient},
		{ErrCodeDimensionMismatch, CategoryIntegrity},
		{ErrCodeSourceUnreadable, CategoryFilesystem},
		{ErrCodeInternal, CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "boom", nil)
			assert.Equal(t, tt.category, err.Category)
		})
	}
}

func TestError_Message(t *testing.T) {
	err := Conflict(ErrCodeConfigMismatch, "embedding configuration mismatch, rebuild required")
	assert.Equal(t, "[ERR_301_VECTOR_CONFIG_MISMATCH] embedding configuration mismatch, rebuild required", err.Error())
}

func TestError_UnwrapAndIs(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Transient("embedding request failed", cause)

	require.ErrorIs(t, err, cause)
	assert.True(t, errors.Is(err, &Error{Code: ErrCodeEmbeddingUnavailable}))
	assert.False(t, errors.Is(err, &Error{Code: ErrCodeConfigMismatch}))
}

func TestIsRetryable_OnlyTransient(t *testing.T) {
	assert.True(t, IsRetryable(Transient("429 from backend", nil)))
	assert.False(t, IsRetryable(Integrity(ErrCodeDimensionMismatch, "dimension changed")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestCategoryOf_WrappedChain(t *testing.T) {
	inner := Validation("kbId is required")
	wrapped := fmt.Errorf("dispatch: %w", inner)

	assert.Equal(t, CategoryValidation, CategoryOf(wrapped))
	assert.Equal(t, ErrCodeMissingParam, CodeOf(wrapped))
	assert.Equal(t, CategoryInternal, CategoryOf(errors.New("plain")))
}

func TestWrap_NilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(ErrCodeInternal, nil))
}
