package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{name: "nil", err: nil, want: ""},
		{name: "wrapped cyclic move", err: fmt.Errorf("moving n1: %w", ErrCyclicMove), want: CodeCyclicMove},
		{name: "invalid id is an invalid command", err: ErrInvalidID, want: CodeInvalidCommand},
		{name: "empty clipboard is an invalid command", err: ErrClipboardEmpty, want: CodeInvalidCommand},
		{name: "no-op move", err: fmt.Errorf("moving a: %w", ErrNoOpMove), want: CodeNoOpMove},
		{name: "original parent missing", err: ErrOriginalParentMissing, want: CodeOriginalParentMissing},
		{name: "validation error", err: &ValidationError{Fields: []FieldError{{Field: "name"}}}, want: CodeValidationFailed},
		{
			name: "malformed payload with field errors",
			err:  fmt.Errorf("createNode: %w: %w", ErrInvalidCommand, &ValidationError{Fields: []FieldError{{Field: "name"}}}),
			want: CodeInvalidCommand,
		},
		{name: "unknown error is a store failure", err: errors.New("disk full"), want: CodeStoreTransactionFailed},
		{name: "detached store", err: ErrStoreDetached, want: CodeStoreTransactionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestIsDomainError(t *testing.T) {
	assert.True(t, IsDomainError(fmt.Errorf("x: %w", ErrNotFound)))
	assert.True(t, IsDomainError(&ValidationError{}))
	assert.False(t, IsDomainError(errors.New("io error")))
	assert.False(t, IsDomainError(ErrStoreTransactionFailed))
	assert.False(t, IsDomainError(nil))
}

func TestResultErrorRoundTrip(t *testing.T) {
	err := &ValidationError{Fields: []FieldError{
		{Field: "name", Rule: "required", Message: "name is required"},
	}}

	re := NewResultError(fmt.Errorf("commit: %w", err))
	require.NotNil(t, re)
	assert.Equal(t, CodeValidationFailed, re.Code)
	assert.Len(t, re.Fields, 1)
	assert.ErrorIs(t, re, ErrValidationFailed)
	assert.NotErrorIs(t, re, ErrNotFound)

	malformed := NewResultError(fmt.Errorf("moveNodes: %w: %w", ErrInvalidCommand, err))
	assert.Equal(t, CodeInvalidCommand, malformed.Code)
	assert.Len(t, malformed.Fields, 1, "field errors still travel with the result")

	res := Failed("cmd-1", ErrCyclicMove)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err(), ErrCyclicMove)
}
