package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{name: "uuid", in: "0190d2c4-6a3e-7c1d-9b7a-2f4a1e3b5c6d", want: true},
		{name: "short token", in: "n1", want: true},
		{name: "empty", in: "", want: false},
		{name: "embedded space", in: "a b", want: false},
		{name: "newline", in: "a\nb", want: false},
		{name: "too long", in: strings.Repeat("x", MaxIDLength+1), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidID(tt.in))
		})
	}
}

func TestParseNodeIDs(t *testing.T) {
	ids, err := ParseNodeIDs([]string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []NodeID{"a", "b"}, ids)

	_, err = ParseNodeIDs([]string{"a", ""})
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestNewIDsAreDistinctAndValid(t *testing.T) {
	a, b := NewNodeID(), NewNodeID()
	assert.NotEqual(t, a, b)
	assert.True(t, ValidID(string(a)))
	assert.True(t, ValidID(string(NewWorkingCopyID())))
	assert.True(t, ValidID(string(NewCommandID())))
}
