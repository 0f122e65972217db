package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	base := errors.New("connection refused")
	err := Wrap(CodeTransport, "dial upstream", base)

	assert.Equal(t, "[TRANSPORT] dial upstream: connection refused", err.Error())
	assert.True(t, errors.Is(err, base))
}

func TestIsMatchesByCode(t *testing.T) {
	a := New(CodePoolTimeout, "acquire timed out after 6h")
	b := New(CodePoolTimeout, "acquire timed out after 30s")

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, New(CodeTransport, "x")))
}

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("during acquire: %w", New(CodePoolTimeout, "timeout"))
	require.Equal(t, CodePoolTimeout, CodeOf(wrapped))
	require.Equal(t, Code(""), CodeOf(errors.New("plain")))
}

func TestRetriableAndFatal(t *testing.T) {
	cases := []struct {
		code      Code
		retriable bool
		fatal     bool
	}{
		{CodePoolTimeout, true, false},
		{CodeTransport, true, false},
		{CodeMappingAborted, false, true},
		{CodeReorgTooDeep, false, true},
		{CodeConstraintViolation, false, true},
		{CodeNotFound, false, false},
	}
	for _, tc := range cases {
		err := New(tc.code, "x")
		assert.Equal(t, tc.retriable, Retriable(err), tc.code)
		assert.Equal(t, tc.fatal, Fatal(err), tc.code)
	}
}

func TestNotFoundHelpers(t *testing.T) {
	err := NotFound("deployment Qm... not found")
	assert.True(t, IsNotFound(err))
	assert.False(t, IsNotFound(errors.New("other")))
}
