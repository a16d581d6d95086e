package task_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/turnstile/internal/task"
)

func TestError_EqualityIgnoresMessage(t *testing.T) {
	a := task.NewError("network", 3, "connection reset")
	b := task.WrapError("network", 3, errors.New("something else"))
	c := task.NewError("network", 4, "connection reset")

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.True(t, errors.Is(fmt.Errorf("upload: %w", b), a))
	assert.False(t, errors.Is(b, c))
}

func TestAsError(t *testing.T) {
	assert.Nil(t, task.AsError(nil))

	inner := task.NewError("auth", 401, "expired")
	got := task.AsError(fmt.Errorf("wrapped: %w", inner))
	assert.Same(t, inner, got)

	plain := task.AsError(errors.New("boom"))
	assert.Equal(t, task.DomainInternal, plain.Domain)
	assert.Equal(t, task.CodeUnknown, plain.Code)
	assert.Equal(t, "boom", plain.Message)
}

func TestEncodeError_UsesCurrentKeys(t *testing.T) {
	s, err := task.EncodeError(task.WrapError("io", 2, errors.New("eof")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"domain":"io","code":2,"message":"eof","exception":"eof"}`, s)

	empty, err := task.EncodeError(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDecodeError_BothEncodings(t *testing.T) {
	current, err := task.DecodeError(`{"domain":"io","code":2,"message":"eof","exception":"java.lang.Exception: eof"}`)
	require.NoError(t, err)
	assert.Equal(t, "io", current.Domain)
	assert.Equal(t, 2, current.Code)
	assert.Equal(t, "eof", current.Cause.Error())

	legacy, err := task.DecodeError(`{"m_domain":"io","m_code":2,"m_message":"old","m_exception":"java.lang.Exception: broken pipe"}`)
	require.NoError(t, err)
	assert.True(t, legacy.Equal(current))
	assert.Equal(t, "old", legacy.Message)
	assert.Equal(t, "broken pipe", legacy.Cause.Error())

	// Re-encoding a legacy value normalizes it to the current keys.
	s, err := task.EncodeError(legacy)
	require.NoError(t, err)
	assert.JSONEq(t, `{"domain":"io","code":2,"message":"old","exception":"broken pipe"}`, s)
}

func TestDecodeError_EmptyAndUnknown(t *testing.T) {
	e, err := task.DecodeError("")
	require.NoError(t, err)
	assert.Nil(t, e)

	_, err = task.DecodeError(`{"what":"ever"}`)
	require.ErrorIs(t, err, task.ErrUnknownErrorFormat)

	_, err = task.DecodeError(`not json`)
	require.Error(t, err)
}

func TestDecodeLegacyError_RejectsCurrentEncoding(t *testing.T) {
	_, err := task.DecodeLegacyError(`{"domain":"io","code":2}`)
	require.ErrorIs(t, err, task.ErrUnknownErrorFormat)
}
