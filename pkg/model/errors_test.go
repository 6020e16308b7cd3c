package model

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsCanceled(t *testing.T) {
	assert.False(t, IsCanceled(nil))
	assert.True(t, IsCanceled(context.Canceled))
	assert.True(t, IsCanceled(context.DeadlineExceeded))
	assert.True(t, IsCanceled(fmt.Errorf("failed to read document: %w", context.Canceled)))
	assert.True(t, IsCanceled(fmt.Errorf("%w: client went away", ErrCanceled)))
	assert.False(t, IsCanceled(ErrIndexNotReady))
	assert.False(t, IsCanceled(errors.New("disk unavailable")))
}

func TestWrapError_Cancellation(t *testing.T) {
	assert.NoError(t, WrapError(nil))
	assert.Equal(t, ErrCanceled, WrapError(fmt.Errorf("failed to apply change: %w", context.DeadlineExceeded)))

	notFound := fmt.Errorf("%w: %q", ErrNotFound, "a")
	assert.Equal(t, notFound, WrapError(notFound))
}
