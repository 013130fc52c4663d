package gc

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/marmos91/stategc/pkg/node"
)

func TestErrorClassification(t *testing.T) {
	h := node.HashBytes([]byte("x"))
	corrupt := NewCorruptNodeError(h, errors.New("bad tag"))

	wrapped := fmt.Errorf("mark: %w", corrupt)
	assert.Equal(t, ErrCorruptNode, CodeOf(wrapped))
	assert.True(t, errors.Is(wrapped, &Error{Code: ErrCorruptNode}))
	assert.False(t, errors.Is(wrapped, &Error{Code: ErrIO}))
	assert.Contains(t, corrupt.Error(), h.String())
	assert.Contains(t, corrupt.Error(), "bad tag")

	assert.True(t, Retriable(NewLockTimeoutError("busy")))
	assert.True(t, Retriable(NewIOError("read", errors.New("eio"))))
	assert.False(t, Retriable(corrupt))
	assert.False(t, Retriable(errors.New("plain")))
	assert.Zero(t, CodeOf(nil))
}

func TestIOErrWrapping(t *testing.T) {
	assert.NoError(t, ioErr("x", nil))
	assert.ErrorIs(t, ioErr("x", context.Canceled), context.Canceled)
	assert.False(t, IsCode(ioErr("x", context.Canceled), ErrIO))

	corrupt := NewCorruptNodeError(node.ZeroHash, nil)
	assert.Same(t, corrupt, ioErr("x", corrupt))

	assert.True(t, IsCode(ioErr("read node", errors.New("disk")), ErrIO))
}
