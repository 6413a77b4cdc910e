package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassOfExtractsWrappedClass(t *testing.T) {
	t.Parallel()

	err := NewFetchError(FailureBlocked, errors.New("403 from target"))
	require.Equal(t, FailureBlocked, ClassOf(err))

	wrapped := fmt.Errorf("processing item: %w", err)
	require.Equal(t, FailureBlocked, ClassOf(wrapped))
}

func TestClassOfDefaultsToTransient(t *testing.T) {
	t.Parallel()

	require.Equal(t, FailureTransient, ClassOf(errors.New("something odd")))
}

func TestFetchErrorUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp: connection refused")
	err := NewFetchError(FailureTransient, cause)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "transient")
	require.Contains(t, err.Error(), "connection refused")
}
