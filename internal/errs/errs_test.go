package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	t.Run("typed error", func(t *testing.T) {
		err := Resource(CodeQuotaExceeded, "session quota spent", nil)
		require.Equal(t, KindResource, KindOf(err))
		require.Equal(t, CodeQuotaExceeded, CodeOf(err))
	})

	t.Run("wrapped typed error", func(t *testing.T) {
		inner := Validation(CodeSADExpired, "token expired", nil)
		err := fmt.Errorf("validate SAD: %w", inner)
		require.Equal(t, KindValidation, KindOf(err))
		require.Equal(t, CodeSADExpired, CodeOf(err))
	})

	t.Run("untyped error is invariant", func(t *testing.T) {
		err := errors.New("boom")
		require.Equal(t, KindInvariant, KindOf(err))
		require.Empty(t, CodeOf(err))
	})
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := External(CodeCAUnavailable, "create end entity", inner)
	require.ErrorIs(t, err, inner)
	require.True(t, IsKind(err, KindExternal))
	require.False(t, IsKind(err, KindValidation))
}
