package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeFingerprint(t *testing.T) {
	const want = "AB:CD:EF:01:23:45"

	t.Run("colon separated uppercase", func(t *testing.T) {
		got, err := NormalizeFingerprint("AB:CD:EF:01:23:45")
		require.NoError(t, err)
		require.Equal(t, want, got)
	})

	t.Run("colon separated lowercase", func(t *testing.T) {
		got, err := NormalizeFingerprint("ab:cd:ef:01:23:45")
		require.NoError(t, err)
		require.Equal(t, want, got)
	})

	t.Run("concatenated", func(t *testing.T) {
		got, err := NormalizeFingerprint("abcdef012345")
		require.NoError(t, err)
		require.Equal(t, want, got)
	})

	t.Run("space separated mixed case", func(t *testing.T) {
		got, err := NormalizeFingerprint("Ab cD Ef 01 23 45")
		require.NoError(t, err)
		require.Equal(t, want, got)
	})

	t.Run("idempotent", func(t *testing.T) {
		once, err := NormalizeFingerprint("ab:cd:ef:01:23:45")
		require.NoError(t, err)
		twice, err := NormalizeFingerprint(once)
		require.NoError(t, err)
		require.Equal(t, once, twice)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := NormalizeFingerprint("")
		require.Error(t, err)
	})

	t.Run("non-hex characters", func(t *testing.T) {
		_, err := NormalizeFingerprint("zz:yy")
		require.Error(t, err)
	})

	t.Run("odd digit count", func(t *testing.T) {
		_, err := NormalizeFingerprint("abc")
		require.Error(t, err)
	})
}
