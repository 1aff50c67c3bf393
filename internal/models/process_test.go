package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewPlainHashProcess(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		p, err := NewPlainHashProcess("2.16.840.1.101.3.4.2.1")
		require.NoError(t, err)
		require.Equal(t, ProcessKindPlainHash, p.Kind)
		require.Equal(t, "2.16.840.1.101.3.4.2.1", p.HashAlgorithmOID)
		require.Empty(t, p.DocumentType)
	})

	t.Run("missing algorithm", func(t *testing.T) {
		_, err := NewPlainHashProcess("")
		require.Error(t, err)
	})
}

func TestNewDocumentProcess(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		p, err := NewDocumentProcess("application/pdf", "SHA-256")
		require.NoError(t, err)
		require.Equal(t, ProcessKindDocument, p.Kind)
		require.Equal(t, "application/pdf", p.DocumentType)
		require.Equal(t, "SHA-256", p.DigestToSignWith)
		require.Empty(t, p.HashAlgorithmOID)
	})

	t.Run("missing document type", func(t *testing.T) {
		_, err := NewDocumentProcess("", "SHA-256")
		require.Error(t, err)
	})

	t.Run("missing digest", func(t *testing.T) {
		_, err := NewDocumentProcess("application/pdf", "")
		require.Error(t, err)
	})
}
