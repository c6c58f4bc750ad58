package dedup_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/univy/docpipe/internal/dedup"
)

func TestHashReader(t *testing.T) {
	t.Parallel()

	// SHA-256("hello world"), a fixed vector so a hashing change is
	// caught before it silently splits the fingerprint space.
	const want = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

	got, err := dedup.HashReader(strings.NewReader("hello world"))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestHashReaderEmpty(t *testing.T) {
	t.Parallel()

	const want = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	got, err := dedup.HashReader(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestHashFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "note.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o600))

	fromFile, err := dedup.HashFile(path)
	require.NoError(t, err)

	fromReader, err := dedup.HashReader(strings.NewReader("hello world"))
	require.NoError(t, err)
	assert.Equal(t, fromReader, fromFile)
}

func TestHashFileMissing(t *testing.T) {
	t.Parallel()

	_, err := dedup.HashFile(filepath.Join(t.TempDir(), "absent.txt"))
	assert.Error(t, err)
}
