package ingress

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stream.ts")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestFileReadsContent(t *testing.T) {
	data := []byte("hello mpeg-ts")
	path := writeTempFile(t, data)

	f, err := OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	got, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.Equal(t, path, f.Path())
}

func TestFileReopenRewindsToStart(t *testing.T) {
	data := []byte("segment-data")
	path := writeTempFile(t, data)

	f, err := OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	first, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, data, first)

	require.NoError(t, f.Reopen())

	second, err := io.ReadAll(f)
	require.NoError(t, err)
	require.Equal(t, data, second, "Reopen seeks back to the start without a fresh os.Open")
}

func TestOpenFileMissingPath(t *testing.T) {
	_, err := OpenFile(filepath.Join(t.TempDir(), "does-not-exist.ts"))
	require.Error(t, err)
}
