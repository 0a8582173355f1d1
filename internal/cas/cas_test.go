package cas

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromBytesDeterministic(t *testing.T) {
	data := []byte("hello, library")

	a := FromBytes(data)
	b := FromBytes(data)

	assert.Equal(t, a, b)
	assert.False(t, a.IsZero())
}

func TestFromBytesDiffersOnContent(t *testing.T) {
	a := FromBytes([]byte("alpha"))
	b := FromBytes([]byte("beta"))

	assert.NotEqual(t, a, b)
}

func TestFromPathRoundTripsWithFromBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "small.txt")
	content := []byte("small content under threshold")

	require.NoError(t, os.WriteFile(path, content, 0o644))

	fromPath, err := FromPath(path)
	require.NoError(t, err)

	assert.Equal(t, FromBytes(content), fromPath)
}

func TestFromPathLargeFileStreamsAndMatchesReader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "large.bin")

	content := bytes.Repeat([]byte{0x42}, smallFileThreshold*3)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	fromPath, err := FromPath(path)
	require.NoError(t, err)

	fromReader, err := FromReader(bytes.NewReader(content))
	require.NoError(t, err)

	assert.Equal(t, fromReader, fromPath)
	assert.Equal(t, FromBytes(content), fromPath)
}

func TestFromPathMissingFileFails(t *testing.T) {
	_, err := FromPath(filepath.Join(t.TempDir(), "does-not-exist"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReadFailed)
}

func TestStringIsHex(t *testing.T) {
	id := FromBytes([]byte("x"))
	assert.Len(t, id.String(), Size*2)
}
