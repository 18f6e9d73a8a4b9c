package fingerprint

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaderMatchesKnownDigest(t *testing.T) {
	fp, err := Reader(strings.NewReader("abc"))
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", fp.Hash)
	assert.Equal(t, int64(3), fp.Size)
	assert.Equal(t, fp.Hash+"_3", fp.String())
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))

	fp, err := File(path)
	require.NoError(t, err)
	assert.Equal(t, int64(3), fp.Size)

	_, err = File(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
