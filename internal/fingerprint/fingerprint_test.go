package fingerprint

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOf_StableAndDistinct(t *testing.T) {
	a := Of([]byte("hello"))
	assert.Equal(t, Digest("2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"), a)
	assert.Equal(t, a, Of([]byte("hello")))
	assert.NotEqual(t, a, Of([]byte("hello ")))
	assert.Len(t, a.String(), Size)
	assert.Equal(t, "2cf24dba5fb0", a.Short())
}

func TestFileMatchesOf(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugin.dll")
	data := []byte("binary-ish content")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	d, err := File(path)
	require.NoError(t, err)
	assert.Equal(t, Of(data), d)

	_, err = File(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestReaderAndWriter(t *testing.T) {
	data := strings.Repeat("x", 100_000)

	d, n, err := Reader(strings.NewReader(data))
	require.NoError(t, err)
	assert.EqualValues(t, len(data), n)
	assert.Equal(t, Of([]byte(data)), d)

	var buf bytes.Buffer
	w := NewWriter(&buf)
	_, err = w.Write([]byte(data[:10]))
	require.NoError(t, err)
	_, err = w.Write([]byte(data[10:]))
	require.NoError(t, err)
	wd, wn := w.Sum()
	assert.Equal(t, d, wd)
	assert.EqualValues(t, len(data), wn)
	assert.Equal(t, data, buf.String())
}

func TestParse(t *testing.T) {
	good := Of([]byte("x")).String()
	d, err := Parse(good)
	require.NoError(t, err)
	assert.Equal(t, Digest(good), d)

	for _, bad := range []string{"", "abc", strings.ToUpper(good), good[:Size-1] + "g"} {
		_, err := Parse(bad)
		assert.ErrorIs(t, err, ErrInvalidDigest, bad)
	}
}
