package fileformat

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestWriterReaderWithCompression(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.arb")
	meta := []byte(`{"hello":"world"}`)
	raw := bytes.Repeat([]byte{1, 2, 3, 4}, 1024)
	zst := bytes.Repeat([]byte{5, 6, 7, 8}, 2048)
	odd := []byte{9, 9, 9}

	w := NewWriter()
	w.AddSection(TypeMeta, meta, 0)
	w.AddSection(TypeBuckets, raw, FlagCompLZ4)
	w.AddSection(TypeFiles, zst, FlagCompZSTD)
	w.AddSection(TypeSizes, odd, 0)
	require.NoError(t, w.Write(path))

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()
	require.Len(t, r.TOC, 4)
	for _, e := range r.TOC {
		require.Zero(t, e.Offset%sectionAlign)
	}

	got, err := r.SectionUncompressed(TypeMeta)
	require.NoError(t, err)
	require.Equal(t, meta, got)
	got, err = r.SectionUncompressed(TypeBuckets)
	require.NoError(t, err)
	require.Equal(t, raw, got)
	got, err = r.SectionUncompressed(TypeFiles)
	require.NoError(t, err)
	require.Equal(t, zst, got)
	got, err = r.SectionUncompressed(TypeSizes)
	require.NoError(t, err)
	require.Equal(t, odd, got)

	stored, err := r.Section(TypeFiles)
	require.NoError(t, err)
	require.Less(t, len(stored), len(zst))

	_, err = r.Section(TypeMapping)
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary file must be renamed away")
}

func TestOpenRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.bin")
	require.NoError(t, os.WriteFile(path, []byte("CAWSF\x00\x00\x00garbage"), 0o644))
	_, err := Open(path)
	require.True(t, errors.Is(err, ErrNotContainer))
}

func TestRollingChecksum(t *testing.T) {
	data := bytes.Repeat([]byte("bucket"), 1000)
	c := RollingXXH3(data, 1024)
	require.Equal(t, 6, c.Count)
	require.NoError(t, c.Verify(data))

	bad := append([]byte(nil), data...)
	bad[2048] ^= 0xff
	require.True(t, errors.Is(c.Verify(bad), ErrChecksum))
	require.True(t, errors.Is(c.Verify(data[:100]), ErrChecksum))

	empty := RollingXXH3(nil, 0)
	require.Equal(t, DefaultChunk, empty.ChunkSize)
	require.NoError(t, empty.Verify(nil))
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]string{"a.png", "b.png"})
	require.Equal(t, a, Fingerprint([]string{"a.png", "b.png"}))
	require.NotEqual(t, a, Fingerprint([]string{"b.png", "a.png"}))
	require.NotEqual(t, Fingerprint([]string{"ab", "c"}), Fingerprint([]string{"a", "bc"}))
}
