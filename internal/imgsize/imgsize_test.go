package imgsize

import (
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, image.NewGray(image.Rect(0, 0, w, h))))
}

func TestProbeAndList(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "b.png"), 30, 20)
	writePNG(t, filepath.Join(dir, "a.PNG"), 10, 40)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.png"), 0o755))

	names, err := List(dir)
	require.NoError(t, err)
	require.Equal(t, []string{"a.PNG", "b.png"}, names)

	s, err := Probe(filepath.Join(dir, "b.png"))
	require.NoError(t, err)
	require.Equal(t, Size{W: 30, H: 20}, s)

	sizes, err := ProbeAll(context.Background(), dir, names, Options{Workers: 2})
	require.NoError(t, err)
	require.Equal(t, []Size{{10, 40}, {30, 20}}, sizes)
}

func TestProbeRejectsNonImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fake.jpg")
	require.NoError(t, os.WriteFile(path, []byte("not an image"), 0o644))
	_, err := Probe(path)
	require.Error(t, err)

	_, err = ProbeAll(context.Background(), dir, []string{"fake.jpg"}, Options{})
	require.Error(t, err)
}

func TestSupported(t *testing.T) {
	require.True(t, Supported("x.JPEG"))
	require.True(t, Supported("x.webp"))
	require.False(t, Supported("x.txt"))
	require.False(t, Supported("jpg"))
}
