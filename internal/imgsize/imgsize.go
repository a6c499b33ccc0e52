// Package imgsize reads image dimensions from file headers without decoding pixel data.
package imgsize

import (
	"bufio"
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"
)

// Extensions lists the file extensions (lower case, no dot) treated as images.
var Extensions = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "gif": true,
	"bmp": true, "webp": true, "tif": true, "tiff": true,
}

// Size is an image width and height in pixels.
type Size struct {
	W, H int
}

// Prober returns the size of the image at path.
type Prober func(path string) (Size, error)

// Supported reports whether name has an image extension.
func Supported(name string) bool {
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	return Extensions[strings.ToLower(ext)]
}

// Probe reads only the header of the image at path.
func Probe(path string) (Size, error) {
	f, err := os.Open(path)
	if err != nil {
		return Size{}, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(bufio.NewReader(f))
	if err != nil {
		return Size{}, errors.Wrapf(err, "imgsize: %s", path)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Size{}, errors.Errorf("imgsize: %s has empty size %dx%d", path, cfg.Width, cfg.Height)
	}
	return Size{W: cfg.Width, H: cfg.Height}, nil
}

// List returns the names of supported image files directly under root, sorted.
func List(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "imgsize: list %s", root)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !Supported(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Options configures ProbeAll.
type Options struct {
	// Workers bounds concurrent header reads; <= 0 means 16.
	Workers int
	// Progress shows a progress bar on stderr.
	Progress bool
	// Prober defaults to Probe.
	Prober Prober
}

// ProbeAll probes root/name for every name and returns sizes in the same order.
// The first failure cancels the remaining reads.
func ProbeAll(ctx context.Context, root string, names []string, opt Options) ([]Size, error) {
	probe := opt.Prober
	if probe == nil {
		probe = Probe
	}
	workers := opt.Workers
	if workers <= 0 {
		workers = 16
	}
	var bar *progressbar.ProgressBar
	if opt.Progress && len(names) > 0 {
		bar = progressbar.NewOptions(len(names),
			progressbar.OptionSetDescription("Probing image sizes"),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
		defer bar.Finish()
	}
	sizes := make([]Size, len(names))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, name := range names {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			s, err := probe(filepath.Join(root, name))
			if err != nil {
				return err
			}
			sizes[i] = s
			if bar != nil {
				_ = bar.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sizes, nil
}
