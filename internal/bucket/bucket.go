// Package bucket groups training images into resolution buckets so that every batch can be
// drawn from images sharing one target size.
package bucket

import (
	"image"
	"math"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/qrv0/arblora/internal/imgsize"
)

// Size is a target (width, height) in pixels.
type Size = imgsize.Size

// Item is one entry of a bucketed dataset: the image path and the size it must be brought to.
type Item struct {
	Path string
	Size Size
}

// Source is an indexable sequence of items whose order may change per epoch.
//
// Reshuffle mutates the order in place; callers must not run it concurrently with Item.
type Source interface {
	Len() int
	Item(i int) (Item, error)
	Reshuffle(epoch int) error
	CropResize(img image.Image, size Size) image.Image
}

// LoadItem decodes item i of src and brings it to its target size.
func LoadItem(src Source, i int) (image.Image, Size, error) {
	it, err := src.Item(i)
	if err != nil {
		return nil, Size{}, err
	}
	img, err := imaging.Open(it.Path)
	if err != nil {
		return nil, Size{}, errors.Wrapf(err, "bucket: open %s", it.Path)
	}
	return src.CropResize(img, it.Size), it.Size, nil
}

// ResizeCropFix scales img so that it covers size while keeping its aspect ratio, then
// crops the center. Downscaling uses Lanczos, upscaling bicubic.
func ResizeCropFix(img image.Image, size Size) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == size.W && h == size.H {
		return img
	}
	ratio := float64(w) / float64(h)
	var nw, nh int
	filter := imaging.CatmullRom
	if ratio > float64(size.W)/float64(size.H) {
		nw, nh = int(math.Round(ratio*float64(size.H))), size.H
		if h > size.H {
			filter = imaging.Lanczos
		}
	} else {
		nw, nh = size.W, int(math.Round(float64(size.W)/ratio))
		if w > size.W {
			filter = imaging.Lanczos
		}
	}
	resized := imaging.Resize(img, nw, nh, filter)
	return imaging.CropCenter(resized, size.W, size.H)
}

// FixedBucket maps every image under a root directory to one target size.
type FixedBucket struct {
	root  string
	size  Size
	files []string
}

// NewFixedBucket lists the supported images directly under root.
func NewFixedBucket(root string, size Size) (*FixedBucket, error) {
	files, err := imgsize.List(root)
	if err != nil {
		return nil, err
	}
	return &FixedBucket{root: root, size: size, files: files}, nil
}

func (b *FixedBucket) Len() int { return len(b.files) }

func (b *FixedBucket) Item(i int) (Item, error) {
	if i < 0 || i >= len(b.files) {
		return Item{}, errors.Errorf("bucket: index %d out of range [0,%d)", i, len(b.files))
	}
	return Item{Path: filepath.Join(b.root, b.files[i]), Size: b.size}, nil
}

// Reshuffle is a no-op: a fixed bucket keeps file order.
func (b *FixedBucket) Reshuffle(int) error { return nil }

func (b *FixedBucket) CropResize(img image.Image, size Size) image.Image {
	return ResizeCropFix(img, size)
}
