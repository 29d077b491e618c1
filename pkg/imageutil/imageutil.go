// Package imageutil holds the small image helpers shared by frame sources,
// inference adapters and the realtime path: decoding uploaded bytes, cropping
// face boxes with bounds clipping, resizing and JPEG encoding.
package imageutil

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // register PNG decoder

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register WebP decoder
)

// ErrEmpty is returned by [Decode] for a zero-length payload.
var ErrEmpty = errors.New("imageutil: empty image data")

// Decode decodes a JPEG, PNG or WebP payload and returns the image and its
// format name.
func Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", ErrEmpty
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("imageutil: decode: %w", err)
	}
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, "", fmt.Errorf("imageutil: decode: zero-sized %s image", format)
	}
	return img, format, nil
}

// Crop copies the part of img inside r, after clipping r to the image bounds.
// It reports false when nothing of r lies inside the image.
func Crop(img image.Image, r image.Rectangle) (*image.RGBA, bool) {
	r = r.Intersect(img.Bounds())
	if r.Empty() {
		return nil, false
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst, true
}

// Resize scales img to w×h with bilinear interpolation.
func Resize(img image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// EncodeJPEG encodes img as JPEG at the given quality (1–100).
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("imageutil: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
