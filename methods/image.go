package methods

import (
	"bufio"
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "image/gif"

	"github.com/chai2010/webp"
	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// DecodeImage sniffs WebP first, then every registered format.
func DecodeImage(r io.Reader) (image.Image, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", err
	}
	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return img, "webp", nil
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "unknown", fmt.Errorf("unrecognized image format: %w", err)
	}
	return img, format, nil
}

// OpenImage decodes the image file at path.
func OpenImage(path string) (image.Image, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	return DecodeImage(bufio.NewReader(f))
}

// ImageSize reads only the header of the image file.
func ImageSize(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	br := bufio.NewReader(f)
	head, _ := br.Peek(16)
	if len(head) >= 12 && string(head[0:4]) == "RIFF" && string(head[8:12]) == "WEBP" {
		w, h, _, err := webp.GetInfo(mustReadAll(br))
		if err != nil {
			return 0, 0, fmt.Errorf("webp header %s: %w", path, err)
		}
		return w, h, nil
	}
	cfg, _, err := image.DecodeConfig(br)
	if err != nil {
		return 0, 0, fmt.Errorf("image header %s: %w", path, err)
	}
	return cfg.Width, cfg.Height, nil
}

func mustReadAll(r io.Reader) []byte {
	b, _ := io.ReadAll(r)
	return b
}

// Fit scales width and height down to fit inside maxW x maxH, keeping the ratio.
func Fit(width, height, maxW, maxH int) (int, int) {
	if width <= maxW && height <= maxH {
		return width, height
	}
	rw := float64(maxW) / float64(width)
	rh := float64(maxH) / float64(height)
	r := rw
	if rh < rw {
		r = rh
	}
	w, h := int(float64(width)*r), int(float64(height)*r)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}

// MakeThumbnail writes a scaled copy of src to dst. The output format follows
// the dst extension (.png or jpeg otherwise).
func MakeThumbnail(src, dst string, maxW, maxH int) error {
	img, _, err := OpenImage(src)
	if err != nil {
		return err
	}
	b := img.Bounds()
	w, h := Fit(b.Dx(), b.Dy(), maxW, maxH)
	thumb := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(thumb, thumb.Bounds(), img, b, draw.Over, nil)
	return WriteImage(dst, thumb)
}

// WriteImage encodes img into path by extension.
func WriteImage(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		err = png.Encode(f, img)
	case ".webp":
		err = webp.Encode(f, img, &webp.Options{Lossless: true})
	default:
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: 85})
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
