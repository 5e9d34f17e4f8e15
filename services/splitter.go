package services

import (
	"fmt"
	"image"
	"image/draw"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/GrainArc/MapRectify/methods"
	"golang.org/x/image/vector"
)

// Splitter cuts one scanned page into division polygons and writes one masked
// PNG per division.
type Splitter struct {
	imagePath string
	tempDir   string
	width     int
	height    int
	divisions [][][2]float64
}

func NewSplitter(imagePath, tempDir string) (*Splitter, error) {
	w, h, err := methods.ImageSize(imagePath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, err
	}
	return &Splitter{imagePath: imagePath, tempDir: tempDir, width: w, height: h}, nil
}

func (s *Splitter) Size() (int, int) {
	return s.width, s.height
}

// GenerateDivisions applies the cutlines in order to the full image polygon.
// Cutlines with fewer than two points are ignored.
func (s *Splitter) GenerateDivisions(cutlines [][][2]float64) ([][][2]float64, error) {
	divisions := [][][2]float64{FullImageRing(s.width, s.height)}
	reach := 2 * float64(s.width+s.height)
	for _, cl := range cutlines {
		if len(cl) < 2 {
			continue
		}
		divisions = CutPolygons(divisions, ExtendLine(cl, reach))
	}
	s.divisions = divisions
	return divisions, nil
}

// SplitImage writes one PNG per division, file i for division i.
func (s *Splitter) SplitImage() ([]string, error) {
	if len(s.divisions) == 0 {
		return nil, fmt.Errorf("split %s: no divisions generated", filepath.Base(s.imagePath))
	}
	src, _, err := methods.OpenImage(s.imagePath)
	if err != nil {
		return nil, err
	}
	bounds := src.Bounds()

	stem := strings.TrimSuffix(filepath.Base(s.imagePath), filepath.Ext(s.imagePath))
	paths := make([]string, 0, len(s.divisions))
	for n, div := range s.divisions {
		mask := rasterizeDivision(div, bounds)
		crop := divisionBounds(div).Intersect(bounds)
		if crop.Empty() {
			crop = bounds
		}
		out := image.NewNRGBA(image.Rect(0, 0, crop.Dx(), crop.Dy()))
		draw.DrawMask(out, out.Bounds(), src, crop.Min, mask, crop.Min, draw.Src)

		path := filepath.Join(s.tempDir, fmt.Sprintf("%s____%d.png", stem, n+1))
		if err := methods.WriteImage(path, out); err != nil {
			methods.RemoveFiles(paths...)
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func rasterizeDivision(div [][2]float64, bounds image.Rectangle) *image.Alpha {
	z := vector.NewRasterizer(bounds.Dx(), bounds.Dy())
	for i, p := range div {
		x, y := float32(p[0]-float64(bounds.Min.X)), float32(p[1]-float64(bounds.Min.Y))
		if i == 0 {
			z.MoveTo(x, y)
			continue
		}
		z.LineTo(x, y)
	}
	z.ClosePath()
	mask := image.NewAlpha(bounds)
	z.Draw(mask, mask.Bounds(), image.Opaque, image.Point{})
	return mask
}

func divisionBounds(div [][2]float64) image.Rectangle {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range div {
		minX, minY = math.Min(minX, p[0]), math.Min(minY, p[1])
		maxX, maxY = math.Max(maxX, p[0]), math.Max(maxY, p[1])
	}
	return image.Rect(int(math.Floor(minX)), int(math.Floor(minY)), int(math.Ceil(maxX)), int(math.Ceil(maxY)))
}
