package OSGEO

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// ErrRaster wraps every failure reported by the raster engine.
var ErrRaster = errors.New("raster engine error")

// GCP ties a source pixel to a position in the target CRS.
type GCP struct {
	PixelX float64
	PixelY float64
	X      float64
	Y      float64
}

// Engine is the raster toolkit boundary. Every path is a local file path or a
// GDAL virtual path (/vsicurl/...).
type Engine interface {
	Translate(ctx context.Context, src, dst string, opts TranslateOptions) error
	Warp(ctx context.Context, src, dst string, opts WarpOptions) error
	BuildVRT(ctx context.Context, dst string, srcs []string, opts VRTOptions) error
	// Bounds returns the dataset extent reprojected into epsg.
	Bounds(ctx context.Context, path string, epsg int) (orb.Bound, error)
	// Transform reprojects points from fromEPSG into the CRS described by toWKT.
	Transform(ctx context.Context, fromEPSG int, toWKT string, pts []orb.Point) ([]orb.Point, error)
}

// TranslateOptions mirrors the gdal_translate switches used here.
type TranslateOptions struct {
	Format          string
	SRS             string
	GCPs            []GCP
	BandList        []int
	Resample        string
	CreationOptions []string
}

func (o TranslateOptions) Switches() []string {
	var sw []string
	if o.Format != "" {
		sw = append(sw, "-of", o.Format)
	}
	if o.SRS != "" {
		sw = append(sw, "-a_srs", o.SRS)
	}
	for _, g := range o.GCPs {
		sw = append(sw, "-gcp", ftoa(g.PixelX), ftoa(g.PixelY), ftoa(g.X), ftoa(g.Y))
	}
	for _, b := range o.BandList {
		sw = append(sw, "-b", strconv.Itoa(b))
	}
	if o.Resample != "" {
		sw = append(sw, "-r", o.Resample)
	}
	for _, co := range o.CreationOptions {
		sw = append(sw, "-co", co)
	}
	return sw
}

// WarpOptions mirrors the gdalwarp switches used here.
type WarpOptions struct {
	Format             string
	TargetSRS          string
	TransformerOptions []string
	DstAlpha           bool
	DstNodata          string
	Resample           string
	Cutline            string
	CutlineLayer       string
	CutlineWhere       string
	CropToCutline      bool
	CreationOptions    []string
}

func (o WarpOptions) Switches() []string {
	var sw []string
	if o.Format != "" {
		sw = append(sw, "-of", o.Format)
	}
	if o.TargetSRS != "" {
		sw = append(sw, "-t_srs", o.TargetSRS)
	}
	for _, to := range o.TransformerOptions {
		sw = append(sw, "-to", to)
	}
	if o.DstAlpha {
		sw = append(sw, "-dstalpha")
	}
	if o.DstNodata != "" {
		sw = append(sw, "-dstnodata", o.DstNodata)
	}
	if o.Resample != "" {
		sw = append(sw, "-r", o.Resample)
	}
	if o.Cutline != "" {
		sw = append(sw, "-cutline", o.Cutline)
		if o.CutlineLayer != "" {
			sw = append(sw, "-cl", o.CutlineLayer)
		}
		if o.CutlineWhere != "" {
			sw = append(sw, "-cwhere", o.CutlineWhere)
		}
		if o.CropToCutline {
			sw = append(sw, "-crop_to_cutline")
		}
	}
	for _, co := range o.CreationOptions {
		sw = append(sw, "-co", co)
	}
	return sw
}

// VRTOptions mirrors the gdalbuildvrt switches used here.
type VRTOptions struct {
	Resolution string
	Bounds     *orb.Bound
	SRS        string
}

func (o VRTOptions) Switches() []string {
	var sw []string
	if o.Resolution != "" {
		sw = append(sw, "-resolution", o.Resolution)
	}
	if o.Bounds != nil {
		b := *o.Bounds
		sw = append(sw, "-te", ftoa(b.Min[0]), ftoa(b.Min[1]), ftoa(b.Max[0]), ftoa(b.Max[1]))
	}
	if o.SRS != "" {
		sw = append(sw, "-a_srs", o.SRS)
	}
	return sw
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func rasterErr(op, path string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrRaster, op, path, err)
}

// VSICurl prefixes http(s) sources so GDAL streams them with range requests.
func VSICurl(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return "/vsicurl/" + path
	}
	return path
}
