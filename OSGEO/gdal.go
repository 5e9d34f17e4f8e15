package OSGEO

import (
	"context"
	"sync"

	"github.com/airbusgeo/godal"
	"github.com/paulmach/orb"
)

var registerOnce sync.Once

// GDALEngine runs Engine operations through the GDAL C library.
type GDALEngine struct{}

func NewGDALEngine() *GDALEngine {
	registerOnce.Do(godal.RegisterAll)
	return &GDALEngine{}
}

func (e *GDALEngine) open(path string) (*godal.Dataset, error) {
	ds, err := godal.Open(VSICurl(path))
	if err != nil {
		return nil, rasterErr("open", path, err)
	}
	return ds, nil
}

func (e *GDALEngine) Translate(ctx context.Context, src, dst string, opts TranslateOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ds, err := e.open(src)
	if err != nil {
		return err
	}
	defer ds.Close()
	out, err := ds.Translate(dst, opts.Switches())
	if err != nil {
		return rasterErr("translate", src, err)
	}
	if err := out.Close(); err != nil {
		return rasterErr("translate", dst, err)
	}
	return nil
}

func (e *GDALEngine) Warp(ctx context.Context, src, dst string, opts WarpOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ds, err := e.open(src)
	if err != nil {
		return err
	}
	defer ds.Close()
	out, err := ds.Warp(dst, opts.Switches())
	if err != nil {
		return rasterErr("warp", src, err)
	}
	if err := out.Close(); err != nil {
		return rasterErr("warp", dst, err)
	}
	return nil
}

func (e *GDALEngine) BuildVRT(ctx context.Context, dst string, srcs []string, opts VRTOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	paths := make([]string, len(srcs))
	for i, s := range srcs {
		paths[i] = VSICurl(s)
	}
	out, err := godal.BuildVRT(dst, paths, opts.Switches())
	if err != nil {
		return rasterErr("buildvrt", dst, err)
	}
	if err := out.Close(); err != nil {
		return rasterErr("buildvrt", dst, err)
	}
	return nil
}

func (e *GDALEngine) Bounds(ctx context.Context, path string, epsg int) (orb.Bound, error) {
	if err := ctx.Err(); err != nil {
		return orb.Bound{}, err
	}
	ds, err := e.open(path)
	if err != nil {
		return orb.Bound{}, err
	}
	defer ds.Close()
	sr, err := godal.NewSpatialRefFromEPSG(epsg)
	if err != nil {
		return orb.Bound{}, rasterErr("srs", path, err)
	}
	defer sr.Close()
	b, err := ds.Bounds(sr)
	if err != nil {
		return orb.Bound{}, rasterErr("bounds", path, err)
	}
	return orb.Bound{Min: orb.Point{b[0], b[1]}, Max: orb.Point{b[2], b[3]}}, nil
}

func (e *GDALEngine) Transform(ctx context.Context, fromEPSG int, toWKT string, pts []orb.Point) ([]orb.Point, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := godal.NewSpatialRefFromEPSG(fromEPSG)
	if err != nil {
		return nil, rasterErr("srs", "source", err)
	}
	defer src.Close()
	dst, err := godal.NewSpatialRefFromWKT(toWKT)
	if err != nil {
		return nil, rasterErr("srs", "target", err)
	}
	defer dst.Close()
	trn, err := godal.NewTransform(src, dst)
	if err != nil {
		return nil, rasterErr("transform", "", err)
	}
	defer trn.Close()

	xs := make([]float64, len(pts))
	ys := make([]float64, len(pts))
	for i, p := range pts {
		xs[i], ys[i] = p[0], p[1]
	}
	if err := trn.TransformEx(xs, ys, nil, nil); err != nil {
		return nil, rasterErr("transform", "", err)
	}
	out := make([]orb.Point, len(pts))
	for i := range pts {
		out[i] = orb.Point{xs[i], ys[i]}
	}
	return out, nil
}
