package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/GrainArc/MapRectify/OSGEO"
	"github.com/GrainArc/MapRectify/config"
	"github.com/GrainArc/MapRectify/methods"
	"github.com/paulmach/orb/geojson"
)

func TestNewGeoreferencerErrors(t *testing.T) {
	cfg := config.Default(t.TempDir())
	engine := newFakeEngine()
	ctx := context.Background()
	gcps := []OSGEO.GCP{{PixelX: 1, PixelY: 2, X: 3, Y: 4}}

	tests := []struct {
		name string
		opts GeoreferencerOptions
		want error
	}{
		{"crs without authority", GeoreferencerOptions{CRS: "3857", GCPs: gcps}, ErrInvalidCRS},
		{"unknown transformation", GeoreferencerOptions{Transformation: "poly9", GCPs: gcps}, ErrInvalidTransformation},
		{"no gcp source", GeoreferencerOptions{}, ErrNoGCPSource},
		{"two gcp sources", GeoreferencerOptions{GCPs: gcps, GeoJSON: geojson.NewFeatureCollection()}, ErrNoGCPSource},
		{"unknown srs", GeoreferencerOptions{CRS: "EPSG:9999", GCPs: gcps}, OSGEO.ErrUnknownSRS},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGeoreferencer(ctx, engine, fakeSRS{}, cfg, tt.opts)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestGeoreferencerGeoJSONProjection(t *testing.T) {
	cfg := config.Default(t.TempDir())
	engine := newFakeEngine()
	ctx := context.Background()
	fc := geojson.NewFeatureCollection()
	fc.Append(gcpFeature("a", 10, 20, -90, 30))

	g, err := NewGeoreferencer(ctx, engine, fakeSRS{}, cfg, GeoreferencerOptions{GeoJSON: fc})
	if err != nil {
		t.Fatal(err)
	}
	x, y := methods.LonLatToMercator(-90, 30)
	got := g.GCPs()[0]
	if got.PixelX != 10 || got.PixelY != 20 || got.X != x || got.Y != y {
		t.Fatalf("3857 gcp = %+v", got)
	}
	if g.CRS() != "EPSG:3857" || g.Transformation().ID != "poly1" {
		t.Fatalf("defaults = %s %s", g.CRS(), g.Transformation().ID)
	}

	g, err = NewGeoreferencer(ctx, engine, fakeSRS{}, cfg, GeoreferencerOptions{CRS: "EPSG:4326", GeoJSON: fc})
	if err != nil {
		t.Fatal(err)
	}
	if got := g.GCPs()[0]; got.X != -90 || got.Y != 30 {
		t.Fatalf("4326 gcp = %+v", got)
	}

	g, err = NewGeoreferencer(ctx, engine, fakeSRS{}, cfg, GeoreferencerOptions{CRS: "EPSG:26915", GeoJSON: fc})
	if err != nil {
		t.Fatal(err)
	}
	if got := g.GCPs()[0]; got.X != -180 || got.Y != 60 {
		t.Fatalf("engine projected gcp = %+v", got)
	}
	if calls := engine.callsOf("transform"); len(calls) != 1 || calls[0].src != "WKT[26915]" {
		t.Fatalf("transform calls = %+v", calls)
	}

	cfg.SwapCoordinateOrder = true
	g, err = NewGeoreferencer(ctx, engine, fakeSRS{}, cfg, GeoreferencerOptions{CRS: "EPSG:4326", GeoJSON: fc})
	if err != nil {
		t.Fatal(err)
	}
	if got := g.GCPs()[0]; got.X != 30 || got.Y != -90 {
		t.Fatalf("swapped gcp = %+v", got)
	}
}

func TestReadPointsFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.points")
	os.WriteFile(good, []byte("mapX,mapY,pixelX,pixelY,enable\n100,200,10,-20,1\n300 400 30 40\n\n"), 0644)

	gcps, err := ReadPointsFile(good)
	if err != nil {
		t.Fatal(err)
	}
	want := []OSGEO.GCP{{X: 100, Y: 200, PixelX: 10, PixelY: 20}, {X: 300, Y: 400, PixelX: 30, PixelY: 40}}
	if len(gcps) != len(want) {
		t.Fatalf("got %d gcps", len(gcps))
	}
	for i := range want {
		if gcps[i] != want[i] {
			t.Errorf("gcp %d = %+v, want %+v", i, gcps[i], want[i])
		}
	}

	bad := filepath.Join(dir, "bad.points")
	os.WriteFile(bad, []byte("mapX,mapY,pixelX,pixelY\n1,2,x,4\n"), 0644)
	if _, err := ReadPointsFile(bad); !errors.Is(err, ErrMalformedPointsFile) {
		t.Fatalf("got %v, want ErrMalformedPointsFile", err)
	}
	short := filepath.Join(dir, "short.points")
	os.WriteFile(short, []byte("1,2,3\n"), 0644)
	if _, err := ReadPointsFile(short); !errors.Is(err, ErrMalformedPointsFile) {
		t.Fatalf("got %v, want ErrMalformedPointsFile", err)
	}
}

func TestGeoreferencerStages(t *testing.T) {
	cfg := config.Default(t.TempDir())
	engine := newFakeEngine()
	ctx := context.Background()
	g, err := NewGeoreferencer(ctx, engine, fakeSRS{}, cfg, GeoreferencerOptions{
		Transformation: "tps",
		GCPs:           []OSGEO.GCP{{PixelX: 1, PixelY: 2, X: 3, Y: 4}},
	})
	if err != nil {
		t.Fatal(err)
	}

	src := filepath.Join(t.TempDir(), "region.png")
	cog, err := g.MakeCOG(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(cfg.TempDir, "region-modified.tif"); cog != want {
		t.Fatalf("cog = %s, want %s", cog, want)
	}

	warps := engine.callsOf("warp")
	if len(warps) != 1 {
		t.Fatalf("got %d warps", len(warps))
	}
	wo := warps[0].opts.(OSGEO.WarpOptions)
	if !wo.DstAlpha || wo.Resample != "near" || wo.Format != "VRT" || wo.TargetSRS != "EPSG:3857" {
		t.Fatalf("warp options = %+v", wo)
	}
	if wo.TransformerOptions[0] != "DST_SRS=WKT[3857]" || wo.TransformerOptions[1] != "MAX_GCP_ORDER=-1" {
		t.Fatalf("transformer options = %v", wo.TransformerOptions)
	}
	if !strings.HasSuffix(warps[0].src, "-gcps.vrt") || !strings.HasSuffix(warps[0].dst, "-modified.vrt") {
		t.Fatalf("warp %s -> %s", warps[0].src, warps[0].dst)
	}

	translates := engine.callsOf("translate")
	if len(translates) != 2 {
		t.Fatalf("got %d translates", len(translates))
	}
	gcpOpts := translates[0].opts.(OSGEO.TranslateOptions)
	if len(gcpOpts.GCPs) != 1 || gcpOpts.SRS != "EPSG:3857" {
		t.Fatalf("gcp translate = %+v", gcpOpts)
	}
	cogOpts := translates[1].opts.(OSGEO.TranslateOptions)
	if cogOpts.Format != "COG" || cogOpts.CreationOptions[1] != "TILING_SCHEME=GoogleMapsCompatible" {
		t.Fatalf("cog translate = %+v", cogOpts)
	}

	for _, p := range []string{g.GCPsVRT.Path(), g.WarpedVRT.Path(), cog} {
		if !methods.FileExists(p) {
			t.Fatalf("%s missing before cleanup", p)
		}
	}
	if err := g.CleanupFiles(); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{g.GCPsVRT.Path(), g.WarpedVRT.Path(), cog} {
		if methods.FileExists(p) {
			t.Fatalf("%s left after cleanup", p)
		}
	}
}

func TestMakeTrimmedVRT(t *testing.T) {
	cfg := config.Default(t.TempDir())
	engine := newFakeEngine()
	ctx := context.Background()
	g, _ := NewGeoreferencer(ctx, engine, fakeSRS{}, cfg, GeoreferencerOptions{
		GCPs: []OSGEO.GCP{{PixelX: 1, PixelY: 2, X: 3, Y: 4}},
	})
	vrt, err := g.MakeTrimmedVRT(ctx, "/vsicurl/http://media.test/a.png", "/tmp/multimask-main-content-vol1.geojson", "vol1-p1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(vrt.Path(), "-trim.vrt") || !strings.HasPrefix(vrt.VSIURL(), "/vsicurl/http") {
		t.Fatalf("trim vrt = %s / %s", vrt.Path(), vrt.VSIURL())
	}
	warps := engine.callsOf("warp")
	wo := warps[len(warps)-1].opts.(OSGEO.WarpOptions)
	if wo.CutlineLayer != "multimask-main-content-vol1" || wo.CutlineWhere != "layer='vol1-p1'" || !wo.CropToCutline {
		t.Fatalf("trim options = %+v", wo)
	}
}

func TestAnticipatePolynomialOrder(t *testing.T) {
	for n, want := range map[int]string{3: "poly1", 6: "poly2", 9: "poly2", 10: "poly3"} {
		if got := AnticipatePolynomialOrder(n); got != want {
			t.Errorf("AnticipatePolynomialOrder(%d) = %s, want %s", n, got, want)
		}
	}
}
