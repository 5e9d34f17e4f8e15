package services

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/GrainArc/MapRectify/OSGEO"
	"github.com/GrainArc/MapRectify/config"
	"github.com/GrainArc/MapRectify/models"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"gocloud.dev/blob/memblob"
	"gorm.io/gorm"
)

type engineCall struct {
	op   string
	src  string
	dst  string
	opts interface{}
}

// fakeEngine records every call and writes a small placeholder file to each
// destination.
type fakeEngine struct {
	mu      sync.Mutex
	calls   []engineCall
	bound   orb.Bound
	failOp  string
	bounded map[string]bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{bound: orb.Bound{Min: orb.Point{-90.1, 29.9}, Max: orb.Point{-90.0, 30.0}}}
}

func (e *fakeEngine) record(op, src, dst string, opts interface{}) error {
	e.mu.Lock()
	e.calls = append(e.calls, engineCall{op: op, src: src, dst: dst, opts: opts})
	fail := e.failOp == op
	e.mu.Unlock()
	if fail {
		return fmt.Errorf("%w: %s failed", OSGEO.ErrRaster, op)
	}
	if dst == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return os.WriteFile(dst, []byte(op+" "+src), 0644)
}

func (e *fakeEngine) Translate(ctx context.Context, src, dst string, opts OSGEO.TranslateOptions) error {
	return e.record("translate", src, dst, opts)
}

func (e *fakeEngine) Warp(ctx context.Context, src, dst string, opts OSGEO.WarpOptions) error {
	return e.record("warp", src, dst, opts)
}

func (e *fakeEngine) BuildVRT(ctx context.Context, dst string, srcs []string, opts OSGEO.VRTOptions) error {
	return e.record("buildvrt", fmt.Sprint(srcs), dst, opts)
}

func (e *fakeEngine) Bounds(ctx context.Context, path string, epsg int) (orb.Bound, error) {
	if err := e.record("bounds", path, "", epsg); err != nil {
		return orb.Bound{}, err
	}
	return e.bound, nil
}

func (e *fakeEngine) Transform(ctx context.Context, fromEPSG int, toWKT string, pts []orb.Point) ([]orb.Point, error) {
	if err := e.record("transform", toWKT, "", fromEPSG); err != nil {
		return nil, err
	}
	out := make([]orb.Point, len(pts))
	for i, p := range pts {
		out[i] = orb.Point{p[0] * 2, p[1] * 2}
	}
	return out, nil
}

func (e *fakeEngine) callsOf(op string) []engineCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []engineCall
	for _, c := range e.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

type fakeSRS struct{}

func (fakeSRS) WKT(ctx context.Context, code int) (string, error) {
	if code == 9999 {
		return "", OSGEO.ErrUnknownSRS
	}
	return fmt.Sprintf("WKT[%d]", code), nil
}

type testEnv struct {
	cfg      *config.Config
	db       *gorm.DB
	storage  *Storage
	engine   *fakeEngine
	locks    *LockManager
	lookup   *LookupService
	cascade  *Cascade
	sessions *SessionService
	layers   *LayerSetService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Default(t.TempDir())
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	db, err := config.OpenDatabase(cfg)
	if err != nil {
		t.Fatal(err)
	}
	storage := NewStorage(memblob.OpenBucket(nil), "http://media.test", cfg.TempDir)
	t.Cleanup(func() { storage.Close() })

	env := &testEnv{cfg: cfg, db: db, storage: storage, engine: newFakeEngine()}
	env.locks = NewLockManager(db, cfg)
	env.lookup = NewLookupService(db, env.locks, storage)
	env.cascade = NewCascade(db, storage, env.lookup)
	env.sessions = NewSessionService(db, cfg, env.locks, storage, env.engine, fakeSRS{}, env.cascade)
	env.layers = NewLayerSetService(db, env.cascade)
	return env
}

// writePNG writes a w x h opaque image.
func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 100, A: 255})
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func (env *testEnv) createMap(t *testing.T, identifier string) *models.Map {
	t.Helper()
	m := &models.Map{Identifier: identifier, Title: identifier}
	if err := env.db.Create(m).Error; err != nil {
		t.Fatal(err)
	}
	return m
}

// createDocument stores a w x h PNG and its Document row.
func (env *testEnv) createDocument(t *testing.T, mapID uint, slug string, w, h int) *models.Document {
	t.Helper()
	local := filepath.Join(t.TempDir(), slug+".png")
	writePNG(t, local, w, h)
	key := "documents/" + slug + ".png"
	if err := env.storage.Save(context.Background(), key, local); err != nil {
		t.Fatal(err)
	}
	doc := &models.Document{MapID: mapID, Title: slug, Slug: slug, File: key, Width: w, Height: h}
	if err := env.db.Create(doc).Error; err != nil {
		t.Fatal(err)
	}
	return doc
}

func (env *testEnv) createRegion(t *testing.T, doc *models.Document, slug string) *models.Region {
	t.Helper()
	key := "regions/" + slug + ".png"
	local := filepath.Join(t.TempDir(), slug+".png")
	writePNG(t, local, 20, 10)
	if err := env.storage.Save(context.Background(), key, local); err != nil {
		t.Fatal(err)
	}
	r := &models.Region{DocumentID: doc.ID, MapID: doc.MapID, Title: slug, Slug: slug, IsMap: true, File: key}
	if err := r.SetBoundary(FullImageRing(20, 10)); err != nil {
		t.Fatal(err)
	}
	if err := env.db.Create(r).Error; err != nil {
		t.Fatal(err)
	}
	return r
}

func gcpFeature(id string, px, py, lng, lat float64) *geojson.Feature {
	f := geojson.NewFeature(orb.Point{lng, lat})
	f.Properties = geojson.Properties{"image": []interface{}{px, py}, "note": ""}
	if id != "" {
		f.Properties["id"] = id
	}
	return f
}

func gcpCollection(n int) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for i := 0; i < n; i++ {
		fc.Append(gcpFeature("", float64(i*10), float64(i*5), -90.05+float64(i)*0.001, 29.95+float64(i)*0.001))
	}
	return fc
}

func square(x0, y0, x1, y1 float64) orb.Polygon {
	return orb.Polygon{orb.Ring{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}, {x0, y0}}}
}
