package views_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/GrainArc/MapRectify/OSGEO"
	"github.com/GrainArc/MapRectify/config"
	"github.com/GrainArc/MapRectify/models"
	"github.com/GrainArc/MapRectify/routers"
	"github.com/GrainArc/MapRectify/services"
	"github.com/GrainArc/MapRectify/views"
	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"gocloud.dev/blob/memblob"
	"gorm.io/gorm"
)

// fakeEngine writes a placeholder file to every destination.
type fakeEngine struct{}

func (fakeEngine) write(dst, op string) error {
	if dst == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return os.WriteFile(dst, []byte(op), 0644)
}

func (e fakeEngine) Translate(ctx context.Context, src, dst string, opts OSGEO.TranslateOptions) error {
	return e.write(dst, "translate")
}

func (e fakeEngine) Warp(ctx context.Context, src, dst string, opts OSGEO.WarpOptions) error {
	return e.write(dst, "warp")
}

func (e fakeEngine) BuildVRT(ctx context.Context, dst string, srcs []string, opts OSGEO.VRTOptions) error {
	return e.write(dst, "buildvrt")
}

func (fakeEngine) Bounds(ctx context.Context, path string, epsg int) (orb.Bound, error) {
	return orb.Bound{Min: orb.Point{-90.1, 29.9}, Max: orb.Point{-90.0, 30.0}}, nil
}

func (fakeEngine) Transform(ctx context.Context, fromEPSG int, toWKT string, pts []orb.Point) ([]orb.Point, error) {
	return append([]orb.Point(nil), pts...), nil
}

type fakeSRS struct{}

func (fakeSRS) WKT(ctx context.Context, code int) (string, error) {
	return fmt.Sprintf("WKT[%d]", code), nil
}

// testQueue records every task and runs it inline when run is set.
type testQueue struct {
	mu    sync.Mutex
	tasks []services.Task
	args  []services.TaskArgs
	run   services.HandlerFunc
	err   error
}

func (q *testQueue) Enqueue(ctx context.Context, task services.Task, args services.TaskArgs) error {
	if q.err != nil {
		return q.err
	}
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.args = append(q.args, args)
	q.mu.Unlock()
	if q.run != nil {
		return q.run(context.Background(), task, args)
	}
	return nil
}

func (q *testQueue) last() (services.Task, services.TaskArgs) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return "", services.TaskArgs{}
	}
	return q.tasks[len(q.tasks)-1], q.args[len(q.args)-1]
}

type testServer struct {
	cfg     *config.Config
	db      *gorm.DB
	storage *services.Storage
	ctrl    *views.UserController
	queue   *testQueue
	router  *gin.Engine
}

// newTestServer wires the API on sqlite and an in-memory bucket. With
// inline set, queued tasks run before the request returns.
func newTestServer(t *testing.T, inline bool) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Default(t.TempDir())
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	db, err := config.OpenDatabase(cfg)
	if err != nil {
		t.Fatal(err)
	}
	storage := services.NewStorage(memblob.OpenBucket(nil), "http://media.test", cfg.TempDir)
	t.Cleanup(func() { storage.Close() })

	engine := fakeEngine{}
	locks := services.NewLockManager(db, cfg)
	lookup := services.NewLookupService(db, locks, storage)
	cascade := services.NewCascade(db, storage, lookup)
	sessions := services.NewSessionService(db, cfg, locks, storage, engine, fakeSRS{}, cascade)
	mosaics := func() *services.Mosaicker {
		return services.NewMosaicker(db, cfg, storage, engine, fakeSRS{})
	}
	hub := views.NewStatusHub()
	sessions.SetNotifier(hub)

	queue := &testQueue{}
	if inline {
		queue.run = services.NewTaskRunner(db, cfg, sessions, locks, mosaics).Handle
	}
	ctrl := &views.UserController{
		DB:        db,
		Cfg:       cfg,
		Storage:   storage,
		Sessions:  sessions,
		Lookup:    lookup,
		LayerSets: services.NewLayerSetService(db, cascade),
		Previews:  services.NewPreviewService(db, cfg, storage, engine, fakeSRS{}),
		Queue:     queue,
		Hub:       hub,
		Mosaics:   mosaics,
	}
	return &testServer{
		cfg:     cfg,
		db:      db,
		storage: storage,
		ctrl:    ctrl,
		queue:   queue,
		router:  routers.NewEngine(cfg, ctrl),
	}
}

// do sends a request as user. body is marshalled to JSON unless it is a string.
func (ts *testServer) do(t *testing.T, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(views.UserHeader, user)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, code int) []byte {
	t.Helper()
	if w.Code != code {
		t.Fatalf("status = %d, want %d: %s", w.Code, code, w.Body.String())
	}
	return w.Body.Bytes()
}

func (ts *testServer) createMap(t *testing.T, identifier string) *models.Map {
	t.Helper()
	m := &models.Map{Identifier: identifier, Title: identifier}
	if err := ts.db.Create(m).Error; err != nil {
		t.Fatal(err)
	}
	return m
}

// createDocument stores a w x h PNG scan and its Document row.
func (ts *testServer) createDocument(t *testing.T, mapID uint, slug string, w, h int) *models.Document {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	key := "documents/" + slug + ".png"
	if err := ts.storage.SaveBytes(context.Background(), key, buf.Bytes()); err != nil {
		t.Fatal(err)
	}
	doc := &models.Document{MapID: mapID, Title: slug, Slug: slug, File: key, Width: w, Height: h}
	if err := ts.db.Create(doc).Error; err != nil {
		t.Fatal(err)
	}
	return doc
}

// createLayer adds a georeferenced layer with extent (i,0)-(i+1,1) to the
// main content layerset of the map.
func (ts *testServer) createLayer(t *testing.T, mapID uint, slug string, i int) (*models.LayerSet, *models.Layer) {
	t.Helper()
	set, err := services.GetOrCreateLayerSet(ts.db, mapID, models.CategoryMainContent)
	if err != nil {
		t.Fatal(err)
	}
	doc := ts.createDocument(t, mapID, slug+"-doc", 8, 8)
	region := &models.Region{DocumentID: doc.ID, MapID: mapID, Title: slug, Slug: slug, IsMap: true, Georeferenced: true, File: doc.File}
	if err := ts.db.Create(region).Error; err != nil {
		t.Fatal(err)
	}
	l := &models.Layer{RegionID: region.ID, MapID: mapID, Title: slug, Slug: slug, File: "layers/" + slug + ".tif", LayerSetID: &set.ID}
	l.SetBound(orb.Bound{Min: orb.Point{float64(i), 0}, Max: orb.Point{float64(i) + 1, 1}})
	if err := ts.db.Create(l).Error; err != nil {
		t.Fatal(err)
	}
	return set, l
}

func square(x0, y0, x1, y1 float64) orb.Polygon {
	return orb.Polygon{orb.Ring{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}, {x0, y0}}}
}

func maskCollection(slugs ...string) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for i, slug := range slugs {
		f := geojson.NewFeature(square(float64(i), 0, float64(i)+1, 1))
		f.Properties = geojson.Properties{"layer": slug}
		fc.Append(f)
	}
	return fc
}

func gcpCollection(n int) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for i := 0; i < n; i++ {
		f := geojson.NewFeature(orb.Point{-90.05 + float64(i)*0.001, 29.95 + float64(i)*0.001})
		f.Properties = geojson.Properties{"image": []interface{}{float64(i * 4), float64(i * 3)}, "note": ""}
		fc.Append(f)
	}
	return fc
}
