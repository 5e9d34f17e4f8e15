package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/GrainArc/MapRectify/models"
	"github.com/hashicorp/go-multierror"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

func TestFixLayerSlug(t *testing.T) {
	valid := map[string]bool{
		"sanborn-1963-p3":   true,
		"sanborn-1896-p12":  true,
		"atlas_p0_4":        true,
		"plate-70":          true,
		"untouched-layer-1": true,
	}
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"untouched-layer-1", "untouched-layer-1", true},
		{"sanborn-1415-p3", "sanborn-1963-p3", true},
		{"sanborn-1895-p12", "sanborn-1896-p12", true},
		{"atlas_p_4", "atlas_p0_4", true},
		{"plate-7", "plate-70", true},
		{"no-such-layer", "", false},
	}
	for _, tt := range tests {
		got, ok := FixLayerSlug(tt.in, valid)
		if got != tt.want || ok != tt.ok {
			t.Errorf("FixLayerSlug(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func maskFeature(slug string, geom orb.Geometry) *geojson.Feature {
	f := geojson.NewFeature(geom)
	if slug != "" {
		f.Properties = geojson.Properties{"layer": slug}
	}
	return f
}

func TestValidateMultimask(t *testing.T) {
	members := map[string]bool{"a": true, "b": true, "c": true}

	good := geojson.NewFeatureCollection()
	good.Append(maskFeature("a", square(0, 0, 1, 1)))
	good.Append(maskFeature("b", square(1, 0, 2, 1)))
	out, err := ValidateMultimask(good, members)
	if err != nil || len(out) != 2 {
		t.Fatalf("valid multimask: %v %v", out, err)
	}

	bad := geojson.NewFeatureCollection()
	bad.Append(maskFeature("", square(0, 0, 1, 1)))
	bad.Append(maskFeature("orphan", square(0, 0, 1, 1)))
	bad.Append(maskFeature("a", orb.LineString{{0, 0}, {1, 1}}))
	bad.Append(maskFeature("b", orb.Polygon{orb.Ring{{0, 0}, {1, 0}, {0, 0}}}))
	bad.Append(maskFeature("c", orb.Polygon{orb.Ring{{0, 0}, {1, 0}, {1, 1}, {0, 1}}}))
	_, err = ValidateMultimask(bad, members)
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		t.Fatalf("got %v, want a multierror", err)
	}
	if len(merr.Errors) != 5 {
		t.Fatalf("got %d errors: %v", len(merr.Errors), err)
	}
	if !errors.Is(err, ErrOrphanedMultimaskKey) {
		t.Fatal("orphan key not reported")
	}

	dup := geojson.NewFeatureCollection()
	dup.Append(maskFeature("a", square(0, 0, 1, 1)))
	dup.Append(maskFeature("a", square(1, 1, 2, 2)))
	if _, err := ValidateMultimask(dup, members); err == nil || !strings.Contains(err.Error(), "more than one") {
		t.Fatalf("duplicate layer: %v", err)
	}
}

// layerSetWithLayers creates a main content layerset holding one layer per slug.
func (env *testEnv) layerSetWithLayers(t *testing.T, mapID uint, slugs ...string) (*models.LayerSet, []models.Layer) {
	t.Helper()
	set, err := GetOrCreateLayerSet(env.db, mapID, models.CategoryMainContent)
	if err != nil {
		t.Fatal(err)
	}
	var layers []models.Layer
	for i, slug := range slugs {
		doc := env.createDocument(t, mapID, slug+"-doc", 20, 10)
		region := env.createRegion(t, doc, slug)
		env.db.Model(region).Update("georeferenced", true)
		l := models.Layer{RegionID: region.ID, MapID: mapID, Title: slug, Slug: slug, File: "layers/" + slug + ".tif", LayerSetID: &set.ID}
		l.SetBound(orb.Bound{Min: orb.Point{float64(i), 0}, Max: orb.Point{float64(i) + 1, 1}})
		if err := env.db.Create(&l).Error; err != nil {
			t.Fatal(err)
		}
		if err := env.storage.SaveBytes(context.Background(), l.File, []byte("tif")); err != nil {
			t.Fatal(err)
		}
		layers = append(layers, l)
	}
	return set, layers
}

func TestUpdateMultimask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.createMap(t, "vol1")
	set, _ := env.layerSetWithLayers(t, m.ID, "a", "b")

	fc := geojson.NewFeatureCollection()
	fc.Append(maskFeature("a", square(0, 0, 1, 1)))
	if _, err := env.layers.UpdateMultimask(ctx, set.ID, fc); err != nil {
		t.Fatal(err)
	}
	saved, _ := env.layers.Get(ctx, set.ID)
	features, _ := saved.MultimaskFeatures()
	if len(features) != 1 || features["a"] == nil {
		t.Fatalf("multimask = %v", features)
	}
	if len(saved.Layers) != 2 || saved.Layers[0].Slug != "a" {
		t.Fatalf("layers = %+v", saved.Layers)
	}

	fc.Append(maskFeature("zzz", square(0, 0, 1, 1)))
	if _, err := env.layers.UpdateMultimask(ctx, set.ID, fc); !errors.Is(err, ErrOrphanedMultimaskKey) {
		t.Fatalf("orphan key accepted: %v", err)
	}
	saved, _ = env.layers.Get(ctx, set.ID)
	if features, _ := saved.MultimaskFeatures(); len(features) != 1 {
		t.Fatal("rejected multimask was saved")
	}

	if _, err := env.layers.UpdateMultimask(ctx, set.ID, geojson.NewFeatureCollection()); err != nil {
		t.Fatal(err)
	}
	saved, _ = env.layers.Get(ctx, set.ID)
	if features, _ := saved.MultimaskFeatures(); len(features) != 0 {
		t.Fatalf("multimask not cleared: %v", features)
	}

	if _, err := env.layers.Get(ctx, 999); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("missing layerset: %v", err)
	}
}

func TestDeleteLayerCascade(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.createMap(t, "vol1")
	set, layers := env.layerSetWithLayers(t, m.ID, "a", "b")
	set.SetMultimaskFeatures(map[string]*geojson.Feature{
		"a": maskFeature("a", square(0, 0, 1, 1)),
		"b": maskFeature("b", square(1, 0, 2, 1)),
	})
	env.db.Model(&models.LayerSet{ID: set.ID}).Update("multimask", set.Multimask)

	if err := env.cascade.DeleteLayer(ctx, layers[0].ID); err != nil {
		t.Fatal(err)
	}
	saved, err := env.layers.Get(ctx, set.ID)
	if err != nil {
		t.Fatal(err)
	}
	features, _ := saved.MultimaskFeatures()
	if _, ok := features["a"]; ok || len(features) != 1 {
		t.Fatalf("multimask after delete = %v", features)
	}
	var region models.Region
	env.db.First(&region, layers[0].RegionID)
	if region.Georeferenced {
		t.Fatal("region still georeferenced")
	}
	if ok, _ := env.storage.Exists(ctx, layers[0].File); ok {
		t.Fatal("layer file not removed")
	}

	if err := env.cascade.DeleteLayer(ctx, layers[1].ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.layers.Get(ctx, set.ID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("empty layerset survived: %v", err)
	}
}

func TestDeleteDocumentCascade(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.createMap(t, "vol1")
	_, layers := env.layerSetWithLayers(t, m.ID, "a")
	var region models.Region
	env.db.First(&region, layers[0].RegionID)
	if _, err := SaveGCPsFromGeoJSON(env.db, region.ID, gcpCollection(3), "poly1", "alice"); err != nil {
		t.Fatal(err)
	}

	if err := env.cascade.DeleteDocument(ctx, region.DocumentID); err != nil {
		t.Fatal(err)
	}
	for _, model := range []interface{}{&models.Document{}, &models.Region{}, &models.Layer{}, &models.GCPGroup{}, &models.GCP{}, &models.LayerSet{}} {
		var n int64
		env.db.Model(model).Count(&n)
		if n != 0 {
			t.Fatalf("%T rows left: %d", model, n)
		}
	}
}

func TestCheckMultimasks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.createMap(t, "vol1")
	set, _ := env.layerSetWithLayers(t, m.ID, "sheet-1963-p1", "sheet_p0_2")
	set.SetMultimaskFeatures(map[string]*geojson.Feature{
		"sheet-1415-p1": maskFeature("sheet-1415-p1", square(0, 0, 1, 1)),
		"sheet_p_2":     maskFeature("sheet_p_2", square(1, 0, 2, 1)),
		"lost":          maskFeature("lost", square(2, 0, 3, 1)),
	})
	env.db.Model(&models.LayerSet{ID: set.ID}).Update("multimask", set.Multimask)

	reports, err := env.layers.CheckMultimasks(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 1 || len(reports[0].Renamed) != 2 || len(reports[0].Errors) != 1 || reports[0].Errors[0] != "lost" {
		t.Fatalf("reports = %+v", reports)
	}
	saved, _ := env.layers.Get(ctx, set.ID)
	if features, _ := saved.MultimaskFeatures(); features["sheet_p_2"] == nil {
		t.Fatal("check without fix changed the multimask")
	}

	if _, err := env.layers.CheckMultimasks(ctx, true); err != nil {
		t.Fatal(err)
	}
	saved, _ = env.layers.Get(ctx, set.ID)
	features, _ := saved.MultimaskFeatures()
	if features["sheet-1963-p1"] == nil || features["sheet_p0_2"] == nil || len(features) != 2 {
		t.Fatalf("fixed multimask keys = %v", features)
	}
}

func TestCheckMultimasksRequiresMembership(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	vol1 := env.createMap(t, "vol1")
	vol2 := env.createMap(t, "vol2")
	set, _ := env.layerSetWithLayers(t, vol1.ID, "vol1-p1")
	env.layerSetWithLayers(t, vol2.ID, "vol2-p1", "vol1-p20")
	set.SetMultimaskFeatures(map[string]*geojson.Feature{
		"vol1-p1": maskFeature("vol1-p1", square(0, 0, 1, 1)),
		"vol2-p1": maskFeature("vol2-p1", square(1, 0, 2, 1)),
		"vol1-p2": maskFeature("vol1-p2", square(2, 0, 3, 1)),
	})
	env.db.Model(&models.LayerSet{ID: set.ID}).Update("multimask", set.Multimask)

	reports, err := env.layers.CheckMultimasks(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 1 || reports[0].LayerSetID != set.ID {
		t.Fatalf("reports = %+v", reports)
	}
	if len(reports[0].Renamed) != 0 {
		t.Fatalf("key renamed to a layer of another map: %v", reports[0].Renamed)
	}
	if errs := reports[0].Errors; len(errs) != 2 || errs[0] != "vol1-p2" || errs[1] != "vol2-p1" {
		t.Fatalf("errors = %v", errs)
	}
	saved, _ := env.layers.Get(ctx, set.ID)
	features, _ := saved.MultimaskFeatures()
	if len(features) != 1 || features["vol1-p1"] == nil {
		t.Fatalf("multimask after fix = %v", features)
	}
}

func TestClassifyLayers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	m := env.createMap(t, "vol1")
	set, layers := env.layerSetWithLayers(t, m.ID, "a", "b")
	set.SetMultimaskFeatures(map[string]*geojson.Feature{"a": maskFeature("a", square(0, 0, 1, 1))})
	env.db.Model(&models.LayerSet{ID: set.ID}).Update("multimask", set.Multimask)

	if err := env.layers.ClassifyLayers(ctx, m.ID, map[uint]string{layers[0].ID: models.CategoryKeyMap}); err != nil {
		t.Fatal(err)
	}
	var moved models.Layer
	env.db.First(&moved, layers[0].ID)
	keyMap, _ := GetOrCreateLayerSet(env.db, m.ID, models.CategoryKeyMap)
	if moved.LayerSetID == nil || *moved.LayerSetID != keyMap.ID {
		t.Fatalf("layer set = %v, want %d", moved.LayerSetID, keyMap.ID)
	}
	saved, _ := env.layers.Get(ctx, set.ID)
	if features, _ := saved.MultimaskFeatures(); len(features) != 0 {
		t.Fatalf("moved layer kept its mask: %v", features)
	}

	if err := env.layers.ClassifyLayers(ctx, m.ID, map[uint]string{layers[1].ID: "no-such-category"}); !errors.Is(err, ErrUnknownCategory) {
		t.Fatalf("unknown category: %v", err)
	}
}
