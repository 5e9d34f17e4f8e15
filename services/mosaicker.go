package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/GrainArc/MapRectify/OSGEO"
	"github.com/GrainArc/MapRectify/config"
	"github.com/GrainArc/MapRectify/methods"
	"github.com/GrainArc/MapRectify/models"
	"github.com/hashicorp/go-multierror"
	"github.com/natefinch/atomic"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const mosaicMinZoom = 14

func trimCacheKey(layerFile string) string {
	if layerFile == "" {
		return ""
	}
	return strings.TrimSuffix(layerFile, filepath.Ext(layerFile)) + "_trim-feature.json"
}

func trimmedKey(layerFile string) string {
	if layerFile == "" {
		return ""
	}
	return strings.TrimSuffix(layerFile, filepath.Ext(layerFile)) + "_trim.tif"
}

// Mosaicker stitches the layers of a layerset, each trimmed to its multimask
// feature, into one raster.
type Mosaicker struct {
	db      *gorm.DB
	cfg     *config.Config
	storage *Storage
	engine  OSGEO.Engine
	srs     WKTSource

	mu            sync.Mutex
	multimaskFile string
	georefs       []*Georeferencer
	mosaicVRT     *VRTHandler
	cog           string
	scratch       []string
}

func NewMosaicker(db *gorm.DB, cfg *config.Config, storage *Storage, engine OSGEO.Engine, srs WKTSource) *Mosaicker {
	return &Mosaicker{db: db, cfg: cfg, storage: storage, engine: engine, srs: srs}
}

type mosaicContext struct {
	mapIdentifier string
	category      string
	fc            *geojson.FeatureCollection
	layers        map[string]*models.Layer
}

func (m *Mosaicker) load(ctx context.Context, set *models.LayerSet) (*mosaicContext, error) {
	db := m.db.WithContext(ctx)
	var mp models.Map
	if err := db.First(&mp, set.MapID).Error; err != nil {
		return nil, err
	}
	if set.Category.Slug == "" {
		if err := db.First(&set.Category, set.CategoryID).Error; err != nil {
			return nil, err
		}
	}
	fc, err := set.MultimaskGeoJSON()
	if err != nil {
		return nil, err
	}
	if fc == nil || len(fc.Features) == 0 {
		return nil, fmt.Errorf("layerset %d has no multimask", set.ID)
	}
	mc := &mosaicContext{
		mapIdentifier: mp.Identifier,
		category:      set.Category.Slug,
		fc:            fc,
		layers:        map[string]*models.Layer{},
	}
	for _, f := range fc.Features {
		slug := f.Properties["layer"].(string)
		var layers []models.Layer
		if err := db.Where("slug = ? AND map_id = ?", slug, set.MapID).Find(&layers).Error; err != nil {
			return nil, err
		}
		switch len(layers) {
		case 0:
			return nil, fmt.Errorf("%s: %w", slug, ErrOrphanedMultimaskKey)
		case 1:
		default:
			return nil, fmt.Errorf("layer slug %s matched %d layers in this map", slug, len(layers))
		}
		if layers[0].File == "" {
			return nil, fmt.Errorf("%w %s", ErrMissingLayerFile, slug)
		}
		mc.layers[slug] = &layers[0]
	}
	return mc, nil
}

// writeMultimask writes the multimask FeatureCollection where GDAL can read it
// as a cutline datasource.
func (m *Mosaicker) writeMultimask(mc *mosaicContext) (string, error) {
	if err := os.MkdirAll(m.cfg.TempDir, 0755); err != nil {
		return "", err
	}
	raw, err := json.MarshalIndent(mc.fc, "", " ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(m.cfg.TempDir, fmt.Sprintf("multimask-%s-%s.geojson", mc.category, mc.mapIdentifier))
	if err := atomic.WriteFile(path, strings.NewReader(string(raw))); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.multimaskFile = path
	m.mu.Unlock()
	return path, nil
}

// GenerateMosaicVRT trims every layer in the multimask and gathers the trimmed
// VRTs into one mosaic VRT in EPSG:3857.
func (m *Mosaicker) GenerateMosaicVRT(ctx context.Context, set *models.LayerSet) (*VRTHandler, error) {
	mc, err := m.load(ctx, set)
	if err != nil {
		return nil, err
	}
	multimaskFile, err := m.writeMultimask(mc)
	if err != nil {
		return nil, err
	}

	var extent orb.Bound
	hasExtent := false
	for _, f := range mc.fc.Features {
		if b, ok := mc.layers[f.Properties["layer"].(string)].Bound(); ok {
			if !hasExtent {
				extent, hasExtent = b, true
			} else {
				extent = extent.Union(b)
			}
		}
	}
	if !hasExtent {
		return nil, fmt.Errorf("layerset %d: no layer extents to bound the mosaic", set.ID)
	}

	trimmed := make([]string, len(mc.fc.Features))
	g, gctx := errgroup.WithContext(ctx)
	workers := m.cfg.MosaicWorkers
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)
	for i, f := range mc.fc.Features {
		i, slug := i, f.Properties["layer"].(string)
		layer := mc.layers[slug]
		g.Go(func() error {
			vrt, err := m.trimLayer(gctx, layer, multimaskFile)
			if err != nil {
				return fmt.Errorf("%s: %w", slug, err)
			}
			trimmed[i] = vrt.Path()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	bounds := methods.BoundToMercator(extent)
	vrt := NewVRTHandler(m.cfg, fmt.Sprintf("%s-%s", mc.mapIdentifier, mc.category), "")
	log.Printf("%s | building mosaic vrt from %d layers", mc.mapIdentifier, len(trimmed))
	err = m.engine.BuildVRT(ctx, vrt.Path(), trimmed, OSGEO.VRTOptions{
		Resolution: "highest",
		Bounds:     &bounds,
		SRS:        "EPSG:3857",
	})
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.mosaicVRT = vrt
	m.mu.Unlock()
	return vrt, nil
}

func (m *Mosaicker) trimLayer(ctx context.Context, layer *models.Layer, multimaskFile string) (*VRTHandler, error) {
	db := m.db.WithContext(ctx)
	var region models.Region
	if err := db.First(&region, layer.RegionID).Error; err != nil {
		return nil, err
	}
	group, err := LoadGCPGroup(db, region.ID)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, fmt.Errorf("region %s has no control points", region.Slug)
	}
	g, err := NewGeoreferencer(ctx, m.engine, m.srs, m.cfg, GeoreferencerOptions{
		CRS:            fmt.Sprintf("EPSG:%d", group.CRSEPSG),
		Transformation: group.Transformation,
		GeoJSON:        group.AsGeoJSON(),
	})
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.georefs = append(m.georefs, g)
	m.mu.Unlock()
	return g.MakeTrimmedVRT(ctx, OSGEO.VSICurl(m.storage.URL(region.File)), multimaskFile, layer.Slug)
}

// GenerateCOG renders the mosaic VRT to a COG, stores it on the layerset and
// removes the mosaic it replaces.
func (m *Mosaicker) GenerateCOG(ctx context.Context, set *models.LayerSet) (string, error) {
	start := time.Now()
	vrt, err := m.GenerateMosaicVRT(ctx, set)
	if err != nil {
		return "", err
	}
	cog := filepath.Join(m.cfg.TempDir, vrt.Name+".tif")
	m.mu.Lock()
	m.cog = cog
	m.mu.Unlock()
	log.Printf("%s | building final geotiff", vrt.Name)
	err = m.engine.Translate(ctx, vrt.Path(), cog, OSGEO.TranslateOptions{
		Format:          "COG",
		CreationOptions: []string{"BIGTIFF=YES", "COMPRESS=JPEG", "TILING_SCHEME=GoogleMapsCompatible"},
	})
	if err != nil {
		return "", err
	}

	key := fmt.Sprintf("mosaics/%s__%s__%s.tif", vrt.Name, time.Now().Format("2006-01-02"), methods.RandomAlnum(6))
	if err := m.storage.Save(ctx, key, cog); err != nil {
		return "", err
	}
	old := set.MosaicGeoTIFF
	set.MosaicGeoTIFF = key
	if err := m.db.WithContext(ctx).Model(&models.LayerSet{ID: set.ID}).Updates(models.LayerSet{MosaicGeoTIFF: key}).Error; err != nil {
		return "", err
	}
	if err := refreshLayerSetExtent(m.db.WithContext(ctx), set.ID); err != nil {
		return "", err
	}
	if old != "" && old != key {
		if err := m.storage.Delete(ctx, old); err != nil {
			log.Printf("%s | remove previous mosaic: %v", vrt.Name, err)
		}
	}
	log.Printf("%s | completed - elapsed time: %s", vrt.Name, time.Since(start).Round(time.Millisecond))
	return key, nil
}

// GenerateMosaicJSON trims each layer to a GeoTIFF next to the layer file and
// writes a MosaicJSON document indexing them. A layer is only re-trimmed when
// its multimask feature changed since the last run, or when trimAll is set.
func (m *Mosaicker) GenerateMosaicJSON(ctx context.Context, set *models.LayerSet, trimAll bool) (string, error) {
	mc, err := m.load(ctx, set)
	if err != nil {
		return "", err
	}
	log.Printf("%s | generating mosaic json", mc.mapIdentifier)
	multimaskFile, err := m.writeMultimask(mc)
	if err != nil {
		return "", err
	}
	stem := strings.TrimSuffix(filepath.Base(multimaskFile), filepath.Ext(multimaskFile))

	type trimmedLayer struct {
		url   string
		bound orb.Bound
	}
	var trims []trimmedLayer
	for _, f := range mc.fc.Features {
		slug := f.Properties["layer"].(string)
		layer := mc.layers[slug]
		feature, err := json.Marshal(f)
		if err != nil {
			return "", err
		}
		outKey := trimmedKey(layer.File)
		stale, err := m.trimCacheStale(ctx, layer, feature)
		if err != nil {
			return "", err
		}
		if trimAll || stale {
			if err := m.trimToGeoTIFF(ctx, layer, multimaskFile, stem, slug, outKey); err != nil {
				return "", err
			}
			if err := m.storage.SaveBytes(ctx, trimCacheKey(layer.File), feature); err != nil {
				return "", err
			}
		} else {
			log.Printf("%s | using existing trimmed tif %s", mc.mapIdentifier, filepath.Base(outKey))
		}
		url := m.storage.URL(outKey)
		b, err := m.engine.Bounds(ctx, OSGEO.VSICurl(url), 4326)
		if err != nil {
			log.Printf("%s | file was not properly created, omitting: %s", mc.mapIdentifier, outKey)
			continue
		}
		trims = append(trims, trimmedLayer{url: url, bound: b})
	}
	if len(trims) == 0 {
		return "", fmt.Errorf("layerset %d: no trimmed layers", set.ID)
	}

	log.Printf("%s | writing mosaic from %d trimmed tifs", mc.mapIdentifier, len(trims))
	urls := make([]string, len(trims))
	bounds := make([]orb.Bound, len(trims))
	for i, t := range trims {
		urls[i], bounds[i] = t.url, t.bound
	}
	doc, err := BuildMosaicJSON(urls, bounds, mosaicMinZoom)
	if err != nil {
		return "", err
	}
	local := filepath.Join(m.cfg.TempDir, mc.mapIdentifier+"-mosaic.json")
	if err := atomic.WriteFile(local, strings.NewReader(string(doc))); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.scratch = append(m.scratch, local)
	m.mu.Unlock()
	key := "mosaics/" + filepath.Base(local)
	if err := m.storage.Save(ctx, key, local); err != nil {
		return "", err
	}
	set.MosaicJSON = key
	if err := m.db.WithContext(ctx).Model(&models.LayerSet{ID: set.ID}).Updates(models.LayerSet{MosaicJSON: key}).Error; err != nil {
		return "", err
	}
	log.Printf("%s | mosaic created: %s", mc.mapIdentifier, key)
	return key, nil
}

// trimCacheStale compares a multimask feature with the one cached for the
// layer's last trim.
func (m *Mosaicker) trimCacheStale(ctx context.Context, layer *models.Layer, feature []byte) (bool, error) {
	cached, err := m.storage.ReadBytes(ctx, trimCacheKey(layer.File))
	if err != nil {
		if IsNotFound(err) {
			return true, nil
		}
		return false, err
	}
	exists, err := m.storage.Exists(ctx, trimmedKey(layer.File))
	if err != nil {
		return false, err
	}
	if !exists {
		return true, nil
	}
	for _, path := range []string{"geometry", "properties.layer"} {
		if gjson.GetBytes(cached, path).Raw != gjson.GetBytes(feature, path).Raw {
			return true, nil
		}
	}
	return false, nil
}

func (m *Mosaicker) trimToGeoTIFF(ctx context.Context, layer *models.Layer, multimaskFile, cutlineLayer, slug, outKey string) error {
	local, err := m.storage.Fetch(ctx, layer.File)
	if err != nil {
		return err
	}
	defer m.storage.Release(local)

	base := strings.TrimSuffix(local, filepath.Ext(local))
	vrt := base + "_" + methods.RandomAlnum(6) + "_trim.vrt"
	out := strings.TrimSuffix(vrt, ".vrt") + ".tif"
	defer methods.RemoveFiles(vrt, out)
	err = m.engine.Warp(ctx, local, vrt, OSGEO.WarpOptions{
		Format:          "VRT",
		TargetSRS:       "EPSG:3857",
		Cutline:         multimaskFile,
		CutlineLayer:    cutlineLayer,
		CutlineWhere:    fmt.Sprintf("layer='%s'", slug),
		CropToCutline:   true,
		CreationOptions: []string{"COMPRESS=LZW", "BIGTIFF=YES"},
		Resample:        "cubic",
		DstNodata:       "255 255 255",
	})
	if err != nil {
		return err
	}
	log.Printf("writing trimmed tif %s", filepath.Base(out))
	err = m.engine.Translate(ctx, vrt, out, OSGEO.TranslateOptions{
		Format:          "GTiff",
		BandList:        []int{1, 2, 3},
		CreationOptions: []string{"TILED=YES", "COMPRESS=LZW", "PREDICTOR=2", "NUM_THREADS=ALL_CPUS"},
	})
	if err != nil {
		return err
	}
	return m.storage.Save(ctx, outKey, out)
}

// BuildMosaicJSON writes a MosaicJSON 0.0.3 document assigning each source to
// every quadkey tile at minZoom its bound touches.
func BuildMosaicJSON(urls []string, bounds []orb.Bound, minZoom int) ([]byte, error) {
	if len(urls) != len(bounds) || len(urls) == 0 {
		return nil, errors.New("mosaic json needs one bound per source")
	}
	union := bounds[0]
	tiles := map[string][]string{}
	for i, b := range bounds {
		union = union.Union(b)
		x0, y0 := methods.LonLatToTile(b.Min[0], b.Max[1], minZoom)
		x1, y1 := methods.LonLatToTile(b.Max[0], b.Min[1], minZoom)
		for x := x0; x <= x1; x++ {
			for y := y0; y <= y1; y++ {
				qk := methods.Quadkey(x, y, minZoom)
				tiles[qk] = append(tiles[qk], urls[i])
			}
		}
	}
	center := union.Center()

	doc := []byte(`{}`)
	var err error
	set := func(path string, v interface{}) {
		if err == nil {
			doc, err = sjson.SetBytes(doc, path, v)
		}
	}
	set("mosaicjson", "0.0.3")
	set("version", "1.0.0")
	set("minzoom", minZoom)
	set("maxzoom", minZoom+8)
	set("quadkey_zoom", minZoom)
	set("bounds", []float64{union.Min[0], union.Min[1], union.Max[0], union.Max[1]})
	set("center", []float64{center[0], center[1], float64(minZoom)})
	keys := make([]string, 0, len(tiles))
	for k := range tiles {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		set("tiles.:"+k, tiles[k])
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Preview reports the combined extent and size of the layerset's layer files.
func (m *Mosaicker) Preview(ctx context.Context, set *models.LayerSet) (*OSGEO.MosaicPreview, error) {
	var layers []models.Layer
	if err := m.db.WithContext(ctx).Where("layer_set_id = ?", set.ID).Order("slug").Find(&layers).Error; err != nil {
		return nil, err
	}
	var paths []string
	for _, l := range layers {
		if l.File == "" {
			continue
		}
		paths = append(paths, OSGEO.VSICurl(m.storage.URL(l.File)))
	}
	return OSGEO.InspectMosaic(paths)
}

// CleanupFiles removes every scratch file written by this mosaicker.
func (m *Mosaicker) CleanupFiles() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result error
	for _, g := range m.georefs {
		if err := g.CleanupFiles(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	paths := append([]string{m.multimaskFile, m.cog}, m.scratch...)
	if m.mosaicVRT != nil {
		paths = append(paths, m.mosaicVRT.Path())
	}
	if err := methods.RemoveFiles(paths...); err != nil {
		result = multierror.Append(result, err)
	}
	m.georefs, m.scratch = nil, nil
	m.multimaskFile, m.cog, m.mosaicVRT = "", "", nil
	return result
}
