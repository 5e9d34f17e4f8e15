package services

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/GrainArc/MapRectify/OSGEO"
	"github.com/GrainArc/MapRectify/config"
	"github.com/GrainArc/MapRectify/methods"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

var (
	ErrInvalidCRS            = errors.New("invalid CRS format, must be 'AUTHORITY:CODE', e.g. 'EPSG:3857'")
	ErrInvalidTransformation = errors.New("invalid transformation")
	ErrNoGCPSource           = errors.New("exactly one GCP source must be provided")
	ErrMalformedPointsFile   = errors.New("malformed .points file")
)

// Transformation is one warp model offered to users.
type Transformation struct {
	ID       string `json:"id"`
	GDALCode int    `json:"gdal_code"`
	Name     string `json:"name"`
	Desc     string `json:"desc"`
}

var Transformations = map[string]Transformation{
	"tps":   {ID: "tps", GDALCode: -1, Name: "Thin Plate Spline", Desc: "max distortion"},
	"poly":  {ID: "poly", GDALCode: 0, Name: "Highest Possible Polynomial", Desc: "uses highest possible polynomial order based on GCP count"},
	"poly1": {ID: "poly1", GDALCode: 1, Name: "Polynomial 1", Desc: "uses polynomial 1"},
	"poly2": {ID: "poly2", GDALCode: 2, Name: "Polynomial 2", Desc: "uses polynomial 2, requires 6 GCPs"},
	"poly3": {ID: "poly3", GDALCode: 3, Name: "Polynomial 3", Desc: "uses polynomial 3, requires 10 GCPs (not recommended in GDAL docs)"},
}

func transformationIDs() []string {
	ids := make([]string, 0, len(Transformations))
	for id := range Transformations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AnticipatePolynomialOrder reports the order GDAL picks for "poly" given the
// GCP count. Orders above poly1 give poor results on these sheets.
func AnticipatePolynomialOrder(gcpCount int) string {
	switch {
	case gcpCount < 6:
		return "poly1"
	case gcpCount < 10:
		return "poly2"
	default:
		return "poly3"
	}
}

// WKTSource resolves EPSG codes to WKT.
type WKTSource interface {
	WKT(ctx context.Context, code int) (string, error)
}

// VRTHandler names a VRT file in the VRT root and the urls it is served under.
type VRTHandler struct {
	BaseName string
	Name     string
	root     string
	baseURL  string
}

func NewVRTHandler(cfg *config.Config, baseName, variant string) *VRTHandler {
	h := &VRTHandler{BaseName: baseName, Name: baseName, root: cfg.VRTRoot, baseURL: cfg.VRTBaseURL()}
	if variant != "" {
		h.Name = baseName + "-" + variant
	}
	return h
}

func (h *VRTHandler) Path() string   { return filepath.Join(h.root, h.Name+".vrt") }
func (h *VRTHandler) URL() string    { return h.baseURL + h.Name + ".vrt" }
func (h *VRTHandler) VSIURL() string { return "/vsicurl/" + h.URL() }

// GeoreferencerOptions selects the target CRS, the warp model and exactly one
// GCP source.
type GeoreferencerOptions struct {
	CRS            string
	Transformation string
	// GCPs are already in the target CRS.
	GCPs []OSGEO.GCP
	// GeoJSON points are WGS84 [lng, lat] with properties.image = [x, y].
	GeoJSON *geojson.FeatureCollection
	// PointsFile is a QGIS style .points file path.
	PointsFile string
}

// Georeferencer warps a source image by a set of GCPs through a chain of VRTs.
type Georeferencer struct {
	engine OSGEO.Engine
	cfg    *config.Config

	crsCode        string
	epsg           int
	crsWKT         string
	transformation Transformation
	gcps           []OSGEO.GCP

	GCPsVRT    *VRTHandler
	WarpedVRT  *VRTHandler
	TrimmedVRT *VRTHandler
	COG        string
}

func NewGeoreferencer(ctx context.Context, engine OSGEO.Engine, srs WKTSource, cfg *config.Config, opts GeoreferencerOptions) (*Georeferencer, error) {
	if opts.CRS == "" {
		opts.CRS = "EPSG:3857"
	}
	if opts.Transformation == "" {
		opts.Transformation = "poly1"
	}
	if !strings.Contains(opts.CRS, ":") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCRS, opts.CRS)
	}
	_, code, err := OSGEO.ParseCRS(opts.CRS)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCRS, err)
	}
	tr, ok := Transformations[opts.Transformation]
	if !ok {
		return nil, fmt.Errorf("%w %q, must be one of %v", ErrInvalidTransformation, opts.Transformation, transformationIDs())
	}

	sources := 0
	if len(opts.GCPs) > 0 {
		sources++
	}
	if opts.GeoJSON != nil {
		sources++
	}
	if opts.PointsFile != "" {
		sources++
	}
	if sources != 1 {
		return nil, ErrNoGCPSource
	}

	wkt, err := srs.WKT(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("retrieve srs %s: %w", opts.CRS, err)
	}

	g := &Georeferencer{
		engine:         engine,
		cfg:            cfg,
		crsCode:        opts.CRS,
		epsg:           code,
		crsWKT:         wkt,
		transformation: tr,
	}
	switch {
	case len(opts.GCPs) > 0:
		g.gcps = append(g.gcps, opts.GCPs...)
	case opts.GeoJSON != nil:
		if err := g.loadGeoJSON(ctx, opts.GeoJSON); err != nil {
			return nil, err
		}
	default:
		gcps, err := ReadPointsFile(opts.PointsFile)
		if err != nil {
			return nil, err
		}
		g.gcps = gcps
	}
	return g, nil
}

func (g *Georeferencer) CRS() string                    { return g.crsCode }
func (g *Georeferencer) Transformation() Transformation { return g.transformation }

func (g *Georeferencer) GCPs() []OSGEO.GCP {
	out := make([]OSGEO.GCP, len(g.gcps))
	copy(out, g.gcps)
	return out
}

func (g *Georeferencer) loadGeoJSON(ctx context.Context, fc *geojson.FeatureCollection) error {
	if g.cfg.SwapCoordinateOrder {
		log.Printf("WARNING: swapping GCP coordinate order, development setting only")
	}
	pts := make([]orb.Point, 0, len(fc.Features))
	pixels := make([][2]float64, 0, len(fc.Features))
	for i, f := range fc.Features {
		p, ok := f.Geometry.(orb.Point)
		if !ok {
			return fmt.Errorf("gcp %d: geometry must be a Point", i)
		}
		if g.cfg.SwapCoordinateOrder {
			p = orb.Point{p[1], p[0]}
		}
		px, err := imagePixel(f.Properties)
		if err != nil {
			return fmt.Errorf("gcp %d: %w", i, err)
		}
		pts = append(pts, p)
		pixels = append(pixels, px)
	}

	var projected []orb.Point
	switch g.epsg {
	case 4326:
		projected = pts
	case 3857:
		projected = make([]orb.Point, len(pts))
		for i, p := range pts {
			x, y := methods.LonLatToMercator(p[0], p[1])
			projected[i] = orb.Point{x, y}
		}
	default:
		var err error
		projected, err = g.engine.Transform(ctx, 4326, g.crsWKT, pts)
		if err != nil {
			return err
		}
	}
	g.gcps = make([]OSGEO.GCP, len(pts))
	for i := range pts {
		g.gcps[i] = OSGEO.GCP{PixelX: pixels[i][0], PixelY: pixels[i][1], X: projected[i][0], Y: projected[i][1]}
	}
	return nil
}

func imagePixel(props geojson.Properties) ([2]float64, error) {
	if px, ok := props["image"].([]float64); ok && len(px) >= 2 {
		return [2]float64{px[0], px[1]}, nil
	}
	raw, ok := props["image"].([]interface{})
	if !ok || len(raw) < 2 {
		return [2]float64{}, errors.New("properties.image must be [x, y]")
	}
	var px [2]float64
	for i := 0; i < 2; i++ {
		v, ok := raw[i].(float64)
		if !ok {
			return [2]float64{}, errors.New("properties.image must be numeric")
		}
		px[i] = v
	}
	return px, nil
}

// ReadPointsFile parses mapX,mapY,pixelX,pixelY lines. The header line is
// skipped and whitespace separated lines are accepted. pixelY is stored as
// its absolute value since QGIS writes it negative.
func ReadPointsFile(path string) ([]OSGEO.GCP, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var gcps []OSGEO.GCP
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "mapX") || strings.HasPrefix(text, "#") {
			continue
		}
		items := strings.Split(text, ",")
		if len(items) == 1 {
			items = strings.Fields(items[0])
		}
		if len(items) < 4 {
			return nil, fmt.Errorf("%w: line %d", ErrMalformedPointsFile, line)
		}
		var vals [4]float64
		for i := 0; i < 4; i++ {
			v, err := strconv.ParseFloat(strings.TrimSpace(items[i]), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedPointsFile, line, err)
			}
			vals[i] = v
		}
		gcps = append(gcps, OSGEO.GCP{X: vals[0], Y: vals[1], PixelX: vals[2], PixelY: math.Abs(vals[3])})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return gcps, nil
}

// MakeGCPsVRT writes {name}-gcps.vrt: the source with GCPs attached.
func (g *Georeferencer) MakeGCPsVRT(ctx context.Context, srcPath, name string) (*VRTHandler, error) {
	if name == "" {
		name = uuid.New().String()
	}
	log.Printf("%s | create VRT with GCPs...", filepath.Base(srcPath))
	if err := os.MkdirAll(g.cfg.VRTRoot, 0755); err != nil {
		return nil, err
	}
	g.GCPsVRT = NewVRTHandler(g.cfg, name, "gcps")
	err := g.engine.Translate(ctx, srcPath, g.GCPsVRT.Path(), OSGEO.TranslateOptions{
		Format:          "VRT",
		SRS:             g.crsCode,
		GCPs:            g.gcps,
		CreationOptions: []string{"BLOCKXSIZE=512", "BLOCKYSIZE=512"},
	})
	if err != nil {
		log.Printf("%s | translate error: %v", srcPath, err)
		return nil, err
	}
	return g.GCPsVRT, nil
}

// MakeWarpedVRT writes {name}-modified.vrt: the GCP VRT warped into the target CRS.
func (g *Georeferencer) MakeWarpedVRT(ctx context.Context, srcPath, name string) (*VRTHandler, error) {
	if name == "" {
		name = uuid.New().String()
	}
	gcpsVRT, err := g.MakeGCPsVRT(ctx, srcPath, name)
	if err != nil {
		return nil, err
	}
	log.Printf("%s | create warped VRT...", filepath.Base(srcPath))
	g.WarpedVRT = NewVRTHandler(g.cfg, name, "modified")
	err = g.engine.Warp(ctx, gcpsVRT.Path(), g.WarpedVRT.Path(), g.warpOptions())
	if err != nil {
		log.Printf("%s | warp error: %v", gcpsVRT.Path(), err)
		return nil, err
	}
	return g.WarpedVRT, nil
}

func (g *Georeferencer) warpOptions() OSGEO.WarpOptions {
	return OSGEO.WarpOptions{
		Format:    "VRT",
		TargetSRS: g.crsCode,
		TransformerOptions: []string{
			"DST_SRS=" + g.crsWKT,
			"MAX_GCP_ORDER=" + strconv.Itoa(g.transformation.GDALCode),
		},
		DstAlpha:        true,
		Resample:        "near",
		CreationOptions: []string{"BLOCKXSIZE=512", "BLOCKYSIZE=512"},
	}
}

// MakeTrimmedVRT warps the source and cuts it to the multimask feature whose
// layer property equals layerSlug.
func (g *Georeferencer) MakeTrimmedVRT(ctx context.Context, srcPath, multimaskFile, layerSlug string) (*VRTHandler, error) {
	warped, err := g.MakeWarpedVRT(ctx, srcPath, "")
	if err != nil {
		return nil, err
	}
	log.Printf("%s | create trimmed VRT...", filepath.Base(srcPath))
	g.TrimmedVRT = NewVRTHandler(g.cfg, warped.BaseName, "trim")
	stem := strings.TrimSuffix(filepath.Base(multimaskFile), filepath.Ext(multimaskFile))
	err = g.engine.Warp(ctx, warped.Path(), g.TrimmedVRT.Path(), OSGEO.WarpOptions{
		Format:        "VRT",
		TargetSRS:     "EPSG:3857",
		Cutline:       multimaskFile,
		CutlineLayer:  stem,
		CutlineWhere:  fmt.Sprintf("layer='%s'", layerSlug),
		CropToCutline: true,
	})
	if err != nil {
		return nil, err
	}
	return g.TrimmedVRT, nil
}

// MakeCOG warps the source into {TempDir}/{stem}-modified.tif.
func (g *Georeferencer) MakeCOG(ctx context.Context, srcPath string) (string, error) {
	start := time.Now()
	warped, err := g.MakeWarpedVRT(ctx, srcPath, "")
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(g.cfg.TempDir, 0755); err != nil {
		return "", err
	}
	stem := strings.TrimSuffix(filepath.Base(srcPath), filepath.Ext(srcPath))
	g.COG = filepath.Join(g.cfg.TempDir, stem+"-modified.tif")
	err = g.engine.Translate(ctx, warped.Path(), g.COG, OSGEO.TranslateOptions{
		Format:          "COG",
		CreationOptions: []string{"COMPRESS=JPEG", "TILING_SCHEME=GoogleMapsCompatible"},
		Resample:        "near",
	})
	if err != nil {
		log.Printf("%s | translate error: %v", warped.Path(), err)
		return "", err
	}
	log.Printf("%s | COG created: %.3f seconds.", filepath.Base(srcPath), time.Since(start).Seconds())
	return g.COG, nil
}

// CleanupFiles removes every VRT and COG this georeferencer wrote.
func (g *Georeferencer) CleanupFiles() error {
	var result error
	for _, h := range []*VRTHandler{g.GCPsVRT, g.WarpedVRT, g.TrimmedVRT} {
		if h == nil {
			continue
		}
		if err := methods.RemoveFiles(h.Path()); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := methods.RemoveFiles(g.COG); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}
