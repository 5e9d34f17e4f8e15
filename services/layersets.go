package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/GrainArc/MapRectify/models"
	"github.com/hashicorp/go-multierror"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"gorm.io/gorm"
)

var ErrUnknownCategory = errors.New("unknown layerset category")

// GetOrCreateLayerSet returns the layerset of a map for a category, creating it
// on first use.
func GetOrCreateLayerSet(tx *gorm.DB, mapID uint, category string) (*models.LayerSet, error) {
	var cat models.LayerSetCategory
	if err := tx.Where("slug = ?", category).First(&cat).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, category)
		}
		return nil, err
	}
	var set models.LayerSet
	err := tx.Preload("Category").Where("map_id = ? AND category_id = ?", mapID, cat.ID).First(&set).Error
	if err == nil {
		return &set, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	set = models.LayerSet{MapID: mapID, CategoryID: cat.ID}
	if err := tx.Create(&set).Error; err != nil {
		return nil, err
	}
	set.Category = cat
	log.Printf("map %d | created %s layerset", mapID, category)
	return &set, nil
}

// LayerSetService keeps multimasks consistent with layerset membership.
type LayerSetService struct {
	db      *gorm.DB
	cascade *Cascade
}

func NewLayerSetService(db *gorm.DB, cascade *Cascade) *LayerSetService {
	return &LayerSetService{db: db, cascade: cascade}
}

// Get loads a layerset with its category and layers ordered by slug.
func (s *LayerSetService) Get(ctx context.Context, id uint) (*models.LayerSet, error) {
	var set models.LayerSet
	err := s.db.WithContext(ctx).Preload("Category").
		Preload("Layers", func(db *gorm.DB) *gorm.DB { return db.Order("slug") }).
		First(&set, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &set, nil
}

// ValidateMultimask checks every feature of a submitted multimask and returns
// the valid ones keyed by layer slug. All problems are reported together.
func ValidateMultimask(fc *geojson.FeatureCollection, members map[string]bool) (map[string]*geojson.Feature, error) {
	var result error
	out := map[string]*geojson.Feature{}
	if fc == nil {
		return out, nil
	}
	for i, f := range fc.Features {
		slug, _ := f.Properties["layer"].(string)
		if slug == "" {
			result = multierror.Append(result, fmt.Errorf("feature %d: missing layer property", i))
			continue
		}
		if !members[slug] {
			result = multierror.Append(result, fmt.Errorf("%s: %w", slug, ErrOrphanedMultimaskKey))
			continue
		}
		poly, ok := f.Geometry.(orb.Polygon)
		if !ok || len(poly) == 0 {
			result = multierror.Append(result, fmt.Errorf("%s: geometry must be a Polygon", slug))
			continue
		}
		ring := poly[0]
		if len(ring) < 4 {
			result = multierror.Append(result, fmt.Errorf("%s: polygon ring needs at least 4 positions", slug))
			continue
		}
		if !ring.Closed() {
			result = multierror.Append(result, fmt.Errorf("%s: polygon ring is not closed", slug))
			continue
		}
		if _, dup := out[slug]; dup {
			result = multierror.Append(result, fmt.Errorf("%s: more than one feature for layer", slug))
			continue
		}
		nf := geojson.NewFeature(orb.Polygon{ring})
		nf.Properties = geojson.Properties{"layer": slug}
		out[slug] = nf
	}
	return out, result
}

// UpdateMultimask replaces the multimask of a layerset. An empty collection
// clears it. Nothing is saved when any feature is invalid.
func (s *LayerSetService) UpdateMultimask(ctx context.Context, id uint, fc *geojson.FeatureCollection) (*models.LayerSet, error) {
	set, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	members := map[string]bool{}
	for _, l := range set.Layers {
		members[l.Slug] = true
	}
	features, err := ValidateMultimask(fc, members)
	if err != nil {
		log.Printf("layerset %d | multimask rejected: %v", id, err)
		return nil, err
	}
	if err := set.SetMultimaskFeatures(features); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(&models.LayerSet{ID: set.ID}).Update("multimask", set.Multimask).Error; err != nil {
		return nil, err
	}
	log.Printf("layerset %d | multimask saved with %d features", id, len(features))
	s.cascade.Changed(ctx, set.MapID)
	return set, nil
}

// FixLayerSlug returns slug when it names a layer, or the slug of the layer it
// was meant for when one of the known historic renames applies. ok is false
// when no match can be found.
func FixLayerSlug(slug string, valid map[string]bool) (string, bool) {
	if valid[slug] {
		return slug, true
	}
	var candidates []string
	for _, year := range [][2]string{{"1415", "1963"}, {"1895", "1896"}} {
		fixed := strings.ReplaceAll(slug, year[0], year[1])
		candidates = append(candidates, fixed, fixed+"0", strings.ReplaceAll(fixed, "_p_", "_p0_"))
	}
	candidates = append(candidates, slug+"0", strings.ReplaceAll(slug, "_p_", "_p0_"))
	for _, c := range candidates {
		if c != slug && valid[c] {
			return c, true
		}
	}
	return "", false
}

// MultimaskReport lists what CheckMultimasks found in one layerset.
type MultimaskReport struct {
	LayerSetID uint              `json:"layerset_id"`
	Renamed    map[string]string `json:"renamed"`
	Errors     []string          `json:"errors"`
}

// CheckMultimasks looks for multimask keys that do not name a member layer of
// their layerset and recovers what it can with FixLayerSlug. With fix set,
// renames are saved and unrecoverable keys are dropped.
func (s *LayerSetService) CheckMultimasks(ctx context.Context, fix bool) ([]MultimaskReport, error) {
	db := s.db.WithContext(ctx)
	var sets []models.LayerSet
	if err := db.Where("multimask IS NOT NULL").Order("map_id, id").Find(&sets).Error; err != nil {
		return nil, err
	}

	var reports []MultimaskReport
	for i := range sets {
		set := &sets[i]
		features, err := set.MultimaskFeatures()
		if err != nil {
			return nil, err
		}
		var slugs []string
		if err := db.Model(&models.Layer{}).Where("layer_set_id = ?", set.ID).Pluck("slug", &slugs).Error; err != nil {
			return nil, err
		}
		valid := make(map[string]bool, len(slugs))
		for _, slug := range slugs {
			valid[slug] = true
		}

		report := MultimaskReport{LayerSetID: set.ID, Renamed: map[string]string{}}
		keys := make([]string, 0, len(features))
		for k := range features {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fixed, ok := FixLayerSlug(k, valid)
			switch {
			case !ok:
				report.Errors = append(report.Errors, k)
				log.Printf("layerset %d | ERROR: %s is not a member layer", set.ID, k)
				delete(features, k)
			case fixed != k:
				log.Printf("layerset %d | %s -> %s", set.ID, k, fixed)
				f := features[k]
				delete(features, k)
				f.Properties = geojson.Properties{"layer": fixed}
				features[fixed] = f
				report.Renamed[k] = fixed
			}
		}
		if len(report.Renamed) == 0 && len(report.Errors) == 0 {
			continue
		}
		reports = append(reports, report)
		if fix {
			if err := set.SetMultimaskFeatures(features); err != nil {
				return nil, err
			}
			if err := db.Model(&models.LayerSet{ID: set.ID}).Update("multimask", set.Multimask).Error; err != nil {
				return nil, err
			}
			log.Printf("saving layerset %d", set.ID)
		}
	}
	return reports, nil
}

// ClassifyLayers moves layers of a map into the layerset of the given category.
// A moved layer keeps no multimask entry in the set it left.
func (s *LayerSetService) ClassifyLayers(ctx context.Context, mapID uint, assignments map[uint]string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := make([]uint, 0, len(assignments))
		for id := range assignments {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			var layer models.Layer
			if err := tx.Where("id = ? AND map_id = ?", id, mapID).First(&layer).Error; err != nil {
				return fmt.Errorf("layer %d: %w", id, err)
			}
			target, err := GetOrCreateLayerSet(tx, mapID, assignments[id])
			if err != nil {
				return err
			}
			if layer.LayerSetID != nil && *layer.LayerSetID == target.ID {
				continue
			}
			old := layer.LayerSetID
			if err := tx.Model(&layer).Update("layer_set_id", target.ID).Error; err != nil {
				return err
			}
			if old != nil {
				if err := removeFromLayerSet(tx, *old, layer.Slug); err != nil {
					return err
				}
			}
			log.Printf("layer %s | moved to %s layerset", layer.Slug, assignments[id])
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.cascade.Changed(ctx, mapID)
	return nil
}

// refreshLayerSetExtent sets the extent of a layerset to the union of its
// member layer extents.
func refreshLayerSetExtent(tx *gorm.DB, setID uint) error {
	var layers []models.Layer
	if err := tx.Where("layer_set_id = ?", setID).Find(&layers).Error; err != nil {
		return err
	}
	var union orb.Bound
	found := false
	for i := range layers {
		b, ok := layers[i].Bound()
		if !ok {
			continue
		}
		if !found {
			union, found = b, true
			continue
		}
		union = union.Union(b)
	}
	if !found {
		return nil
	}
	var set models.LayerSet
	set.ID = setID
	set.SetBound(union)
	return tx.Model(&set).Update("extent", set.Extent).Error
}
