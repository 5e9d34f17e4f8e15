package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"gorm.io/datatypes"
)

const (
	CategoryMainContent       = "main-content"
	CategoryKeyMap            = "key-map"
	CategoryCongestedDistrict = "congested-district-map"
	CategoryGraphicMap        = "graphic-map-of-volumes"
)

type LayerSetCategory struct {
	ID           uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Slug         string `gorm:"type:varchar(50);uniqueIndex" json:"slug"`
	DisplayName  string `gorm:"type:varchar(255)" json:"display_name"`
	Description  string `json:"description"`
	IsGeospatial bool   `json:"is_geospatial"`
}

func (c LayerSetCategory) String() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return c.Slug
}

// LayerSet groups the Layers of one map that are mosaicked together.
// Multimask maps layer slug to a GeoJSON Feature with a single polygon.
type LayerSet struct {
	ID            uint             `gorm:"primaryKey;autoIncrement" json:"id"`
	MapID         uint             `gorm:"uniqueIndex:idx_layerset_map_category" json:"map_id"`
	CategoryID    uint             `gorm:"uniqueIndex:idx_layerset_map_category" json:"category_id"`
	Category      LayerSetCategory `gorm:"foreignKey:CategoryID" json:"category"`
	Multimask     datatypes.JSON   `json:"multimask"`
	Extent        datatypes.JSON   `json:"extent"`
	MosaicGeoTIFF string           `gorm:"type:varchar(255)" json:"mosaic_geotiff"`
	MosaicJSON    string           `gorm:"type:varchar(255)" json:"mosaic_json"`
	Layers        []Layer          `gorm:"foreignKey:LayerSetID" json:"-"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// MultimaskFeatures decodes the multimask. An empty or null column gives an empty map.
func (ls *LayerSet) MultimaskFeatures() (map[string]*geojson.Feature, error) {
	out := map[string]*geojson.Feature{}
	if len(ls.Multimask) == 0 || string(ls.Multimask) == "null" {
		return out, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(ls.Multimask, &raw); err != nil {
		return nil, fmt.Errorf("layerset %d multimask: %w", ls.ID, err)
	}
	for slug, b := range raw {
		f, err := geojson.UnmarshalFeature(b)
		if err != nil {
			return nil, fmt.Errorf("layerset %d multimask %s: %w", ls.ID, slug, err)
		}
		out[slug] = f
	}
	return out, nil
}

// SetMultimaskFeatures stores the mapping, clearing the column when it is empty.
func (ls *LayerSet) SetMultimaskFeatures(features map[string]*geojson.Feature) error {
	if len(features) == 0 {
		ls.Multimask = nil
		return nil
	}
	b, err := json.Marshal(features)
	if err != nil {
		return err
	}
	ls.Multimask = datatypes.JSON(b)
	return nil
}

// MultimaskGeoJSON renders the multimask as a FeatureCollection in slug order,
// each feature tagged with properties.layer.
func (ls *LayerSet) MultimaskGeoJSON() (*geojson.FeatureCollection, error) {
	features, err := ls.MultimaskFeatures()
	if err != nil {
		return nil, err
	}
	if len(features) == 0 {
		return nil, nil
	}
	slugs := make([]string, 0, len(features))
	for slug := range features {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	fc := geojson.NewFeatureCollection()
	for _, slug := range slugs {
		f := features[slug]
		f.Properties = geojson.Properties{"layer": slug}
		fc.Append(f)
	}
	return fc, nil
}

// MultimaskExtent is the bound of every mask polygon, ok false when there are none.
func (ls *LayerSet) MultimaskExtent() (orb.Bound, bool) {
	features, err := ls.MultimaskFeatures()
	if err != nil || len(features) == 0 {
		return orb.Bound{}, false
	}
	var bound orb.Bound
	first := true
	for _, f := range features {
		if f.Geometry == nil {
			continue
		}
		b := f.Geometry.Bound()
		if first {
			bound = b
			first = false
			continue
		}
		bound = bound.Union(b)
	}
	return bound, !first
}

func (ls *LayerSet) Bound() (orb.Bound, bool) {
	if len(ls.Extent) == 0 || string(ls.Extent) == "null" {
		return orb.Bound{}, false
	}
	var e [4]float64
	if err := json.Unmarshal(ls.Extent, &e); err != nil {
		return orb.Bound{}, false
	}
	return orb.Bound{Min: orb.Point{e[0], e[1]}, Max: orb.Point{e[2], e[3]}}, true
}

func (ls *LayerSet) SetBound(b orb.Bound) {
	raw, _ := json.Marshal([4]float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]})
	ls.Extent = datatypes.JSON(raw)
}
