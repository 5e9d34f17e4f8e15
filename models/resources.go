package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"gorm.io/datatypes"
)

// Document is one uploaded scan of a physical sheet.
type Document struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	MapID      uint      `gorm:"index" json:"map_id"`
	PageNumber string    `gorm:"type:varchar(50)" json:"page_number"`
	Title      string    `gorm:"type:varchar(255)" json:"title"`
	Slug       string    `gorm:"type:varchar(255);index" json:"slug"`
	Prepared   bool      `json:"prepared"`
	File       string    `gorm:"type:varchar(255)" json:"file"`
	Thumbnail  string    `gorm:"type:varchar(255)" json:"thumbnail"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	CreatedBy  string    `gorm:"type:varchar(255)" json:"created_by"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Regions    []Region  `gorm:"foreignKey:DocumentID" json:"-"`
}

// Region is one map face cut out of a Document.
type Region struct {
	ID             uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	DocumentID     uint           `gorm:"index" json:"document_id"`
	MapID          uint           `gorm:"index" json:"map_id"`
	Title          string         `gorm:"type:varchar(255)" json:"title"`
	Slug           string         `gorm:"type:varchar(255);index" json:"slug"`
	Boundary       datatypes.JSON `json:"boundary"` // pixel ring [[x,y],...]
	DivisionNumber *int           `json:"division_number"`
	PrepSessionID  *uint          `gorm:"index" json:"prep_session_id"`
	Georeferenced  bool           `json:"georeferenced"`
	IsMap          bool           `gorm:"default:true" json:"is_map"`
	File           string         `gorm:"type:varchar(255)" json:"file"`
	Thumbnail      string         `gorm:"type:varchar(255)" json:"thumbnail"`
	CreatedBy      string         `gorm:"type:varchar(255)" json:"created_by"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// SetBoundary stores a closed pixel ring.
func (r *Region) SetBoundary(ring [][2]float64) error {
	b, err := json.Marshal(ring)
	if err != nil {
		return err
	}
	r.Boundary = datatypes.JSON(b)
	return nil
}

// BoundaryRing decodes the pixel ring, nil when unset.
func (r *Region) BoundaryRing() ([][2]float64, error) {
	if len(r.Boundary) == 0 {
		return nil, nil
	}
	var ring [][2]float64
	if err := json.Unmarshal(r.Boundary, &ring); err != nil {
		return nil, fmt.Errorf("region %d boundary: %w", r.ID, err)
	}
	return ring, nil
}

// Layer is the georeferenced raster made from a Region.
type Layer struct {
	ID            uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	RegionID      uint           `gorm:"uniqueIndex" json:"region_id"`
	MapID         uint           `gorm:"index" json:"map_id"`
	Title         string         `gorm:"type:varchar(255)" json:"title"`
	Slug          string         `gorm:"type:varchar(255);uniqueIndex" json:"slug"`
	File          string         `gorm:"type:varchar(255)" json:"file"`
	Extent        datatypes.JSON `json:"extent"` // WGS84 [minx,miny,maxx,maxy]
	LayerSetID    *uint          `gorm:"index" json:"layerset_id"`
	CreatedBy     string         `gorm:"type:varchar(255)" json:"created_by"`
	LastUpdatedBy string         `gorm:"type:varchar(255)" json:"last_updated_by"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Bound returns the stored extent, ok is false when none was set.
func (l *Layer) Bound() (orb.Bound, bool) {
	if len(l.Extent) == 0 {
		return orb.Bound{}, false
	}
	var e [4]float64
	if err := json.Unmarshal(l.Extent, &e); err != nil {
		return orb.Bound{}, false
	}
	return orb.Bound{Min: orb.Point{e[0], e[1]}, Max: orb.Point{e[2], e[3]}}, true
}

// SetBound stores a WGS84 extent.
func (l *Layer) SetBound(b orb.Bound) {
	raw, _ := json.Marshal([4]float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]})
	l.Extent = datatypes.JSON(raw)
}

// GCPGroup is the canonical set of control points for a Region.
type GCPGroup struct {
	ID             uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	RegionID       uint      `gorm:"uniqueIndex" json:"region_id"`
	CRSEPSG        int       `gorm:"default:3857" json:"crs_epsg"`
	Transformation string    `gorm:"type:varchar(20)" json:"transformation"`
	GCPs           []GCP     `gorm:"foreignKey:GCPGroupID" json:"gcps"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// GCP pairs a pixel with a WGS84 position.
type GCP struct {
	ID             string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	GCPGroupID     uint      `gorm:"index" json:"gcp_group_id"`
	PixelX         float64   `json:"pixel_x"`
	PixelY         float64   `json:"pixel_y"`
	Lng            float64   `json:"lng"`
	Lat            float64   `json:"lat"`
	Note           string    `gorm:"type:varchar(255)" json:"note"`
	CreatedBy      string    `gorm:"type:varchar(255)" json:"created_by"`
	LastModifiedBy string    `gorm:"type:varchar(255)" json:"last_modified_by"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AsGeoJSON renders the group in the same shape a georeference session submits.
func (g *GCPGroup) AsGeoJSON() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, gcp := range g.GCPs {
		f := geojson.NewFeature(orb.Point{gcp.Lng, gcp.Lat})
		f.Properties = geojson.Properties{
			"id":       gcp.ID,
			"image":    []float64{gcp.PixelX, gcp.PixelY},
			"username": gcp.LastModifiedBy,
			"note":     gcp.Note,
		}
		fc.Append(f)
	}
	return fc
}
