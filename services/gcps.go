package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/GrainArc/MapRectify/methods"
	"github.com/GrainArc/MapRectify/models"
	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// LoadGCPGroup returns the group of a region with its GCPs, nil when the region
// has none.
func LoadGCPGroup(tx *gorm.DB, regionID uint) (*models.GCPGroup, error) {
	var group models.GCPGroup
	err := tx.Preload("GCPs", func(db *gorm.DB) *gorm.DB { return db.Order("created_at, id") }).
		Where("region_id = ?", regionID).First(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &group, nil
}

// SaveGCPsFromGeoJSON reconciles the canonical GCPs of a region with a
// FeatureCollection by GCP id: points missing from the collection are deleted,
// new ones are created and changed ones are updated.
func SaveGCPsFromGeoJSON(tx *gorm.DB, regionID uint, fc *geojson.FeatureCollection, transformation, username string) (*models.GCPGroup, error) {
	group, err := LoadGCPGroup(tx, regionID)
	if err != nil {
		return nil, err
	}
	if group == nil {
		group = &models.GCPGroup{RegionID: regionID, CRSEPSG: 3857}
	}
	if transformation != "" {
		group.Transformation = transformation
	}
	if err := tx.Omit("GCPs").Save(group).Error; err != nil {
		return nil, err
	}

	existing := map[string]*models.GCP{}
	for i := range group.GCPs {
		existing[group.GCPs[i].ID] = &group.GCPs[i]
	}

	var features []*geojson.Feature
	if fc != nil {
		features = fc.Features
	}
	incoming := map[string]bool{}
	for _, f := range features {
		if id, ok := f.Properties["id"].(string); ok && id != "" {
			incoming[id] = true
		}
	}

	var removed []string
	for id := range existing {
		if !incoming[id] {
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		if err := tx.Where("id IN ?", removed).Delete(&models.GCP{}).Error; err != nil {
			return nil, err
		}
	}

	added, updated := 0, 0
	for i, f := range features {
		pt, ok := f.Geometry.(orb.Point)
		if !ok {
			return nil, fmt.Errorf("gcp %d: geometry must be a Point", i)
		}
		px, err := imagePixel(f.Properties)
		if err != nil {
			return nil, fmt.Errorf("gcp %d: %w", i, err)
		}
		note, _ := f.Properties["note"].(string)
		id, _ := f.Properties["id"].(string)

		gcp, found := existing[id]
		if id == "" || !found {
			taken := int64(0)
			if id != "" {
				if err := tx.Model(&models.GCP{}).Where("id = ?", id).Count(&taken).Error; err != nil {
					return nil, err
				}
			}
			// ids are global; one owned by another region gets a fresh one
			if id == "" || taken > 0 {
				id = uuid.New().String()
			}
			gcp = &models.GCP{
				ID:             id,
				GCPGroupID:     group.ID,
				PixelX:         px[0],
				PixelY:         px[1],
				Lng:            pt[0],
				Lat:            pt[1],
				Note:           note,
				CreatedBy:      username,
				LastModifiedBy: username,
			}
			if err := tx.Create(gcp).Error; err != nil {
				return nil, err
			}
			added++
			continue
		}
		if gcp.PixelX == px[0] && gcp.PixelY == px[1] && gcp.Lng == pt[0] && gcp.Lat == pt[1] && gcp.Note == note {
			continue
		}
		gcp.PixelX, gcp.PixelY = px[0], px[1]
		gcp.Lng, gcp.Lat = pt[0], pt[1]
		gcp.Note = note
		gcp.LastModifiedBy = username
		if err := tx.Save(gcp).Error; err != nil {
			return nil, err
		}
		updated++
	}
	log.Printf("region %d gcps | %d added, %d updated, %d deleted", regionID, added, updated, len(removed))
	return LoadGCPGroup(tx, regionID)
}

type gcpSnapshot struct {
	Transformation string                     `json:"transformation"`
	GCPs           *geojson.FeatureCollection `json:"gcps"`
}

// SnapshotGCPs captures the canonical GCPs of a region before they are
// overwritten. A region without a group gives JSON null.
func SnapshotGCPs(tx *gorm.DB, regionID uint) (datatypes.JSON, error) {
	group, err := LoadGCPGroup(tx, regionID)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return datatypes.JSON("null"), nil
	}
	raw, err := json.Marshal(gcpSnapshot{Transformation: group.Transformation, GCPs: group.AsGeoJSON()})
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

// RestoreGCPs puts back a snapshot taken by SnapshotGCPs.
func RestoreGCPs(tx *gorm.DB, regionID uint, snapshot datatypes.JSON, username string) error {
	trimmed := bytes.TrimSpace(snapshot)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return DeleteGCPGroup(tx, regionID)
	}
	var snap gcpSnapshot
	if err := json.Unmarshal(trimmed, &snap); err != nil {
		return fmt.Errorf("region %d gcp snapshot: %w", regionID, err)
	}
	_, err := SaveGCPsFromGeoJSON(tx, regionID, snap.GCPs, snap.Transformation, username)
	return err
}

func DeleteGCPGroup(tx *gorm.DB, regionID uint) error {
	group, err := LoadGCPGroup(tx, regionID)
	if err != nil || group == nil {
		return err
	}
	if err := tx.Where("gcp_group_id = ?", group.ID).Delete(&models.GCP{}).Error; err != nil {
		return err
	}
	return tx.Delete(group).Error
}

// PointsFile renders the group as a QGIS .points file in EPSG:3857.
func PointsFile(group *models.GCPGroup) string {
	var buf bytes.Buffer
	buf.WriteString("mapX,mapY,pixelX,pixelY,enable\n")
	for _, gcp := range group.GCPs {
		x, y := methods.LonLatToMercator(gcp.Lng, gcp.Lat)
		fmt.Fprintf(&buf, "%v,%v,%v,%v,1\n", x, y, gcp.PixelX, -gcp.PixelY)
	}
	return buf.String()
}
