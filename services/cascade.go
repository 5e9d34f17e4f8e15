package services

import (
	"context"
	"errors"
	"log"

	"github.com/GrainArc/MapRectify/models"
	"gorm.io/gorm"
)

// Cascade performs the deletes that keep Documents, Regions, Layers, GCPGroups
// and LayerSets consistent, then refreshes the map lookup.
type Cascade struct {
	db      *gorm.DB
	storage *Storage
	lookup  *LookupService
}

func NewCascade(db *gorm.DB, storage *Storage, lookup *LookupService) *Cascade {
	return &Cascade{db: db, storage: storage, lookup: lookup}
}

// Changed refreshes the lookup of a map unless ctx carries WithoutLookupUpdate.
func (c *Cascade) Changed(ctx context.Context, mapID uint) {
	if c.lookup == nil || lookupUpdateSkipped(ctx) {
		return
	}
	if _, err := c.lookup.UpdateItemLookup(ctx, mapID); err != nil {
		log.Printf("map %d | lookup update failed: %v", mapID, err)
	}
}

// DeleteLayer removes a layer. Its region is marked not georeferenced, the
// region's GCPs are dropped, the layer leaves its layerset multimask and an
// emptied layerset is deleted.
func (c *Cascade) DeleteLayer(ctx context.Context, layerID uint) error {
	var keys []string
	var mapID uint
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var layer models.Layer
		if err := tx.First(&layer, layerID).Error; err != nil {
			return err
		}
		mapID = layer.MapID
		k, err := deleteLayerTx(tx, &layer)
		keys = k
		return err
	})
	if err != nil {
		return err
	}
	c.deleteKeys(ctx, keys)
	c.Changed(ctx, mapID)
	return nil
}

func deleteLayerTx(tx *gorm.DB, layer *models.Layer) ([]string, error) {
	if err := tx.Model(&models.Region{}).Where("id = ?", layer.RegionID).Update("georeferenced", false).Error; err != nil {
		return nil, err
	}
	if err := DeleteGCPGroup(tx, layer.RegionID); err != nil {
		return nil, err
	}
	if err := tx.Delete(layer).Error; err != nil {
		return nil, err
	}
	if layer.LayerSetID != nil {
		if err := removeFromLayerSet(tx, *layer.LayerSetID, layer.Slug); err != nil {
			return nil, err
		}
	}
	log.Printf("layer %s | deleted", layer.Slug)
	return []string{layer.File, trimCacheKey(layer.File), trimmedKey(layer.File)}, nil
}

// removeFromLayerSet drops slug from the multimask and deletes the set when no
// layers remain in it.
func removeFromLayerSet(tx *gorm.DB, setID uint, slug string) error {
	var set models.LayerSet
	err := tx.First(&set, setID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var remaining int64
	if err := tx.Model(&models.Layer{}).Where("layer_set_id = ?", setID).Count(&remaining).Error; err != nil {
		return err
	}
	if remaining == 0 {
		log.Printf("layerset %d | no layers left, deleting", setID)
		return tx.Delete(&set).Error
	}
	features, err := set.MultimaskFeatures()
	if err != nil {
		return err
	}
	if _, ok := features[slug]; !ok {
		return nil
	}
	delete(features, slug)
	if err := set.SetMultimaskFeatures(features); err != nil {
		return err
	}
	return tx.Model(&set).Update("multimask", set.Multimask).Error
}

// DeleteRegion removes a region with its layer and GCPs.
func (c *Cascade) DeleteRegion(ctx context.Context, regionID uint) error {
	var keys []string
	var mapID uint
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var region models.Region
		if err := tx.First(&region, regionID).Error; err != nil {
			return err
		}
		mapID = region.MapID
		k, err := deleteRegionTx(tx, &region)
		keys = k
		return err
	})
	if err != nil {
		return err
	}
	c.deleteKeys(ctx, keys)
	c.Changed(ctx, mapID)
	return nil
}

func deleteRegionTx(tx *gorm.DB, region *models.Region) ([]string, error) {
	var keys []string
	var layer models.Layer
	err := tx.Where("region_id = ?", region.ID).First(&layer).Error
	switch {
	case err == nil:
		k, err := deleteLayerTx(tx, &layer)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k...)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}
	if err := DeleteGCPGroup(tx, region.ID); err != nil {
		return nil, err
	}
	if err := tx.Delete(region).Error; err != nil {
		return nil, err
	}
	return append(keys, region.File, region.Thumbnail), nil
}

// DeleteDocument removes a document and everything made from it.
func (c *Cascade) DeleteDocument(ctx context.Context, docID uint) error {
	var keys []string
	var mapID uint
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc models.Document
		if err := tx.First(&doc, docID).Error; err != nil {
			return err
		}
		mapID = doc.MapID
		var regions []models.Region
		if err := tx.Where("document_id = ?", doc.ID).Find(&regions).Error; err != nil {
			return err
		}
		for i := range regions {
			k, err := deleteRegionTx(tx, &regions[i])
			if err != nil {
				return err
			}
			keys = append(keys, k...)
		}
		if err := tx.Delete(&doc).Error; err != nil {
			return err
		}
		keys = append(keys, doc.File, doc.Thumbnail)
		return nil
	})
	if err != nil {
		return err
	}
	c.deleteKeys(ctx, keys)
	c.Changed(ctx, mapID)
	return nil
}

func (c *Cascade) deleteKeys(ctx context.Context, keys []string) {
	if c.storage == nil {
		return
	}
	for _, key := range keys {
		if err := c.storage.Delete(ctx, key); err != nil {
			log.Printf("cascade | %v", err)
		}
	}
}
