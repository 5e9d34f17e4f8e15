package services

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/GrainArc/MapRectify/OSGEO"
	"github.com/GrainArc/MapRectify/config"
	"github.com/GrainArc/MapRectify/methods"
	"github.com/GrainArc/MapRectify/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Preview is a scratch warp the client can display before submitting.
type Preview struct {
	URL string `json:"preview_url"`
	ID  string `json:"preview_id"`
}

// PreviewService makes scratch warped VRTs of regions.
type PreviewService struct {
	db      *gorm.DB
	cfg     *config.Config
	storage *Storage
	engine  OSGEO.Engine
	srs     WKTSource
}

func NewPreviewService(db *gorm.DB, cfg *config.Config, storage *Storage, engine OSGEO.Engine, srs WKTSource) *PreviewService {
	return &PreviewService{db: db, cfg: cfg, storage: storage, engine: engine, srs: srs}
}

// Preview warps the region image by the given GCPs into a VRT under a fresh id.
// The VRT streams the region file from storage.
func (p *PreviewService) Preview(ctx context.Context, regionID uint, data models.GeorefData) (*Preview, error) {
	var region models.Region
	if err := p.db.WithContext(ctx).First(&region, regionID).Error; err != nil {
		return nil, err
	}
	g, err := NewGeoreferencer(ctx, p.engine, p.srs, p.cfg, GeoreferencerOptions{
		CRS:            fmt.Sprintf("EPSG:%d", data.EPSG),
		Transformation: data.Transformation,
		GeoJSON:        data.GCPs,
	})
	if err != nil {
		return nil, err
	}
	id := uuid.New().String()
	src := OSGEO.VSICurl(p.storage.URL(region.File))
	vrt, err := g.MakeWarpedVRT(ctx, src, id)
	if err != nil {
		return nil, err
	}
	log.Printf("%s | preview %s", region.Slug, id)
	return &Preview{URL: vrt.URL(), ID: id}, nil
}

// DeletePreviewVRTs removes every VRT written for a preview id.
func DeletePreviewVRTs(cfg *config.Config, id string) (int, error) {
	if id == "" {
		return 0, nil
	}
	if _, err := uuid.Parse(id); err != nil {
		return 0, fmt.Errorf("invalid preview id %q", id)
	}
	n, err := methods.DeleteMatching(filepath.Join(cfg.VRTRoot, id+"*"))
	if n > 0 {
		log.Printf("preview %s | removed %d VRT file(s)", id, n)
	}
	return n, err
}
