package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"

	"github.com/GrainArc/MapRectify/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Item statuses shown in the map summary.
const (
	ItemUnprepared     = "unprepared"
	ItemSplitting      = "splitting"
	ItemPrepared       = "prepared"
	ItemGeoreferencing = "georeferencing"
	ItemGeoreferenced  = "georeferenced"
	ItemTrimmed        = "trimmed"
)

type LookupLock struct {
	SessionID  uint   `json:"session_id"`
	User       string `json:"user"`
	Expiration string `json:"expiration"`
}

// LookupItem is the summary of one Document, Region or Layer.
type LookupItem struct {
	ID        uint        `json:"id"`
	Type      string      `json:"type"`
	Title     string      `json:"title"`
	Slug      string      `json:"slug"`
	Status    string      `json:"status"`
	File      string      `json:"file"`
	Thumbnail string      `json:"thumbnail,omitempty"`
	Lock      *LookupLock `json:"lock"`
	Extent    []float64   `json:"extent,omitempty"`
	LayerSet  string      `json:"layerset,omitempty"`
}

type ProcessingCounts struct {
	Unprep  int `json:"unprep"`
	Prep    int `json:"prep"`
	GeoTrim int `json:"geo_trim"`
}

// ItemLookup is the cached per map summary stored in Map.ItemLookup.
type ItemLookup struct {
	Unprepared    []LookupItem     `json:"unprepared"`
	Prepared      []LookupItem     `json:"prepared"`
	Georeferenced []LookupItem     `json:"georeferenced"`
	NonMaps       []LookupItem     `json:"nonmaps"`
	Layers        []LookupItem     `json:"layers"`
	Processing    ProcessingCounts `json:"processing"`
}

// Stats summarizes progress for one map.
type Stats struct {
	UnpreparedCount    int     `json:"unprepared_ct"`
	PreparedCount      int     `json:"prepared_ct"`
	GeoreferencedCount int     `json:"georeferenced_ct"`
	Percent            int     `json:"percent"`
	MMPercent          float64 `json:"mm_percent"`
	MMDisplay          string  `json:"mm_display"`
	MMCount            int     `json:"mm_ct"`
}

// ComputeStats derives the progress figures from bucket sizes and the number
// of main content layers that have a multimask entry.
func ComputeStats(unprepared, prepared, georeferenced, mmAssigned, mmTotal int) Stats {
	s := Stats{
		UnpreparedCount:    unprepared,
		PreparedCount:      prepared,
		GeoreferencedCount: georeferenced,
	}
	if georeferenced > 0 {
		s.Percent = int(float64(georeferenced) / float64(unprepared+prepared+georeferenced) * 100)
	}
	if mmAssigned > 0 {
		s.MMPercent = float64(mmAssigned)/float64(mmTotal) + float64(mmTotal)*1e-6
	} else {
		s.MMPercent = float64(mmTotal) * 1e-6
	}
	s.MMDisplay = fmt.Sprintf("%d/%d", mmAssigned, mmTotal)
	s.MMCount = mmTotal - mmAssigned
	return s
}

// LookupService maintains Map.ItemLookup.
type LookupService struct {
	db      *gorm.DB
	locks   *LockManager
	storage *Storage
}

func NewLookupService(db *gorm.DB, locks *LockManager, storage *Storage) *LookupService {
	return &LookupService{db: db, locks: locks, storage: storage}
}

// UpdateItemLookup rebuilds and stores the lookup of one map.
func (s *LookupService) UpdateItemLookup(ctx context.Context, mapID uint) (*ItemLookup, error) {
	lookup, err := s.Build(ctx, mapID)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(lookup)
	if err != nil {
		return nil, err
	}
	err = s.db.WithContext(ctx).Model(&models.Map{}).Where("id = ?", mapID).
		Update("item_lookup", datatypes.JSON(raw)).Error
	if err != nil {
		return nil, err
	}
	log.Printf("map %d | item lookup updated", mapID)
	return lookup, nil
}

// Lookup returns the cached lookup, building it when the map has none yet.
func (s *LookupService) Lookup(ctx context.Context, mapID uint) (*ItemLookup, error) {
	var m models.Map
	if err := s.db.WithContext(ctx).First(&m, mapID).Error; err != nil {
		return nil, err
	}
	if len(m.ItemLookup) == 0 || string(m.ItemLookup) == "null" {
		return s.UpdateItemLookup(ctx, mapID)
	}
	var lookup ItemLookup
	if err := json.Unmarshal(m.ItemLookup, &lookup); err != nil {
		return s.UpdateItemLookup(ctx, mapID)
	}
	return &lookup, nil
}

// Build assembles the lookup without storing it.
func (s *LookupService) Build(ctx context.Context, mapID uint) (*ItemLookup, error) {
	db := s.db.WithContext(ctx)
	var docs []models.Document
	if err := db.Where("map_id = ?", mapID).Find(&docs).Error; err != nil {
		return nil, err
	}
	var regions []models.Region
	if err := db.Where("map_id = ?", mapID).Find(&regions).Error; err != nil {
		return nil, err
	}
	var layers []models.Layer
	if err := db.Where("map_id = ?", mapID).Find(&layers).Error; err != nil {
		return nil, err
	}
	var running []models.Session
	if err := db.Where("map_id = ? AND stage = ?", mapID, models.StageProcessing).Find(&running).Error; err != nil {
		return nil, err
	}
	var sets []models.LayerSet
	if err := db.Preload("Category").Where("map_id = ?", mapID).Find(&sets).Error; err != nil {
		return nil, err
	}

	splitting := map[uint]bool{}
	georeferencing := map[uint]bool{}
	for _, sess := range running {
		switch {
		case sess.Type == models.SessionPreparation && sess.DocumentID != nil:
			splitting[*sess.DocumentID] = true
		case sess.Type == models.SessionGeoreference && sess.RegionID != nil:
			georeferencing[*sess.RegionID] = true
		}
	}
	setCategory := map[uint]string{}
	masked := map[string]bool{}
	for i := range sets {
		setCategory[sets[i].ID] = sets[i].Category.Slug
		features, err := sets[i].MultimaskFeatures()
		if err != nil {
			return nil, err
		}
		for slug := range features {
			masked[slug] = true
		}
	}
	layerByRegion := map[uint]*models.Layer{}
	for i := range layers {
		layerByRegion[layers[i].RegionID] = &layers[i]
	}

	docLocks, err := s.locksFor(ctx, models.TargetDocument, docIDs(docs))
	if err != nil {
		return nil, err
	}
	regionLocks, err := s.locksFor(ctx, models.TargetRegion, regionIDs(regions))
	if err != nil {
		return nil, err
	}

	lookup := &ItemLookup{
		Unprepared:    []LookupItem{},
		Prepared:      []LookupItem{},
		Georeferenced: []LookupItem{},
		NonMaps:       []LookupItem{},
		Layers:        []LookupItem{},
	}
	for _, d := range docs {
		if d.Prepared {
			continue
		}
		item := LookupItem{ID: d.ID, Type: "document", Title: d.Title, Slug: d.Slug, Status: ItemUnprepared,
			File: s.url(d.File), Thumbnail: s.url(d.Thumbnail), Lock: docLocks[d.ID]}
		if splitting[d.ID] {
			item.Status = ItemSplitting
			lookup.Processing.Unprep++
		}
		lookup.Unprepared = append(lookup.Unprepared, item)
	}
	for _, r := range regions {
		item := LookupItem{ID: r.ID, Type: "region", Title: r.Title, Slug: r.Slug,
			File: s.url(r.File), Thumbnail: s.url(r.Thumbnail), Lock: regionLocks[r.ID]}
		switch {
		case !r.IsMap:
			item.Status = ItemPrepared
			lookup.NonMaps = append(lookup.NonMaps, item)
		case r.Georeferenced:
			item.Status = ItemGeoreferenced
			if l := layerByRegion[r.ID]; l != nil && masked[l.Slug] {
				item.Status = ItemTrimmed
			}
			if georeferencing[r.ID] {
				item.Status = ItemGeoreferencing
				lookup.Processing.GeoTrim++
			}
			lookup.Georeferenced = append(lookup.Georeferenced, item)
		default:
			item.Status = ItemPrepared
			if georeferencing[r.ID] {
				item.Status = ItemGeoreferencing
				lookup.Processing.Prep++
			}
			lookup.Prepared = append(lookup.Prepared, item)
		}
	}
	for _, l := range layers {
		item := LookupItem{ID: l.ID, Type: "layer", Title: l.Title, Slug: l.Slug, Status: ItemGeoreferenced,
			File: s.url(l.File)}
		if masked[l.Slug] {
			item.Status = ItemTrimmed
		}
		if b, ok := l.Bound(); ok {
			item.Extent = []float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}
		}
		if l.LayerSetID != nil {
			item.LayerSet = setCategory[*l.LayerSetID]
		}
		lookup.Layers = append(lookup.Layers, item)
	}

	for _, items := range [][]LookupItem{lookup.Unprepared, lookup.Prepared, lookup.Georeferenced, lookup.NonMaps, lookup.Layers} {
		sort.SliceStable(items, func(i, j int) bool { return items[i].Slug < items[j].Slug })
	}
	return lookup, nil
}

// Stats computes the progress figures of a map from its lookup and its main
// content layerset.
func (s *LookupService) Stats(ctx context.Context, mapID uint, lookup *ItemLookup) (Stats, error) {
	db := s.db.WithContext(ctx)
	var cat models.LayerSetCategory
	if err := db.Where("slug = ?", models.CategoryMainContent).Limit(1).Find(&cat).Error; err != nil {
		return Stats{}, err
	}
	var set models.LayerSet
	if err := db.Where("map_id = ? AND category_id = ?", mapID, cat.ID).Limit(1).Find(&set).Error; err != nil {
		return Stats{}, err
	}
	assigned, total := 0, 0
	if set.ID != 0 {
		var slugs []string
		if err := db.Model(&models.Layer{}).Where("layer_set_id = ?", set.ID).Pluck("slug", &slugs).Error; err != nil {
			return Stats{}, err
		}
		features, err := set.MultimaskFeatures()
		if err != nil {
			return Stats{}, err
		}
		total = len(slugs)
		for _, slug := range slugs {
			if _, ok := features[slug]; ok {
				assigned++
			}
		}
	}
	return ComputeStats(len(lookup.Unprepared), len(lookup.Prepared), len(lookup.Georeferenced), assigned, total), nil
}

func (s *LookupService) locksFor(ctx context.Context, kind models.TargetKind, ids []uint) (map[uint]*LookupLock, error) {
	out := map[uint]*LookupLock{}
	if s.locks == nil {
		return out, nil
	}
	locks, err := s.locks.LocksFor(ctx, kind, ids)
	if err != nil {
		return nil, err
	}
	for id, l := range locks {
		out[id] = &LookupLock{SessionID: l.SessionID, User: l.Username, Expiration: l.ExpirationTime.Format("2006-01-02T15:04:05Z07:00")}
	}
	return out, nil
}

func (s *LookupService) url(key string) string {
	if s.storage == nil {
		return key
	}
	return s.storage.URL(key)
}

func docIDs(docs []models.Document) []uint {
	ids := make([]uint, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids
}

func regionIDs(regions []models.Region) []uint {
	ids := make([]uint, len(regions))
	for i, r := range regions {
		ids[i] = r.ID
	}
	return ids
}
