package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/GrainArc/MapRectify/OSGEO"
	"github.com/GrainArc/MapRectify/config"
	"github.com/GrainArc/MapRectify/methods"
	"github.com/GrainArc/MapRectify/models"
	"gorm.io/gorm"
)

// Status strings reported while a session runs.
const (
	StatusSplitting      = "splitting document image"
	StatusInitializing   = "initializing georeferencer"
	StatusWarping        = "warping"
	StatusSavingGCPs     = "saving control points"
	StatusCreatingLayer  = "creating layer"
	statusCreatingRegion = "creating new region [%d]"
)

const thumbnailSize = 400

// SessionService runs preparation and georeference sessions from creation to
// undo.
type SessionService struct {
	db       *gorm.DB
	cfg      *config.Config
	locks    *LockManager
	storage  *Storage
	engine   OSGEO.Engine
	srs      WKTSource
	cascade  *Cascade
	notifier Notifier
	now      func() time.Time
}

func NewSessionService(db *gorm.DB, cfg *config.Config, locks *LockManager, storage *Storage,
	engine OSGEO.Engine, srs WKTSource, cascade *Cascade) *SessionService {
	return &SessionService{
		db:      db,
		cfg:     cfg,
		locks:   locks,
		storage: storage,
		engine:  engine,
		srs:     srs,
		cascade: cascade,
		now:     time.Now,
	}
}

// SetNotifier registers the receiver of session status events.
func (s *SessionService) SetNotifier(n Notifier) {
	s.notifier = n
}

// SetClock replaces the time source used for run timestamps.
func (s *SessionService) SetClock(now func() time.Time) {
	s.now = now
}

func (s *SessionService) Locks() *LockManager { return s.locks }

func (s *SessionService) Get(ctx context.Context, id uint) (*models.Session, error) {
	var sess models.Session
	err := s.db.WithContext(ctx).First(&sess, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func lockedMessage(target models.Target, lock *models.SessionLock) string {
	return fmt.Sprintf("%s is locked by %s until %s", target, lock.Username, lock.ExpirationTime.Format("15:04:05"))
}

// StartPreparation opens a preparation session on a document and locks it.
func (s *SessionService) StartPreparation(ctx context.Context, docID uint, username string) (*models.Session, Result, error) {
	var doc models.Document
	if err := s.db.WithContext(ctx).First(&doc, docID).Error; err != nil {
		return nil, Result{}, err
	}
	if doc.Prepared {
		return nil, refuse("document is already prepared"), nil
	}
	sess := &models.Session{
		Type:       models.SessionPreparation,
		Stage:      models.StageInput,
		Status:     models.StatusInput,
		MapID:      doc.MapID,
		DocumentID: &doc.ID,
		Username:   username,
	}
	return s.open(ctx, sess)
}

// StartGeoreference opens a georeference session on a region, prefilled with
// the region's canonical GCPs, and locks the region and its layer.
func (s *SessionService) StartGeoreference(ctx context.Context, regionID uint, username string) (*models.Session, Result, error) {
	db := s.db.WithContext(ctx)
	var region models.Region
	if err := db.First(&region, regionID).Error; err != nil {
		return nil, Result{}, err
	}
	sess := &models.Session{
		Type:     models.SessionGeoreference,
		Stage:    models.StageInput,
		Status:   models.StatusInput,
		MapID:    region.MapID,
		RegionID: &region.ID,
		Username: username,
	}
	var layer models.Layer
	if err := db.Where("region_id = ?", region.ID).Limit(1).Find(&layer).Error; err != nil {
		return nil, Result{}, err
	}
	if layer.ID != 0 {
		sess.LayerID = &layer.ID
	}

	d, _ := models.DefaultSessionData(models.SessionGeoreference)
	data := d.(models.GeorefData)
	group, err := LoadGCPGroup(db, region.ID)
	if err != nil {
		return nil, Result{}, err
	}
	if group != nil {
		data.GCPs = group.AsGeoJSON()
		if group.Transformation != "" {
			data.Transformation = group.Transformation
		}
	}
	if err := sess.SetPayload(data); err != nil {
		return nil, Result{}, err
	}
	return s.open(ctx, sess)
}

// open refuses when any target is locked, otherwise saves the session and
// locks every target.
func (s *SessionService) open(ctx context.Context, sess *models.Session) (*models.Session, Result, error) {
	targets := sess.Targets()
	for _, t := range targets {
		lock, err := s.locks.LockFor(ctx, t)
		if err != nil {
			return nil, Result{}, err
		}
		if lock != nil {
			return nil, refuse(lockedMessage(t, lock)), nil
		}
	}
	if err := s.db.WithContext(ctx).Create(sess).Error; err != nil {
		return nil, Result{}, err
	}
	for _, t := range targets {
		_, ok, err := s.locks.Acquire(ctx, sess, t)
		if err != nil || !ok {
			s.locks.Release(ctx, sess.ID)
			s.db.WithContext(ctx).Delete(sess)
			if err != nil {
				return nil, Result{}, err
			}
			return nil, refuse(fmt.Sprintf("%s was locked by another session", t)), nil
		}
	}
	log.Printf("%s | started by %s", sess, sess.Username)
	s.cascade.Changed(ctx, sess.MapID)
	return sess, succeed("session created"), nil
}

// UpdatePrepData stores the user's split decision and cutlines.
func (s *SessionService) UpdatePrepData(ctx context.Context, id uint, data models.PrepData) (*models.Session, error) {
	return s.updateData(ctx, id, data)
}

// UpdateGeorefData stores the user's GCPs, transformation and CRS.
func (s *SessionService) UpdateGeorefData(ctx context.Context, id uint, data models.GeorefData) (*models.Session, error) {
	return s.updateData(ctx, id, data)
}

func (s *SessionService) updateData(ctx context.Context, id uint, data models.SessionData) (*models.Session, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Type != data.SessionType() {
		return nil, fmt.Errorf("%s: %w", sess, ErrWrongSessionType)
	}
	if sess.Stage != models.StageInput {
		return nil, fmt.Errorf("%s: %w", sess, ErrSessionFinished)
	}
	if err := sess.SetPayload(data); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Save(sess).Error; err != nil {
		return nil, err
	}
	return sess, nil
}

// Run executes a session's work. Failures of the work itself end the session
// with status failed and a note. Only a finished session or a storage error on
// the session row are returned as errors, as is an input session that no
// longer holds a live lock on its target.
func (s *SessionService) Run(ctx context.Context, id uint) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.Stage == models.StageFinished {
		return fmt.Errorf("%s: %w", sess, ErrSessionFinished)
	}
	if sess.Stage == models.StageInput {
		if err := s.RequireLiveLock(ctx, sess); err != nil {
			return err
		}
	}
	data, err := sess.Payload()
	if err != nil {
		return err
	}

	now := s.now()
	sess.RunAt = &now
	if sess.UserInputDuration == nil {
		d := int(now.Sub(sess.CreatedAt).Seconds())
		sess.UserInputDuration = &d
	}
	sess.Stage = models.StageProcessing
	if err := s.save(ctx, sess); err != nil {
		return err
	}

	switch d := data.(type) {
	case models.PrepData:
		err = s.runPreparation(ctx, sess, d)
	case models.GeorefData:
		err = s.runGeoreference(ctx, sess, d)
	default:
		err = fmt.Errorf("%w: %T", ErrWrongSessionType, data)
	}
	if err != nil {
		log.Printf("%s | failed: %v", sess, err)
		return s.fail(ctx, sess, err)
	}
	return nil
}

// RequireLiveLock returns ErrSessionExpired unless the session still holds a
// live lock on its primary target.
func (s *SessionService) RequireLiveLock(ctx context.Context, sess *models.Session) error {
	t, ok := sess.Target()
	if !ok {
		return fmt.Errorf("%s has no target: %w", sess, ErrSessionExpired)
	}
	held, err := s.locks.HeldBy(ctx, sess.ID, t)
	if err != nil {
		return err
	}
	if !held {
		return fmt.Errorf("%s: %w", sess, ErrSessionExpired)
	}
	return nil
}

func (s *SessionService) save(ctx context.Context, sess *models.Session) error {
	if err := s.db.WithContext(ctx).Save(sess).Error; err != nil {
		return err
	}
	if s.notifier != nil {
		s.notifier.Notify(EventFor(sess))
	}
	return nil
}

func (s *SessionService) setStatus(ctx context.Context, sess *models.Session, status string) error {
	sess.Status = status
	log.Printf("%s | %s", sess, status)
	return s.save(ctx, sess)
}

func (s *SessionService) fail(ctx context.Context, sess *models.Session, cause error) error {
	sess.Stage = models.StageFinished
	sess.Status = models.StatusFailed
	sess.Note = truncate(cause.Error(), 255)
	if err := s.save(ctx, sess); err != nil {
		return err
	}
	if err := s.locks.Release(ctx, sess.ID); err != nil {
		log.Printf("%s | release locks: %v", sess, err)
	}
	s.cascade.Changed(ctx, sess.MapID)
	return nil
}

func (s *SessionService) finish(ctx context.Context, sess *models.Session, note string) error {
	sess.Stage = models.StageFinished
	sess.Status = models.StatusSuccess
	sess.Note = truncate(note, 255)
	if err := s.save(ctx, sess); err != nil {
		return err
	}
	if err := s.locks.Release(ctx, sess.ID); err != nil {
		log.Printf("%s | release locks: %v", sess, err)
	}
	s.cascade.Changed(ctx, sess.MapID)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (s *SessionService) runPreparation(ctx context.Context, sess *models.Session, data models.PrepData) (err error) {
	if sess.DocumentID == nil {
		return errors.New("session has no document")
	}
	db := s.db.WithContext(ctx)
	var doc models.Document
	if err := db.First(&doc, *sess.DocumentID).Error; err != nil {
		return err
	}
	var existing int64
	if err := db.Model(&models.Region{}).Where("document_id = ?", doc.ID).Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return fmt.Errorf("document %d already has %d regions", doc.ID, existing)
	}

	local, err := s.storage.Fetch(ctx, doc.File)
	if err != nil {
		return err
	}
	defer s.storage.Release(local)

	var regions []models.Region
	defer func() {
		if err != nil && len(regions) > 0 {
			s.discardRegions(ctx, sess, regions)
		}
	}()
	if !data.SplitNeeded {
		w, h := doc.Width, doc.Height
		if w == 0 || h == 0 {
			if w, h, err = methods.ImageSize(local); err != nil {
				return err
			}
		}
		region, err := s.createRegion(ctx, sess, &doc, FullImageRing(w, h), nil, local, true)
		if err != nil {
			return err
		}
		regions = append(regions, *region)
	} else {
		if err := s.setStatus(ctx, sess, StatusSplitting); err != nil {
			return err
		}
		workDir := filepath.Join(s.cfg.TempDir, "split", strconv.Itoa(int(sess.ID)))
		defer os.RemoveAll(workDir)
		splitter, err := NewSplitter(local, workDir)
		if err != nil {
			return err
		}
		divisions, err := splitter.GenerateDivisions(data.Cutlines)
		if err != nil {
			return err
		}
		data.Divisions = divisions
		if err := sess.SetPayload(data); err != nil {
			return err
		}
		files, err := splitter.SplitImage()
		if err != nil {
			return err
		}
		for i, file := range files {
			n := i + 1
			if err := s.setStatus(ctx, sess, fmt.Sprintf(statusCreatingRegion, n)); err != nil {
				return err
			}
			region, err := s.createRegion(ctx, sess, &doc, divisions[i], &n, file, false)
			if err != nil {
				return err
			}
			regions = append(regions, *region)
		}
	}

	if err := db.Model(&doc).Update("prepared", true).Error; err != nil {
		return err
	}

	note := "no split needed"
	if data.SplitNeeded {
		ids := make([]string, len(regions))
		for i, r := range regions {
			ids[i] = strconv.Itoa(int(r.ID))
		}
		note = fmt.Sprintf("split into %d new regions (%s)", len(regions), strings.Join(ids, ", "))
	}
	return s.finish(ctx, sess, note)
}

// discardRegions removes the regions a failed run created so the document can
// be prepared again.
func (s *SessionService) discardRegions(ctx context.Context, sess *models.Session, regions []models.Region) {
	var keys []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range regions {
			k, err := deleteRegionTx(tx, &regions[i])
			if err != nil {
				return err
			}
			keys = append(keys, k...)
		}
		return tx.Model(&models.Document{}).Where("id = ?", *sess.DocumentID).Update("prepared", false).Error
	})
	if err != nil {
		log.Printf("%s | discard partial regions: %v", sess, err)
		return
	}
	s.cascade.deleteKeys(ctx, keys)
	log.Printf("%s | discarded %d partial regions", sess, len(regions))
}

// createRegion stores one region and its image. copyDoc makes the region file
// a byte copy of the document file instead of uploading path.
func (s *SessionService) createRegion(ctx context.Context, sess *models.Session, doc *models.Document,
	boundary [][2]float64, division *int, path string, copyDoc bool) (*models.Region, error) {
	region := &models.Region{
		DocumentID:     doc.ID,
		MapID:          doc.MapID,
		Title:          doc.Title,
		Slug:           doc.Slug,
		DivisionNumber: division,
		PrepSessionID:  &sess.ID,
		IsMap:          true,
		CreatedBy:      sess.Username,
	}
	if division != nil {
		region.Title = fmt.Sprintf("%s [%d]", doc.Title, *division)
		region.Slug = fmt.Sprintf("%s__%d", doc.Slug, *division)
	}
	if err := region.SetBoundary(boundary); err != nil {
		return nil, err
	}

	ext := filepath.Ext(path)
	if copyDoc {
		ext = filepath.Ext(doc.File)
	}
	region.File = fmt.Sprintf("regions/%s__%s%s", region.Slug, methods.RandomAlnum(6), ext)
	if copyDoc {
		if err := s.storage.Copy(ctx, region.File, doc.File); err != nil {
			return nil, err
		}
	} else if err := s.storage.Save(ctx, region.File, path); err != nil {
		return nil, err
	}

	thumb := filepath.Join(filepath.Dir(path), region.Slug+"-thumb.png")
	if err := methods.MakeThumbnail(path, thumb, thumbnailSize, thumbnailSize); err != nil {
		log.Printf("%s | thumbnail: %v", region.Slug, err)
	} else {
		region.Thumbnail = strings.TrimSuffix(region.File, filepath.Ext(region.File)) + "-thumb.png"
		if err := s.storage.Save(ctx, region.Thumbnail, thumb); err != nil {
			log.Printf("%s | thumbnail: %v", region.Slug, err)
			region.Thumbnail = ""
		}
		os.Remove(thumb)
	}

	if err := s.db.WithContext(ctx).Create(region).Error; err != nil {
		s.cascade.deleteKeys(ctx, []string{region.File, region.Thumbnail})
		return nil, err
	}
	log.Printf("%s | created region %s (%d)", sess, region.Slug, region.ID)
	return region, nil
}

func (s *SessionService) runGeoreference(ctx context.Context, sess *models.Session, data models.GeorefData) error {
	if sess.RegionID == nil {
		return errors.New("session has no region")
	}
	db := s.db.WithContext(ctx)
	var region models.Region
	if err := db.First(&region, *sess.RegionID).Error; err != nil {
		return err
	}

	if err := s.setStatus(ctx, sess, StatusInitializing); err != nil {
		return err
	}
	g, err := NewGeoreferencer(ctx, s.engine, s.srs, s.cfg, GeoreferencerOptions{
		CRS:            fmt.Sprintf("EPSG:%d", data.EPSG),
		Transformation: data.Transformation,
		GeoJSON:        data.GCPs,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := g.CleanupFiles(); err != nil {
			log.Printf("%s | cleanup: %v", sess, err)
		}
	}()

	if err := s.setStatus(ctx, sess, StatusWarping); err != nil {
		return err
	}
	local, err := s.storage.Fetch(ctx, region.File)
	if err != nil {
		return err
	}
	defer s.storage.Release(local)
	cog, err := g.MakeCOG(ctx, local)
	if err != nil {
		return err
	}
	bound, err := s.engine.Bounds(ctx, cog, 4326)
	if err != nil {
		return err
	}

	if err := s.setStatus(ctx, sess, StatusSavingGCPs); err != nil {
		return err
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		prior, err := SnapshotGCPs(tx, region.ID)
		if err != nil {
			return err
		}
		sess.PriorGCPs = prior
		_, err = SaveGCPsFromGeoJSON(tx, region.ID, data.GCPs, data.Transformation, sess.Username)
		return err
	})
	if err != nil {
		return err
	}

	if err := s.setStatus(ctx, sess, StatusCreatingLayer); err != nil {
		return err
	}
	var layer models.Layer
	if err := db.Where("region_id = ?", region.ID).Limit(1).Find(&layer).Error; err != nil {
		return err
	}
	created := layer.ID == 0
	if created {
		layer = models.Layer{
			RegionID:  region.ID,
			MapID:     region.MapID,
			Title:     region.Title,
			Slug:      region.Slug,
			CreatedBy: sess.Username,
		}
	}
	oldFile := layer.File

	var others int64
	if err := db.Model(&models.Session{}).
		Where("type = ? AND region_id = ? AND id <> ?", models.SessionGeoreference, region.ID, sess.ID).
		Count(&others).Error; err != nil {
		return err
	}
	layer.File = fmt.Sprintf("layers/%s__%s_%02d.tif", layer.Slug, methods.RandomAlnum(6), others)
	if err := s.storage.Save(ctx, layer.File, cog); err != nil {
		return err
	}
	layer.LastUpdatedBy = sess.Username
	layer.SetBound(bound)

	err = db.Transaction(func(tx *gorm.DB) error {
		set, err := GetOrCreateLayerSet(tx, region.MapID, models.CategoryMainContent)
		if err != nil {
			return err
		}
		if layer.LayerSetID == nil {
			layer.LayerSetID = &set.ID
		}
		if err := tx.Save(&layer).Error; err != nil {
			return err
		}
		if err := refreshLayerSetExtent(tx, *layer.LayerSetID); err != nil {
			return err
		}
		return tx.Model(&region).Update("georeferenced", true).Error
	})
	if err != nil {
		s.storage.Delete(ctx, layer.File)
		return err
	}
	if oldFile != "" && oldFile != layer.File {
		if err := s.storage.Delete(ctx, oldFile); err != nil {
			log.Printf("%s | remove old layer file: %v", sess, err)
		}
	}
	sess.LayerID = &layer.ID
	sess.LayerCreated = created
	log.Printf("%s | layer %s saved to %s", sess, layer.Slug, layer.File)

	return s.finish(ctx, sess, fmt.Sprintf("%d GCPs used", len(g.GCPs())))
}

// Undo reverses a finished session and deletes it.
func (s *SessionService) Undo(ctx context.Context, id uint) (Result, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if sess.Stage == models.StageProcessing {
		return refuse("can't undo a session while it is processing"), nil
	}
	switch sess.Type {
	case models.SessionPreparation:
		return s.undoPreparation(ctx, sess)
	case models.SessionGeoreference:
		return s.undoGeoreference(ctx, sess)
	}
	return Result{}, fmt.Errorf("%s: %w", sess, ErrWrongSessionType)
}

func (s *SessionService) undoPreparation(ctx context.Context, sess *models.Session) (Result, error) {
	if sess.DocumentID == nil {
		return refuse("session has no document"), nil
	}
	var keys []string
	refused := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var regionIDs []uint
		if err := tx.Model(&models.Region{}).Where("prep_session_id = ?", sess.ID).Pluck("id", &regionIDs).Error; err != nil {
			return err
		}
		if len(regionIDs) > 0 {
			var layers int64
			if err := tx.Model(&models.Layer{}).Where("region_id IN ?", regionIDs).Count(&layers).Error; err != nil {
				return err
			}
			if layers > 0 {
				refused = true
				return nil
			}
		}
		var regions []models.Region
		if err := tx.Where("prep_session_id = ?", sess.ID).Find(&regions).Error; err != nil {
			return err
		}
		for i := range regions {
			k, err := deleteRegionTx(tx, &regions[i])
			if err != nil {
				return err
			}
			keys = append(keys, k...)
		}
		if err := tx.Model(&models.Document{}).Where("id = ?", *sess.DocumentID).Update("prepared", false).Error; err != nil {
			return err
		}
		return deleteSessionTx(tx, sess.ID)
	})
	if err != nil {
		return Result{}, err
	}
	if refused {
		msg := "can't undo prep session with downstream georeferencing"
		log.Printf("%s | %s", sess, msg)
		return refuse(msg), nil
	}
	s.cascade.deleteKeys(ctx, keys)
	log.Printf("%s | reversed, document %d now unprepared", sess, *sess.DocumentID)
	s.cascade.Changed(ctx, sess.MapID)
	return succeed("session undo completed"), nil
}

func (s *SessionService) undoGeoreference(ctx context.Context, sess *models.Session) (Result, error) {
	if sess.Stage == models.StageFinished && sess.Status == models.StatusSuccess {
		if sess.LayerCreated && sess.LayerID != nil {
			if err := s.cascade.DeleteLayer(WithoutLookupUpdate(ctx), *sess.LayerID); err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return Result{}, err
			}
		} else if sess.RegionID != nil {
			err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				return RestoreGCPs(tx, *sess.RegionID, sess.PriorGCPs, sess.Username)
			})
			if err != nil {
				return Result{}, err
			}
		}
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteSessionTx(tx, sess.ID)
	})
	if err != nil {
		return Result{}, err
	}
	log.Printf("%s | reversed", sess)
	s.cascade.Changed(ctx, sess.MapID)
	return succeed("session undo completed"), nil
}

func deleteSessionTx(tx *gorm.DB, id uint) error {
	if err := tx.Where("session_id = ?", id).Delete(&models.SessionLock{}).Error; err != nil {
		return err
	}
	return tx.Delete(&models.Session{}, id).Error
}

// Cancel drops a session that is still waiting for user input.
func (s *SessionService) Cancel(ctx context.Context, id uint) (Result, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if sess.Stage != models.StageInput {
		return refuse(fmt.Sprintf("can't cancel a session in stage %s", sess.Stage)), nil
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteSessionTx(tx, sess.ID)
	})
	if err != nil {
		return Result{}, err
	}
	log.Printf("%s | cancelled", sess)
	s.cascade.Changed(ctx, sess.MapID)
	return succeed("session cancelled"), nil
}

// Extend pushes back the expiration of every lock held by the session.
func (s *SessionService) Extend(ctx context.Context, id uint) (Result, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if sess.Stage != models.StageInput {
		return refuse("only sessions waiting for input can be extended"), nil
	}
	if err := s.locks.ExtendSession(ctx, sess.ID); err != nil {
		return Result{}, err
	}
	return succeed("session extended"), nil
}

// BulkNoSplit prepares each document without splitting it. The map lookups
// are refreshed once at the end.
func (s *SessionService) BulkNoSplit(ctx context.Context, docIDs []uint, username string) ([]uint, error) {
	bulk := WithoutLookupUpdate(ctx)
	maps := map[uint]bool{}
	var sessions []uint
	for _, docID := range docIDs {
		sess, res, err := s.StartPreparation(bulk, docID, username)
		if err != nil {
			return sessions, err
		}
		if !res.Success {
			log.Printf("document %d | skipped: %s", docID, res.Message)
			continue
		}
		maps[sess.MapID] = true
		if _, err := s.UpdatePrepData(bulk, sess.ID, models.PrepData{SplitNeeded: false}); err != nil {
			return sessions, err
		}
		if err := s.Run(bulk, sess.ID); err != nil {
			return sessions, err
		}
		sessions = append(sessions, sess.ID)
	}
	for mapID := range maps {
		s.cascade.Changed(ctx, mapID)
	}
	return sessions, nil
}

// CheckSessions reports sessions whose state disagrees with their locks or
// targets. With fix set, leftover locks of finished sessions are released.
func (s *SessionService) CheckSessions(ctx context.Context, fix bool) ([]string, error) {
	db := s.db.WithContext(ctx)
	var problems []string

	var lockOwners []uint
	if err := db.Model(&models.SessionLock{}).Distinct("session_id").Pluck("session_id", &lockOwners).Error; err != nil {
		return nil, err
	}
	if len(lockOwners) > 0 {
		var finished []models.Session
		if err := db.Where("id IN ? AND stage = ?", lockOwners, models.StageFinished).Find(&finished).Error; err != nil {
			return nil, err
		}
		for i := range finished {
			problems = append(problems, fmt.Sprintf("%s is finished but still holds locks", &finished[i]))
			if fix {
				if err := s.locks.Release(ctx, finished[i].ID); err != nil {
					return nil, err
				}
			}
		}
		var known []uint
		if err := db.Model(&models.Session{}).Where("id IN ?", lockOwners).Pluck("id", &known).Error; err != nil {
			return nil, err
		}
		exists := map[uint]bool{}
		for _, id := range known {
			exists[id] = true
		}
		for _, id := range lockOwners {
			if exists[id] {
				continue
			}
			problems = append(problems, fmt.Sprintf("locks found for missing session %d", id))
			if fix {
				if err := s.locks.Release(ctx, id); err != nil {
					return nil, err
				}
			}
		}
	}

	var sessions []models.Session
	if err := db.Where("stage <> ?", models.StageFinished).Find(&sessions).Error; err != nil {
		return nil, err
	}
	for i := range sessions {
		sess := &sessions[i]
		t, ok := sess.Target()
		if !ok {
			problems = append(problems, fmt.Sprintf("%s has no target", sess))
			continue
		}
		var count int64
		switch t.Kind {
		case models.TargetDocument:
			db.Model(&models.Document{}).Where("id = ?", t.ID).Count(&count)
		case models.TargetRegion:
			db.Model(&models.Region{}).Where("id = ?", t.ID).Count(&count)
		}
		if count == 0 {
			problems = append(problems, fmt.Sprintf("%s targets missing %s", sess, t))
		}
	}
	for _, p := range problems {
		log.Printf("check sessions | %s", p)
	}
	return problems, nil
}
