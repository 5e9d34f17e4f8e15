package views

import (
	"errors"
	"io"
	"net/http"

	"github.com/GrainArc/MapRectify/models"
	"github.com/GrainArc/MapRectify/services"
	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-multierror"
	"github.com/paulmach/orb/geojson"
)

type layerSetSummary struct {
	ID       uint   `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Layers   int64  `json:"layer_ct"`
}

// GetMap returns a map with its item lookup and progress stats.
func (uc *UserController) GetMap(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	db := uc.DB.WithContext(ctx)
	var m models.Map
	if err := db.First(&m, id).Error; err != nil {
		respondError(c, err)
		return
	}
	lookup, err := uc.Lookup.Lookup(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	stats, err := uc.Lookup.Stats(ctx, id, lookup)
	if err != nil {
		respondError(c, err)
		return
	}
	var sets []models.LayerSet
	if err := db.Preload("Category").Where("map_id = ?", id).Order("id").Find(&sets).Error; err != nil {
		respondError(c, err)
		return
	}
	summaries := make([]layerSetSummary, 0, len(sets))
	for _, set := range sets {
		s := layerSetSummary{ID: set.ID, Name: set.Category.String(), Category: set.Category.Slug}
		db.Model(&models.Layer{}).Where("layer_set_id = ?", set.ID).Count(&s.Layers)
		summaries = append(summaries, s)
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"map": gin.H{
			"id":         m.ID,
			"identifier": m.Identifier,
			"title":      m.Title,
		},
		"items":     lookup,
		"stats":     stats,
		"layersets": summaries,
	})
}

// ClassifyLayers moves layers between the layersets of a map.
// Body: {"layers": {"<layer id>": "<category slug>"}}.
func (uc *UserController) ClassifyLayers(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		Layers map[uint]string `json:"layers"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}
	ctx := c.Request.Context()
	if err := uc.DB.WithContext(ctx).First(&models.Map{}, id).Error; err != nil {
		respondError(c, err)
		return
	}
	if err := uc.LayerSets.ClassifyLayers(ctx, id, req.Layers); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "layers classified"})
}

func (uc *UserController) GetLayerSet(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	set, err := uc.LayerSets.Get(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	out, err := uc.serializeLayerSet(ctx, set)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "layerset": out})
}

// UpdateMultimask replaces the multimask of a layerset with the posted
// FeatureCollection. Every problem found is reported.
func (uc *UserController) UpdateMultimask(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}
	fc, err := geojson.UnmarshalFeatureCollection(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid multimask: " + err.Error()})
		return
	}
	ctx := c.Request.Context()
	set, err := uc.LayerSets.UpdateMultimask(ctx, id, fc)
	if err != nil {
		var merr *multierror.Error
		if errors.As(err, &merr) {
			msgs := make([]string, 0, len(merr.Errors))
			for _, e := range merr.Errors {
				msgs = append(msgs, e.Error())
			}
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "multimask rejected", "errors": msgs})
			return
		}
		respondError(c, err)
		return
	}
	out, err := uc.serializeLayerSet(ctx, set)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "multimask saved", "layerset": out})
}

// CreateMosaic queues a COG or MosaicJSON build of a layerset.
func (uc *UserController) CreateMosaic(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		Type    string `json:"type"`
		TrimAll bool   `json:"trim_all"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}
	var task services.Task
	switch req.Type {
	case "cog", "":
		task = services.TaskCreateMosaicCOG
	case "json":
		task = services.TaskCreateMosaicJSON
	default:
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "mosaic type must be cog or json"})
		return
	}
	ctx := c.Request.Context()
	var set models.LayerSet
	if err := uc.DB.WithContext(ctx).First(&set, id).Error; err != nil {
		respondError(c, err)
		return
	}
	if len(set.Multimask) == 0 || string(set.Multimask) == "null" || string(set.Multimask) == "{}" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "layerset has no multimask"})
		return
	}
	if err := uc.Queue.Enqueue(ctx, task, services.TaskArgs{LayerSetID: set.ID, TrimAll: req.TrimAll}); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "message": string(task) + " queued"})
}

// MosaicPreview reports the combined extent and size of a layerset's layers.
func (uc *UserController) MosaicPreview(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	set, err := uc.LayerSets.Get(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	preview, err := uc.Mosaics().Preview(ctx, set)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "preview": preview})
}

// CheckIntegrity reports multimask and session problems; fix=true repairs what it can.
func (uc *UserController) CheckIntegrity(c *gin.Context) {
	fix := c.Query("fix") == "true"
	ctx := c.Request.Context()
	reports, err := uc.LayerSets.CheckMultimasks(ctx, fix)
	if err != nil {
		respondError(c, err)
		return
	}
	problems, err := uc.Sessions.CheckSessions(ctx, fix)
	if err != nil {
		respondError(c, err)
		return
	}
	if reports == nil {
		reports = []services.MultimaskReport{}
	}
	if problems == nil {
		problems = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "fixed": fix, "multimasks": reports, "sessions": problems})
}
