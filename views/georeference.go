package views

import (
	"fmt"
	"net/http"

	"github.com/GrainArc/MapRectify/models"
	"github.com/GrainArc/MapRectify/services"
	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb/geojson"
)

type georefRequest struct {
	Operation      string                     `json:"operation"`
	SessionID      uint                       `json:"session_id"`
	GCPs           *geojson.FeatureCollection `json:"gcp_geojson"`
	Transformation string                     `json:"transformation"`
	Projection     int                        `json:"projection"`
	LastPreviewID  string                     `json:"last_preview_id"`
}

// data fills unset fields from the session's current payload.
func (r georefRequest) data(sess *models.Session) (models.GeorefData, error) {
	cur, err := sess.Payload()
	if err != nil {
		return models.GeorefData{}, err
	}
	d, ok := cur.(models.GeorefData)
	if !ok {
		return models.GeorefData{}, services.ErrWrongSessionType
	}
	if r.GCPs != nil {
		d.GCPs = r.GCPs
	}
	if r.Transformation != "" {
		d.Transformation = r.Transformation
	}
	if r.Projection != 0 {
		d.EPSG = r.Projection
	}
	return d, nil
}

// OpenGeoreference starts a georeference session on a region.
func (uc *UserController) OpenGeoreference(c *gin.Context) {
	regionID, ok := idParam(c, "regionid")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	var region models.Region
	if err := uc.DB.WithContext(ctx).First(&region, regionID).Error; err != nil {
		respondError(c, err)
		return
	}
	sess, res, err := uc.Sessions.StartGeoreference(ctx, regionID, username(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if !res.Success {
		respondResult(c, res, gin.H{"region": uc.serializeRegion(ctx, &region)})
		return
	}
	c.JSON(http.StatusOK, sessionResponse(sess, gin.H{
		"message": res.Message,
		"region":  uc.serializeRegion(ctx, &region),
	}))
}

// PostGeoreference dispatches the operations of a georeference session.
func (uc *UserController) PostGeoreference(c *gin.Context) {
	regionID, ok := idParam(c, "regionid")
	if !ok {
		return
	}
	var req georefRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}
	ctx := c.Request.Context()
	sess, ok := uc.sessionOn(c, req.SessionID, models.RegionTarget(regionID))
	if !ok {
		return
	}
	defer uc.enqueueCleanup(c, req.LastPreviewID)

	switch req.Operation {
	case "preview", "submit":
		data, err := req.data(sess)
		if err != nil {
			respondError(c, err)
			return
		}
		if req.Operation == "submit" {
			if err := uc.Sessions.RequireLiveLock(ctx, sess); err != nil {
				respondError(c, err)
				return
			}
		}
		if sess, err = uc.Sessions.UpdateGeorefData(ctx, sess.ID, data); err != nil {
			respondError(c, err)
			return
		}
		if req.Operation == "preview" {
			preview, err := uc.Previews.Preview(ctx, regionID, data)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"success": true, "preview_url": preview.URL, "preview_id": preview.ID})
			return
		}
		if err := uc.Queue.Enqueue(ctx, services.TaskRunGeoreference, services.TaskArgs{SessionID: sess.ID}); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, sessionResponse(sess, gin.H{"message": "georeferencing queued"}))
	case "cancel":
		res, err := uc.Sessions.Cancel(ctx, sess.ID)
		if err != nil {
			respondError(c, err)
			return
		}
		respondResult(c, res, nil)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": fmt.Sprintf("unknown operation %q", req.Operation)})
	}
}

// GetGCPs exports the canonical control points of a region as GeoJSON, or as
// a QGIS .points file with format=points.
func (uc *UserController) GetGCPs(c *gin.Context) {
	regionID, ok := idParam(c, "regionid")
	if !ok {
		return
	}
	var region models.Region
	if err := uc.DB.WithContext(c.Request.Context()).First(&region, regionID).Error; err != nil {
		respondError(c, err)
		return
	}
	group, err := services.LoadGCPGroup(uc.DB.WithContext(c.Request.Context()), regionID)
	if err != nil {
		respondError(c, err)
		return
	}
	if group == nil {
		group = &models.GCPGroup{RegionID: regionID}
	}
	if c.Query("format") == "points" {
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", region.Slug+".points"))
		c.String(http.StatusOK, services.PointsFile(group))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"transformation": group.Transformation,
		"gcps":           group.AsGeoJSON(),
	})
}
