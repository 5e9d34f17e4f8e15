package views

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/GrainArc/MapRectify/models"
	"github.com/GrainArc/MapRectify/services"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type splitRequest struct {
	Operation string         `json:"operation"`
	SessionID uint           `json:"session_id"`
	Cutlines  [][][2]float64 `json:"cutlines"`
	DocIDs    []uint         `json:"doc_ids"`
}

// OpenSplit starts a preparation session on a document.
func (uc *UserController) OpenSplit(c *gin.Context) {
	docID, ok := idParam(c, "docid")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	var doc models.Document
	if err := uc.DB.WithContext(ctx).First(&doc, docID).Error; err != nil {
		respondError(c, err)
		return
	}
	sess, res, err := uc.Sessions.StartPreparation(ctx, docID, username(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if !res.Success {
		respondResult(c, res, gin.H{"document": uc.serializeDocument(ctx, &doc)})
		return
	}
	c.JSON(http.StatusOK, sessionResponse(sess, gin.H{
		"message":  res.Message,
		"document": uc.serializeDocument(ctx, &doc),
	}))
}

// PostSplit dispatches the operations of a preparation session.
func (uc *UserController) PostSplit(c *gin.Context) {
	docID, ok := idParam(c, "docid")
	if !ok {
		return
	}
	var req splitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}
	ctx := c.Request.Context()

	if req.Operation == "bulk-no-split" {
		uc.bulkNoSplit(c, docID, req)
		return
	}
	sess, ok := uc.sessionOn(c, req.SessionID, models.DocumentTarget(docID))
	if !ok {
		return
	}

	switch req.Operation {
	case "preview":
		divisions, err := uc.previewDivisions(c, docID, req.Cutlines)
		if err != nil {
			respondError(c, err)
			return
		}
		sess, err = uc.Sessions.UpdatePrepData(ctx, sess.ID, models.PrepData{SplitNeeded: true, Cutlines: req.Cutlines, Divisions: divisions})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, sessionResponse(sess, gin.H{"divisions": divisions}))
	case "no-split", "split":
		data := models.PrepData{SplitNeeded: req.Operation == "split", Cutlines: req.Cutlines}
		if data.Cutlines == nil {
			data.Cutlines = [][][2]float64{}
		}
		if data.SplitNeeded && len(data.Cutlines) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "split requires at least one cutline"})
			return
		}
		if err := uc.Sessions.RequireLiveLock(ctx, sess); err != nil {
			respondError(c, err)
			return
		}
		sess, err := uc.Sessions.UpdatePrepData(ctx, sess.ID, data)
		if err != nil {
			respondError(c, err)
			return
		}
		if err := uc.Queue.Enqueue(ctx, services.TaskRunPreparation, services.TaskArgs{SessionID: sess.ID}); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, sessionResponse(sess, gin.H{"message": "preparation queued"}))
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

// previewDivisions cuts the document image outline without touching any record.
func (uc *UserController) previewDivisions(c *gin.Context, docID uint, cutlines [][][2]float64) ([][][2]float64, error) {
	ctx := c.Request.Context()
	var doc models.Document
	if err := uc.DB.WithContext(ctx).First(&doc, docID).Error; err != nil {
		return nil, err
	}
	local, err := uc.Storage.Fetch(ctx, doc.File)
	if err != nil {
		return nil, err
	}
	defer uc.Storage.Release(local)
	workDir := filepath.Join(uc.Cfg.TempDir, "split-preview", uuid.New().String())
	defer os.RemoveAll(workDir)
	splitter, err := services.NewSplitter(local, workDir)
	if err != nil {
		return nil, err
	}
	return splitter.GenerateDivisions(cutlines)
}

// bulkNoSplit drops the caller's own session on the document and queues a
// no-split preparation of every listed document. Without a list, every
// unprepared document of the map is used.
func (uc *UserController) bulkNoSplit(c *gin.Context, docID uint, req splitRequest) {
	ctx := c.Request.Context()
	var doc models.Document
	if err := uc.DB.WithContext(ctx).First(&doc, docID).Error; err != nil {
		respondError(c, err)
		return
	}
	if req.SessionID != 0 {
		if _, ok := uc.sessionOn(c, req.SessionID, models.DocumentTarget(docID)); !ok {
			return
		}
		if res, err := uc.Sessions.Cancel(ctx, req.SessionID); err != nil {
			respondError(c, err)
			return
		} else if !res.Success {
			respondResult(c, res, nil)
			return
		}
	}
	ids := req.DocIDs
	if len(ids) == 0 {
		if err := uc.DB.WithContext(ctx).Model(&models.Document{}).
			Where("map_id = ? AND prepared = ?", doc.MapID, false).Order("id").Pluck("id", &ids).Error; err != nil {
			respondError(c, err)
			return
		}
	}
	args := services.TaskArgs{DocIDs: ids, Username: username(c)}
	if err := uc.Queue.Enqueue(ctx, services.TaskBulkRunPreparation, args); err != nil {
		respondError(c, err)
		return
	}
	log.Printf("map %d | bulk no-split of %d documents queued by %s", doc.MapID, len(ids), args.Username)
	c.JSON(http.StatusAccepted, gin.H{"success": true, "message": fmt.Sprintf("%d documents queued", len(ids)), "doc_ids": ids})
}
