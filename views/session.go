package views

import (
	"fmt"
	"net/http"

	"github.com/GrainArc/MapRectify/services"
	"github.com/gin-gonic/gin"
)

func (uc *UserController) GetSession(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	sess, err := uc.Sessions.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse(sess, nil))
}

// PostSession runs undo, cancel or extend on any session.
func (uc *UserController) PostSession(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		Operation string `json:"operation"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}
	ctx := c.Request.Context()
	var (
		res services.Result
		err error
	)
	switch req.Operation {
	case "undo":
		res, err = uc.Sessions.Undo(ctx, id)
	case "cancel":
		res, err = uc.Sessions.Cancel(ctx, id)
	case "extend":
		res, err = uc.Sessions.Extend(ctx, id)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": fmt.Sprintf("unknown operation %q", req.Operation)})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	respondResult(c, res, nil)
}

// SessionWebSocket streams status events of one session.
func (uc *UserController) SessionWebSocket(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	sess, err := uc.Sessions.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	uc.Hub.Serve(c, sess.ID, services.EventFor(sess))
}
