package views

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/GrainArc/MapRectify/config"
	"github.com/GrainArc/MapRectify/models"
	"github.com/GrainArc/MapRectify/services"
	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-multierror"
	"gorm.io/gorm"
)

// UserHeader names the request header carrying the acting user.
const UserHeader = "X-User"

// UserController holds the handlers of the rectification API.
type UserController struct {
	DB        *gorm.DB
	Cfg       *config.Config
	Storage   *services.Storage
	Sessions  *services.SessionService
	Lookup    *services.LookupService
	LayerSets *services.LayerSetService
	Previews  *services.PreviewService
	Queue     services.Queue
	Hub       *StatusHub
	Mosaics   func() *services.Mosaicker
}

func username(c *gin.Context) string {
	if u := strings.TrimSpace(c.GetHeader(UserHeader)); u != "" {
		return u
	}
	return "anonymous"
}

// idParam reads a positive integer path parameter, answering 400 otherwise.
func idParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid " + name})
		return 0, false
	}
	return uint(id), true
}

func statusFor(err error) int {
	var merr *multierror.Error
	switch {
	case errors.Is(err, models.ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.As(err, &merr),
		errors.Is(err, models.ErrInvalidSessionData),
		errors.Is(err, services.ErrOrphanedMultimaskKey),
		errors.Is(err, services.ErrWrongSessionType),
		errors.Is(err, services.ErrUnknownCategory),
		errors.Is(err, services.ErrInvalidCRS),
		errors.Is(err, services.ErrInvalidTransformation),
		errors.Is(err, services.ErrNoGCPSource):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrSessionFinished), errors.Is(err, services.ErrSessionExpired):
		return http.StatusConflict
	case errors.Is(err, services.ErrQueueFull), errors.Is(err, services.ErrQueueClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Printf("%s %s | %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(code, gin.H{"success": false, "message": err.Error()})
}

// respondResult answers a policy decision. Refusals are 409.
func respondResult(c *gin.Context, res services.Result, extra gin.H) {
	body := gin.H{"success": res.Success, "message": res.Message}
	for k, v := range extra {
		body[k] = v
	}
	if !res.Success {
		c.JSON(http.StatusConflict, body)
		return
	}
	c.JSON(http.StatusOK, body)
}

// enqueueCleanup queues the removal of a preview's VRTs. Failures are only logged.
func (uc *UserController) enqueueCleanup(c *gin.Context, previewID string) {
	if previewID == "" {
		return
	}
	err := uc.Queue.Enqueue(c.Request.Context(), services.TaskDeletePreviewVRTs, services.TaskArgs{PreviewID: previewID})
	if err != nil {
		log.Printf("preview %s | cleanup not queued: %v", previewID, err)
	}
}

// sessionOn loads a session and checks it belongs to the expected target.
func (uc *UserController) sessionOn(c *gin.Context, id uint, target models.Target) (*models.Session, bool) {
	sess, err := uc.Sessions.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	if t, ok := sess.Target(); !ok || t != target {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "session does not belong to " + target.String()})
		return nil, false
	}
	return sess, true
}
