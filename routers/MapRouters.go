package routers

import (
	"net/http"
	"time"

	"github.com/GrainArc/MapRectify/config"
	"github.com/GrainArc/MapRectify/views"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// NewEngine builds the gin engine with middleware, media files and every route.
func NewEngine(cfg *config.Config, uc *views.UserController) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", views.UserHeader},
		MaxAge:          12 * time.Hour,
	}))
	r.Static("/media", cfg.MediaRoot)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	MapRouters(r, uc)
	return r
}

func MapRouters(r *gin.Engine, uc *views.UserController) {
	{
		r.GET("/split/:docid", uc.OpenSplit)
		r.POST("/split/:docid", uc.PostSplit)
	}
	{
		r.GET("/georeference/:regionid", uc.OpenGeoreference)
		r.POST("/georeference/:regionid", uc.PostGeoreference)
		r.GET("/region/:regionid/gcps", uc.GetGCPs)
	}
	{
		r.GET("/session/:id", uc.GetSession)
		r.POST("/session/:id", uc.PostSession)
		r.GET("/session/:id/ws", uc.SessionWebSocket)
	}
	{
		r.GET("/map/:id", uc.GetMap)
		r.POST("/map/:id/classify", uc.ClassifyLayers)
	}
	{
		r.GET("/layerset/:id", uc.GetLayerSet)
		r.POST("/layerset/:id/multimask", uc.UpdateMultimask)
		r.POST("/layerset/:id/mosaic", uc.CreateMosaic)
		r.GET("/layerset/:id/preview", uc.MosaicPreview)
	}
	r.GET("/admin/check", uc.CheckIntegrity)
}
