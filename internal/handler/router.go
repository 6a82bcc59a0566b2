package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/weiawesome/wes-io-live/terminal-service/pkg/log"
)

// Route groups mounted on the router.
type Routes interface {
	RegisterRoutes(r *gin.Engine)
}

// NewRouter builds the gin engine with recovery, request logging and a
// health probe.
func NewRouter(logger zerolog.Logger, groups ...Routes) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(log.GinMiddleware(logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	for _, g := range groups {
		g.RegisterRoutes(r)
	}
	return r
}
