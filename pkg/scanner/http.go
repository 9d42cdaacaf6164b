package scanner

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Router builds the scanner's small HTTP surface: a health probe and
// the manual scan trigger the manager forwards to.
func (s *Service) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": s.publisher.Source()})
	})

	r.POST("/scan", func(c *gin.Context) {
		// The walk outlives the request.
		go s.Sync(context.Background())
		c.JSON(http.StatusAccepted, gin.H{"status": "scan started"})
	})

	return r
}
