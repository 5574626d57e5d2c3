package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/meshvoice/sfu/internal/adapters/signal"
	"github.com/meshvoice/sfu/internal/config"
	"github.com/meshvoice/sfu/internal/mcs"
)

func SetupRouter(ctx context.Context, cfg *config.Config, ctrl *mcs.Controller, sig *signal.Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	// Session-starting operations gate on the media-server connection, so
	// surface the same check here for the load balancer.
	r.GET("/health", func(c *gin.Context) {
		if !ctrl.WaitForConnection() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "media server offline"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ws/audio", func(c *gin.Context) {
		sig.HandleSignal(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Msg("router setup")
	return r
}
