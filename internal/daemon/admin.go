package daemon

import (
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danmuck/btmux/internal/auth"
	"github.com/danmuck/btmux/internal/mux"
	"github.com/danmuck/btmux/internal/observability"
	"github.com/danmuck/btmux/internal/protocol/frame"
)

const Version = "0.1.0"

// BroadcastRequest is the POST /broadcast body.
type BroadcastRequest struct {
	Type    uint16 `json:"type"`
	Channel uint16 `json:"channel"`
	BodyHex string `json:"body_hex"`
}

func (s *Service) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.AdminRequests(s.log))
	if len(s.cfg.AdminCORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: s.cfg.AdminCORSOrigins,
			AllowMethods: []string{"GET", "POST"},
			AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.startedAt).String(),
			"component": "btmuxd",
			"version":   Version,
		})
	})

	api := r.Group("/")
	if s.cfg.AdminToken != "" {
		api.Use(auth.RequireToken(auth.StaticToken{Token: s.cfg.AdminToken}))
	}

	api.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api.GET("/clients", func(c *gin.Context) {
		clients, err := s.Clients(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"clients": clients})
	})

	api.GET("/stats", func(c *gin.Context) {
		st, err := s.Stats(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, st)
	})

	api.POST("/retry", func(c *gin.Context) {
		pending, err := s.RetryParked(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"pending": pending})
	})

	api.POST("/clients/:id/close", func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid client id"})
			return
		}
		if err := s.CloseClient(c.Request.Context(), mux.ConnID(id)); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"closed": id})
	})

	api.POST("/broadcast", func(c *gin.Context) {
		var req BroadcastRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		body, err := hex.DecodeString(req.BodyHex)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "body_hex: " + err.Error()})
			return
		}
		n, err := s.Broadcast(c.Request.Context(), req.Type, req.Channel, body)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"delivered": n})
	})

	return r
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, mux.ErrConnNotFound):
		status = http.StatusNotFound
	case errors.Is(err, frame.ErrBodyTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrNotRunning):
		status = http.StatusServiceUnavailable
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}
