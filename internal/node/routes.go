package node

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danmuck/patchnet/internal/auth"
	"github.com/danmuck/patchnet/internal/config"
	"github.com/danmuck/patchnet/internal/observability"
	"github.com/danmuck/patchnet/internal/protocol"
	"github.com/danmuck/patchnet/internal/registry"
	"github.com/danmuck/patchnet/internal/scheduler"
)

const submitTimeout = 2 * time.Second

type patchRequest struct {
	Source string `json:"source" binding:"required"`
	Sink   uint16 `json:"sink" binding:"required"`
}

func (s *Service) newRouter() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.AdminMiddleware(s.log, s.NodeID()))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.CorsOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	return r
}

func (s *Service) RegisterRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.started).String(),
			"module": s.cfg.Identity.Label,
			"id":     s.NodeID(),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Ready once the loop has published at least one cycle with the link
	// up and data flowing.
	r.GET("/ready", func(c *gin.Context) {
		snap := s.sched.Snapshot()
		ready := snap != nil && snap.Cycle > 0 && snap.Link == "up" && !snap.LinkSuspended
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"ready": ready, "module": s.cfg.Identity.Label})
	})

	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.sched.Snapshot())
	})

	r.GET("/jacks", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"jacks": jackViews(s.cfg.Jacks)})
	})

	r.GET("/lights", func(c *gin.Context) {
		snap := s.sched.Snapshot()
		c.JSON(http.StatusOK, gin.H{"patch_state": snap.PatchState, "held": snap.Held, "lights": snap.Lights})
	})

	r.GET("/peers", func(c *gin.Context) {
		peers := s.sched.Snapshot().Peers
		if c.Query("state") == "active" {
			active := make([]registry.PeerInfo, 0, len(peers))
			for _, p := range peers {
				if p.State == registry.StateActive {
					active = append(active, p)
				}
			}
			peers = active
		}
		c.JSON(http.StatusOK, gin.H{"peers": peers})
	})

	r.GET("/patches", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"patches": s.sched.Snapshot().Patches})
	})

	guard := auth.Require(s.validator())

	r.POST("/patches", guard, func(c *gin.Context) {
		s.handlePatch(c, scheduler.OpConnect)
	})

	r.DELETE("/patches", guard, func(c *gin.Context) {
		s.handlePatch(c, scheduler.OpDisconnect)
	})

	r.POST("/patches/toggle", guard, func(c *gin.Context) {
		s.handlePatch(c, scheduler.OpToggle)
	})

	r.POST("/jacks/:id/hold", guard, func(c *gin.Context) {
		s.handleHold(c, scheduler.OpHold)
	})

	r.DELETE("/jacks/:id/hold", guard, func(c *gin.Context) {
		s.handleHold(c, scheduler.OpRelease)
	})

	r.POST("/link/recover", guard, func(c *gin.Context) {
		s.handleOp(c, scheduler.Request{Op: scheduler.OpRecoverLink})
	})

	r.POST("/halt", guard, func(c *gin.Context) {
		s.handleOp(c, scheduler.Request{Op: scheduler.OpHalt})
	})

	r.POST("/resume", guard, func(c *gin.Context) {
		s.handleOp(c, scheduler.Request{Op: scheduler.OpResume})
	})
}

func (s *Service) handleOp(c *gin.Context, req scheduler.Request) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), submitTimeout)
	defer cancel()
	if err := s.sched.Submit(ctx, req); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	s.log.Info().Stringer("op", req.Op).Msg("request applied")
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Service) handleHold(c *gin.Context, op scheduler.Op) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 16)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid jack id"})
		return
	}
	s.handleOp(c, scheduler.Request{Op: op, Jack: protocol.JackID(id)})
}

func (s *Service) validator() auth.Validator {
	if s.cfg.AdminToken == "" {
		return nil
	}
	return auth.StaticToken{Token: s.cfg.AdminToken}
}

func (s *Service) handlePatch(c *gin.Context, op scheduler.Op) {
	var req patchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	src, err := config.ParsePatchKey(req.Source, s.cfg.Identity.ID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), submitTimeout)
	defer cancel()
	err = s.sched.Submit(ctx, scheduler.Request{Op: op, Source: src, Sink: protocol.JackID(req.Sink)})
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	s.log.Info().
		Stringer("op", op).
		Str("source", src.String()).
		Uint16("sink", req.Sink).
		Msg("patch request applied")
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"source": src.String(),
		"sink":   req.Sink,
		"group":  s.reg.Group(src).String(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrUnknownJack):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrNotSink),
		errors.Is(err, registry.ErrInvalidSource),
		errors.Is(err, registry.ErrKindMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, scheduler.ErrMailboxFull):
		return http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type jackView struct {
	ID        protocol.JackID     `json:"id"`
	Name      string              `json:"name"`
	Direction protocol.Direction  `json:"direction"`
	Kind      protocol.SignalKind `json:"kind"`
	Channels  uint8               `json:"channels"`
}

func jackViews(jacks []protocol.Jack) []jackView {
	out := make([]jackView, 0, len(jacks))
	for _, j := range jacks {
		out = append(out, jackView(j))
	}
	return out
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
