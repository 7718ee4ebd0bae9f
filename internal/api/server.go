// Package api exposes the chat core over HTTP for clients that do not hold a
// WebSocket open: history paging, posting, conversation management, reports,
// moderation and the audit views. Every route requires a bearer token issued
// by chat.Tokens.
package api

import (
	"context"
	"log"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/whisper/chatguard/internal/audit"
	"github.com/whisper/chatguard/internal/chat"
	"github.com/whisper/chatguard/internal/metrics"
	"github.com/whisper/chatguard/internal/room"
)

// Prefix is the route group every endpoint lives under.
const Prefix = "/api/v1"

// Emitter delivers the effects an operation produced.
type Emitter interface {
	Emit(ctx context.Context, effects ...chat.Effect)
}

// AuditReader serves the audit views.
type AuditReader interface {
	Query(ctx context.Context, f audit.Filter) ([]audit.Event, error)
	Stats(ctx context.Context, tf audit.Timeframe) (audit.Stats, error)
}

// Server is the HTTP API.
type Server struct {
	echo    *echo.Echo
	coord   *chat.Coordinator
	emitter Emitter
	audit   AuditReader
}

// NewServer builds the router.
func NewServer(coord *chat.Coordinator, emitter Emitter, auditLog AuditReader) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = NewValidator()
	e.HTTPErrorHandler = errorHandler

	s := &Server{echo: e, coord: coord, emitter: emitter, audit: auditLog}

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			log.Printf("[api] panic recovered path=%s: %v\n%s", c.Path(), err, stack)
			return nil
		},
	}))
	e.Use(middleware.RequestID())
	e.Use(requestMetrics)
	e.Use(middleware.BodyLimit("64K"))

	api := e.Group(Prefix, s.authenticate)
	api.GET("/channels", s.listChannels)
	api.GET("/rooms/:id/messages", s.history)
	api.POST("/rooms/:id/messages", s.postMessage)
	api.PATCH("/messages/:id", s.editMessage)
	api.DELETE("/messages/:id", s.deleteMessage)
	api.POST("/messages/:id/read", s.markRead)
	api.POST("/messages/:id/report", s.reportMessage)
	api.POST("/conversations", s.createConversation)
	api.GET("/conversations", s.listConversations)
	api.POST("/conversations/:id/archive", s.archiveConversation)
	api.DELETE("/conversations/:id/participants/me", s.leaveConversation)
	api.POST("/rooms/:id/moderation", s.moderate)

	staff := api.Group("/audit", requireRole(room.RoleModerator))
	staff.GET("/events", s.auditEvents)
	staff.GET("/stats", s.auditStats)

	return s
}

// ServeHTTP makes the server mountable on any mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// requestMetrics counts requests by route template so ids do not explode
// the label set.
func requestMetrics(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		code := c.Response().Status
		if err != nil {
			code = statusOf(err)
		}
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request().Method, c.Path(), strconv.Itoa(code)).Inc()
		return err
	}
}
