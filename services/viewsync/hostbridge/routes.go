// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hostbridge

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/viewsync/services/viewsync"
	"github.com/AleutianAI/viewsync/services/viewsync/uiloop"
)

// HealthResponse is returned by GET /v1/viewsync/health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	HostConnected bool   `json:"hostConnected"`
}

// ViewsResponse is returned by GET /v1/viewsync/views.
type ViewsResponse struct {
	Stats  viewsync.Stats `json:"stats"`
	Bridge Stats          `json:"bridge"`
	UILoop *uiloop.Stats  `json:"uiLoop,omitempty"`
	Views  []ViewInfo     `json:"views"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Handlers serves the bridge's HTTP surface.
type Handlers struct {
	bridge    *Bridge
	version   string
	loopStats func() uiloop.Stats
	upgrader  websocket.Upgrader
}

// NewHandlers creates Handlers for bridge. The websocket upgrader keeps
// gorilla's same-origin check: only local glue code is expected to dial.
func NewHandlers(bridge *Bridge, version string) *Handlers {
	return &Handlers{
		bridge:  bridge,
		version: version,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
	}
}

// RegisterRoutes mounts the viewsync routes under rg.
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	vs := rg.Group("/viewsync")
	{
		vs.GET("/ws", h.HandleWebSocket)
		vs.GET("/health", h.HandleHealth)
		vs.GET("/views", h.HandleViews)
	}
}

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// ServiceName labels otelgin spans.
	ServiceName string

	// Version is reported by the health route.
	Version string

	// Metrics is served at /metrics when non-nil.
	Metrics http.Handler

	// UILoop reports the UI loop's counters on the views route. Optional.
	UILoop func() uiloop.Stats
}

// NewRouter builds the daemon's gin engine.
func NewRouter(bridge *Bridge, opts RouterOptions) *gin.Engine {
	if opts.ServiceName == "" {
		opts.ServiceName = "viewsyncd"
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(opts.ServiceName))

	h := NewHandlers(bridge, opts.Version)
	h.loopStats = opts.UILoop
	RegisterRoutes(router.Group("/v1"), h)

	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics))
	}
	return router
}

// HandleWebSocket handles GET /v1/viewsync/ws.
//
// Response:
//
//	101 Switching Protocols: the connection is served until it closes.
//	409 Conflict: another host is connected.
//	503 Service Unavailable: the daemon is shutting down.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	if h.bridge.Connected() {
		c.JSON(http.StatusConflict, ErrorResponse{Error: ErrAlreadyConnected.Error(), Code: "ALREADY_CONNECTED"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.bridge.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	if err := h.bridge.ServeConn(c.Request.Context(), ws); err != nil {
		level := h.bridge.logger.Warn
		if errors.Is(err, ErrClosed) {
			level = h.bridge.logger.Debug
		}
		level("host connection refused", "error", err)
	}
}

// HandleHealth handles GET /v1/viewsync/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:        "healthy",
		Version:       h.version,
		HostConnected: h.bridge.Connected(),
	})
}

// HandleViews handles GET /v1/viewsync/views.
//
// Response:
//
//	200 OK: ViewsResponse
//	503 Service Unavailable: no controller is bound yet
func (h *Handlers) HandleViews(c *gin.Context) {
	sink := h.bridge.currentSink()
	if sink == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: ErrNotBound.Error(), Code: "NOT_READY"})
		return
	}
	resp := ViewsResponse{
		Stats:  sink.Stats(),
		Bridge: h.bridge.Stats(),
		Views:  h.bridge.Views(),
	}
	if h.loopStats != nil {
		ls := h.loopStats()
		resp.UILoop = &ls
	}
	c.JSON(http.StatusOK, resp)
}
