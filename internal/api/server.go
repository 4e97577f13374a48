// Package api exposes a read-only view of a plugin container over HTTP.
//
// Plugins are not safe for concurrent use, so the server only reports on
// instances whose controlling goroutine has finished configuring them.
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/plugkit/internal/plugin"
)

type Server struct {
	container *plugin.Container
	version   string
	started   time.Time
}

func NewServer(c *plugin.Container, version string) *Server {
	return &Server{container: c, version: version, started: time.Now()}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/health", s.handleHealth)
	e.GET("/v1/plugins", s.handleListPlugins)
	e.GET("/v1/plugins/:id", s.handleGetPlugin)
	e.GET("/v1/plugins/:id/candidates", s.handleCandidates)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, Health{
		Status:  "ok",
		Version: s.version,
		Plugins: s.container.Len(),
		Uptime:  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleListPlugins(c *echo.Context) error {
	kind := c.QueryParam("type")
	entries := s.container.List()
	data := make([]PluginObject, 0, len(entries))
	for _, e := range entries {
		if kind != "" && e.Plugin.Type() != kind {
			continue
		}
		data = append(data, newPluginObject(e))
	}
	return c.JSON(http.StatusOK, PluginList{Object: "list", Data: data})
}

func (s *Server) handleGetPlugin(c *echo.Context) error {
	e, ok := s.container.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "plugin not found")
	}
	return c.JSON(http.StatusOK, newPluginObject(e))
}

func (s *Server) handleCandidates(c *echo.Context) error {
	e, ok := s.container.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "plugin not found")
	}
	info := e.Plugin.Info()
	if info.Type != plugin.TypeConv3DTranspose {
		return writeBadRequest(c, info.Type+" plugins do not select algorithms")
	}
	candidates := info.Candidates
	if candidates == nil {
		candidates = []plugin.Candidate{}
	}
	return c.JSON(http.StatusOK, CandidateList{Object: "list", Plugin: e.ID, Data: candidates})
}
