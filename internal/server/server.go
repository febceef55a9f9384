// Package server implements lpspoold's admin HTTP API: an operator
// dashboard for queue status, job hold/release/remove, and log
// tailing, separate from the line-printer daemon wire protocol.
// Grounded on the teacher's gin-based dashboard (internal/server in
// the source repo), with its HTML-template rendering dropped in favor
// of a JSON API — the teacher's own templates/static assets were not
// present in the retrieved source tree.
package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lprng-go/lpspoold/internal/store"
)

type Server struct {
	st         *store.Store
	backend    Backend
	appLogPath string
}

func New(st *store.Store, backend Backend, appLogPath string) http.Handler {
	s := &Server{st: st, backend: backend, appLogPath: appLogPath}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Cache-Control", "no-store")
		c.Next()
	})

	r.POST("/api/login", s.apiLogin)
	r.POST("/api/logout", s.apiLogout)

	api := r.Group("/api")
	api.Use(s.authMiddleware())

	api.GET("/queues", s.apiQueues)
	api.GET("/queues/:name/status", s.apiQueueStatus)
	api.GET("/queues/:name/jobs", s.apiQueueJobs)
	api.POST("/queues/:name/start", s.apiQueueStart)
	api.POST("/queues/:name/jobs/:number/hold", s.apiJobHold)
	api.POST("/queues/:name/jobs/:number/release", s.apiJobRelease)
	api.POST("/queues/:name/jobs/:number/remove", s.apiJobRemove)
	api.GET("/queues/:name/log/stream", s.apiQueueLogStream)
	api.GET("/log/daemon/stream", s.apiDaemonLogStream)

	api.GET("/settings", s.apiSettingsGet)
	api.POST("/settings", s.apiSettingsSave)

	return r
}

// requestID stamps each admin API request with a trace ID, echoed back
// in the response header so an operator can correlate a request with
// the daemon's own structured log line for it.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}

func (s *Server) apiQueues(c *gin.Context) {
	ctx := c.Request.Context()
	names, err := s.backend.QueueNames(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	type queueInfo struct {
		Name     string `json:"name"`
		JobCount int    `json:"jobCount"`
	}
	out := make([]queueInfo, 0, len(names))
	for _, n := range names {
		jobs, _ := s.backend.Jobs(ctx, n)
		out = append(out, queueInfo{Name: n, JobCount: len(jobs)})
	}
	c.JSON(http.StatusOK, gin.H{"queues": out})
}

func (s *Server) apiQueueStatus(c *gin.Context) {
	ctx := c.Request.Context()
	name := c.Param("name")
	long := c.Query("long") == "1" || c.Query("long") == "true"
	text, err := s.backend.QueueStatus(ctx, name, long)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": name, "status": text})
}

func (s *Server) apiQueueJobs(c *gin.Context) {
	ctx := c.Request.Context()
	name := c.Param("name")
	jobs, err := s.backend.Jobs(ctx, name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": name, "jobs": jobs})
}

func (s *Server) apiQueueStart(c *gin.Context) {
	ctx := c.Request.Context()
	name := c.Param("name")
	if err := s.backend.StartQueue(ctx, name); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"started": name})
}

func (s *Server) apiJobHold(c *gin.Context) {
	s.jobAction(c, s.backend.HoldJob)
}

func (s *Server) apiJobRelease(c *gin.Context) {
	s.jobAction(c, s.backend.ReleaseJob)
}

func (s *Server) apiJobRemove(c *gin.Context) {
	s.jobAction(c, s.backend.RemoveJob)
}

func (s *Server) jobAction(c *gin.Context, do func(ctx context.Context, name string, number int) error) {
	name := c.Param("name")
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job number"})
		return
	}
	if err := do(c.Request.Context(), name, number); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": name, "number": number})
}

func (s *Server) apiSettingsGet(c *gin.Context) {
	ctx := c.Request.Context()
	all, err := s.st.ListSettings(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	m := map[string]string{}
	for _, kv := range all {
		if kv.Key == authPasswordHashKey || kv.Key == authSecretKey {
			continue
		}
		m[kv.Key] = kv.Value
	}
	c.JSON(http.StatusOK, gin.H{"settings": m})
}

func (s *Server) apiSettingsSave(c *gin.Context) {
	ctx := c.Request.Context()
	var body map[string]string
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	for k, v := range body {
		if k == authPasswordHashKey || k == authSecretKey {
			continue // reserved keys, not settable through this endpoint
		}
		if err := s.st.SetSetting(ctx, strings.TrimSpace(k), strings.TrimSpace(v)); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"saved": true, "at": time.Now().Unix()})
}
