// Package httpapi is the thin HTTP shim of spec §6, binding CoreAPI to
// the endpoint table. It is built on gin (grounded in
// ppriyankuu-godkv, a pack entry using gin for its own distributed KV
// store's HTTP surface) instead of the teacher's relt-based transport,
// since this is the outward-facing client surface spec §1 calls out
// as "the HTTP endpoint shim" (explicitly out of the core's scope —
// only the contract is specified).
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/distsync/syncd/internal/logging"
	"github.com/distsync/syncd/internal/node"
	"github.com/distsync/syncd/internal/syncerr"
	"github.com/distsync/syncd/internal/telemetry"
	"github.com/distsync/syncd/pkg/syncd/types"
)

// Server mounts every route of spec §6's endpoint table.
type Server struct {
	engine *gin.Engine
	n      *node.Node
	lg     logging.Logger
	tel    *telemetry.Registry
}

// New builds the router. gin.New (not Default) is used deliberately:
// the logging and recovery middleware below replace gin's own, the
// same way original_source/src/api/handlers.py wraps every handler
// through a single _handle_request helper instead of relying on
// framework defaults.
func New(n *node.Node, lg logging.Logger, tel *telemetry.Registry) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	s := &Server{engine: engine, n: n, lg: lg, tel: tel}

	engine.Use(s.requestIDMiddleware(), s.loggingMiddleware(), s.recoveryMiddleware())
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

const requestIDHeader = "X-Request-Id"

// requestIDMiddleware tags every request with a UUID, echoed back in
// the response header and stored on the gin context, where
// loggingMiddleware picks it up to tag its per-request log lines, so a
// line in the log can be correlated with a client's report of a
// failed call.
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Writer.Header().Set(requestIDHeader, id)
		c.Set(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		lg := s.lg.With("request_id", c.GetString(requestIDHeader))
		lg.Debugf("handling %s %s", c.Request.Method, c.Request.URL.Path)
		c.Next()
		lg.Debugf("%s %s completed with status %d", c.Request.Method, c.Request.URL.Path, c.Writer.Status())
	}
}

func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.lg.Errorf("panic handling %s %s: %v", c.Request.Method, c.Request.URL.Path, r)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}

// statusFor maps an engine error to the HTTP status of spec §7.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, syncerr.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, syncerr.ErrNotLeader):
		return http.StatusForbidden
	case errors.Is(err, syncerr.ErrBackendUnavailable):
		return http.StatusInternalServerError
	case errors.Is(err, syncerr.ErrForwardFailed):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func (s *Server) routes() {
	s.engine.GET("/health", s.health)
	s.engine.GET("/raft/leader", s.leader)
	s.engine.POST("/raft/heartbeat", s.heartbeat)
	s.engine.POST("/raft/append", s.append)
	s.engine.GET("/raft/log", s.log)

	s.engine.POST("/locks/acquire", s.acquireLock)
	s.engine.POST("/locks/release", s.releaseLock)
	s.engine.GET("/locks/wait_for", s.waitFor)

	s.engine.GET("/cache/get", s.cacheGet)
	s.engine.POST("/cache/put", s.cachePut)
	s.engine.POST("/cache/invalidate", s.cacheInvalidate)
	s.engine.GET("/cache/fetch", s.cacheFetch)
	s.engine.GET("/cache/state", s.cacheState)

	s.engine.POST("/queue/produce", s.queueProduce)
	s.engine.POST("/queue/consume", s.queueConsume)

	s.engine.GET("/metrics", s.metrics)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, s.n.Health())
}

func (s *Server) leader(c *gin.Context) {
	c.JSON(http.StatusOK, s.n.LeaderView())
}

func (s *Server) heartbeat(c *gin.Context) {
	var body types.LeaderView
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, syncerr.ErrInvalidInput)
		return
	}
	s.n.ReceiveHeartbeat(body.Leader, body.Term)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) append(c *gin.Context) {
	var cmd types.Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		s.fail(c, syncerr.ErrInvalidInput)
		return
	}
	idx, err := s.n.Append(requestContext(c), cmd)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "index": idx})
}

func (s *Server) log(c *gin.Context) {
	start := parseInt(c.Query("start"), 0)
	end := parseInt(c.Query("end"), -1)
	entries, err := s.n.LogRange(requestContext(c), start, end)
	if err != nil {
		s.fail(c, syncerr.ErrBackendUnavailable)
		return
	}
	c.JSON(http.StatusOK, gin.H{"log": entries})
}

type lockRequest struct {
	Resource string         `json:"resource"`
	Owner    string         `json:"owner"`
	Mode     types.LockMode `json:"mode"`
}

func (s *Server) acquireLock(c *gin.Context) {
	var body lockRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, syncerr.ErrInvalidInput)
		return
	}
	if body.Mode == "" {
		body.Mode = types.Shared
	}
	ok, err := s.n.AcquireLock(requestContext(c), body.Resource, body.Owner, body.Mode)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": ok})
}

func (s *Server) releaseLock(c *gin.Context) {
	var body lockRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, syncerr.ErrInvalidInput)
		return
	}
	ok, err := s.n.ReleaseLock(requestContext(c), body.Resource, body.Owner)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": ok})
}

func (s *Server) waitFor(c *gin.Context) {
	edges := s.n.WaitForEdges()
	pairs := make([][2]string, 0, len(edges))
	for _, e := range edges {
		pairs = append(pairs, [2]string{e.Waiter, e.Holder})
	}
	c.JSON(http.StatusOK, gin.H{"edges": pairs})
}

func (s *Server) cacheGet(c *gin.Context) {
	key := c.Query("key")
	value, ok, err := s.n.CacheGet(requestContext(c), key)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"value": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"value": value})
}

type cachePutRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Server) cachePut(c *gin.Context) {
	var body cachePutRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, syncerr.ErrInvalidInput)
		return
	}
	ok, err := s.n.CachePut(requestContext(c), body.Key, body.Value)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": ok})
}

func (s *Server) cacheInvalidate(c *gin.Context) {
	var body struct {
		Key string `json:"key"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, syncerr.ErrInvalidInput)
		return
	}
	if err := s.n.CacheHandleInvalidate(body.Key); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) cacheFetch(c *gin.Context) {
	key := c.Query("key")
	result, err := s.n.CacheHandleFetch(key)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !result.Found {
		c.JSON(http.StatusOK, gin.H{"value": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"value": result.Value, "state": string(result.State)})
}

func (s *Server) cacheState(c *gin.Context) {
	snap := s.n.CacheState()
	now := float64(time.Now().UnixNano()) / 1e9
	lines := make(map[string]gin.H, len(snap.Lines))
	for k, line := range snap.Lines {
		lines[k] = gin.H{"state": string(line.State), "age_seconds": now - line.Timestamp}
	}
	c.JSON(http.StatusOK, gin.H{
		"cache_state":     lines,
		"metrics":         snap.Metrics,
		"capacity_used":   snap.Used,
		"capacity_total":  snap.Capacity,
	})
}

func (s *Server) queueProduce(c *gin.Context) {
	var body struct {
		Topic   string `json:"topic"`
		Message string `json:"message"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, syncerr.ErrInvalidInput)
		return
	}
	if err := s.n.QueueProduce(requestContext(c), body.Topic, body.Message); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) queueConsume(c *gin.Context) {
	var body struct {
		Topic string `json:"topic"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, syncerr.ErrInvalidInput)
		return
	}
	message, ok, err := s.n.QueueConsume(requestContext(c), body.Topic)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusOK, gin.H{"message": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": message})
}

func (s *Server) metrics(c *gin.Context) {
	if c.Query("format") == "prometheus" {
		s.tel.Handler().ServeHTTP(c.Writer, c.Request)
		return
	}
	c.JSON(http.StatusOK, s.tel.JSON())
}

func requestContext(c *gin.Context) context.Context {
	return c.Request.Context()
}

func parseInt(raw string, fallback int64) int64 {
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}
