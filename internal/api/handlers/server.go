// Package handlers implements the operator HTTP surface: health, metrics,
// instance progress, asynchronous instance jobs and runtime log level.
//
// Handlers never call the hypervisor directly. Long-running work is enqueued
// as River jobs and executed by internal/jobs.
//
// Import Path: conductor.io/conductor/internal/api/handlers
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"go.uber.org/zap"

	"conductor.io/conductor/internal/domain"
)

// InstanceReader loads instance records.
type InstanceReader interface {
	GetInstance(ctx context.Context, uuid string) (*domain.Instance, error)
}

// JobInserter enqueues River jobs. *river.Client[pgx.Tx] implements it.
type JobInserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// Pinger reports database reachability. *pgxpool.Pool implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds handler dependencies.
type Server struct {
	instances InstanceReader
	jobs      JobInserter
	db        Pinger
	metrics   http.Handler
	logLevel  *zap.AtomicLevel
}

// ServerDeps holds all dependencies for creating a Server.
// Metrics and LogLevel are optional; their routes are omitted when nil.
type ServerDeps struct {
	Instances InstanceReader
	Jobs      JobInserter
	DB        Pinger
	Metrics   http.Handler
	LogLevel  *zap.AtomicLevel
}

// NewServer creates a new Server with all dependencies.
func NewServer(deps ServerDeps) *Server {
	return &Server{
		instances: deps.Instances,
		jobs:      deps.Jobs,
		db:        deps.DB,
		metrics:   deps.Metrics,
		logLevel:  deps.LogLevel,
	}
}

// Register mounts every route on r.
func (s *Server) Register(r gin.IRouter) {
	r.GET("/healthz", s.GetHealth)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}
	if s.logLevel != nil {
		r.GET("/log/level", gin.WrapH(s.logLevel))
		r.PUT("/log/level", gin.WrapH(s.logLevel))
	}

	v1 := r.Group("/api/v1/instances/:uuid")
	v1.GET("/progress", s.GetInstanceProgress)
	v1.POST("/spawn", s.SpawnInstance)
	v1.POST("/power", s.PowerInstance)
	v1.POST("/resize", s.ResizeInstance)
	v1.POST("/resize/confirm", s.ConfirmResize)
	v1.POST("/resize/revert", s.RevertResize)
	v1.POST("/rescue", s.RescueInstance)
	v1.POST("/unrescue", s.UnrescueInstance)
	v1.POST("/snapshot", s.SnapshotInstance)
	v1.DELETE("", s.DestroyInstance)
}
