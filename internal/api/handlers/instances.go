package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"conductor.io/conductor/internal/api/middleware"
	"conductor.io/conductor/internal/domain"
	"conductor.io/conductor/internal/jobs"
	apperrors "conductor.io/conductor/internal/pkg/errors"
	"conductor.io/conductor/internal/service"
)

// ProgressResponse is the body of GET /api/v1/instances/:uuid/progress.
type ProgressResponse struct {
	UUID      string           `json:"uuid"`
	Progress  int              `json:"progress"`
	VMState   domain.VMState   `json:"vm_state"`
	TaskState domain.TaskState `json:"task_state"`
}

// SpawnRequest is the body of POST /api/v1/instances/:uuid/spawn.
type SpawnRequest struct {
	Image   jobs.ImageArgs     `json:"image"`
	Network domain.NetworkInfo `json:"network"`
}

// PowerRequest is the body of POST /api/v1/instances/:uuid/power.
type PowerRequest struct {
	Operation string `json:"operation" binding:"required"`
}

// DestroyRequest is the optional body of DELETE /api/v1/instances/:uuid.
type DestroyRequest struct {
	Network domain.NetworkInfo `json:"network"`
}

// AcceptedResponse is returned for every enqueued job.
type AcceptedResponse struct {
	JobID        int64  `json:"job_id"`
	InstanceUUID string `json:"instance_uuid"`
	Status       string `json:"status"`
}

// GetInstanceProgress handles GET /api/v1/instances/:uuid/progress.
func (s *Server) GetInstanceProgress(c *gin.Context) {
	inst, ok := s.loadInstance(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, ProgressResponse{
		UUID:      inst.UUID,
		Progress:  inst.Progress,
		VMState:   inst.VMState,
		TaskState: inst.TaskState,
	})
}

// SpawnInstance handles POST /api/v1/instances/:uuid/spawn.
func (s *Server) SpawnInstance(c *gin.Context) {
	var req SpawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, err.Error()))
		return
	}
	if req.Image.ID == "" {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, "image.id is required"))
		return
	}
	inst, ok := s.loadInstance(c)
	if !ok {
		return
	}
	if inst.VMState != domain.VMStateBuilding {
		_ = c.Error(apperrors.ErrInstanceUnacceptablef(inst.UUID, fmt.Sprintf("cannot spawn from vm_state %q", inst.VMState)))
		return
	}
	s.enqueue(c, inst.UUID, jobs.InstanceSpawnArgs{
		InstanceUUID: inst.UUID,
		Image:        req.Image,
		Network:      req.Network,
	})
}

// PowerInstance handles POST /api/v1/instances/:uuid/power.
func (s *Server) PowerInstance(c *gin.Context) {
	var req PowerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, err.Error()))
		return
	}
	if !service.ValidPowerOperation(service.PowerOperation(req.Operation)) {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, fmt.Sprintf("unknown power operation %q", req.Operation)))
		return
	}
	inst, ok := s.loadInstance(c)
	if !ok {
		return
	}
	s.enqueue(c, inst.UUID, jobs.InstancePowerArgs{InstanceUUID: inst.UUID, Operation: req.Operation})
}

// DestroyInstance handles DELETE /api/v1/instances/:uuid.
func (s *Server) DestroyInstance(c *gin.Context) {
	var req DestroyRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, err.Error()))
			return
		}
	}
	inst, ok := s.loadInstance(c)
	if !ok {
		return
	}
	s.enqueue(c, inst.UUID, jobs.InstanceDestroyArgs{InstanceUUID: inst.UUID, Network: req.Network})
}

func (s *Server) loadInstance(c *gin.Context) (*domain.Instance, bool) {
	uuid := c.Param("uuid")
	inst, err := s.instances.GetInstance(c.Request.Context(), uuid)
	if errors.Is(err, domain.ErrInstanceNotFound) {
		_ = c.Error(apperrors.ErrInstanceNotFoundf(uuid))
		return nil, false
	}
	if err != nil {
		_ = c.Error(fmt.Errorf("load instance %s: %w", uuid, err))
		return nil, false
	}
	return inst, true
}

func (s *Server) enqueue(c *gin.Context, instanceUUID string, args river.JobArgs) {
	ctx := c.Request.Context()
	res, err := s.jobs.Insert(ctx, args, &river.InsertOpts{Metadata: middleware.JobMetadata(ctx)})
	if err != nil {
		_ = c.Error(fmt.Errorf("enqueue %s for %s: %w", args.Kind(), instanceUUID, err))
		return
	}
	middleware.RequestLogger(ctx).Info("Instance job enqueued",
		zap.String("kind", args.Kind()),
		zap.String("instance_uuid", instanceUUID),
		zap.Int64("job_id", res.Job.ID),
	)
	c.JSON(http.StatusAccepted, AcceptedResponse{
		JobID:        res.Job.ID,
		InstanceUUID: instanceUUID,
		Status:       "ACCEPTED",
	})
}
