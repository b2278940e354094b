package handlers

import (
	"fmt"
	"slices"

	"github.com/gin-gonic/gin"

	"conductor.io/conductor/internal/domain"
	"conductor.io/conductor/internal/jobs"
	apperrors "conductor.io/conductor/internal/pkg/errors"
)

// ResizeRequest is the body of POST /api/v1/instances/:uuid/resize.
// NewRootGB of zero keeps the current root disk size.
type ResizeRequest struct {
	DestHost  string             `json:"dest_host" binding:"required"`
	NewRootGB int                `json:"new_root_gb" binding:"min=0"`
	Image     jobs.ImageArgs     `json:"image"`
	Network   domain.NetworkInfo `json:"network"`
}

// RescueRequest is the body of POST /api/v1/instances/:uuid/rescue.
type RescueRequest struct {
	Image   jobs.ImageArgs     `json:"image"`
	Network domain.NetworkInfo `json:"network"`
}

// SnapshotRequest is the body of POST /api/v1/instances/:uuid/snapshot.
type SnapshotRequest struct {
	ImageID string `json:"image_id" binding:"required"`
}

// ResizeInstance handles POST /api/v1/instances/:uuid/resize.
func (s *Server) ResizeInstance(c *gin.Context) {
	var req ResizeRequest
	if !bindJSON(c, &req) {
		return
	}
	inst, ok := s.loadInstanceIn(c, "resize", domain.VMStateActive, domain.VMStateStopped)
	if !ok {
		return
	}
	s.enqueue(c, inst.UUID, jobs.InstanceResizeArgs{
		InstanceUUID: inst.UUID,
		DestHost:     req.DestHost,
		NewRootGB:    req.NewRootGB,
		Image:        req.Image,
		Network:      req.Network,
	})
}

// ConfirmResize handles POST /api/v1/instances/:uuid/resize/confirm.
func (s *Server) ConfirmResize(c *gin.Context) {
	inst, ok := s.loadInstanceIn(c, "confirm resize", domain.VMStateResized)
	if !ok {
		return
	}
	s.enqueue(c, inst.UUID, jobs.ResizeConfirmArgs{InstanceUUID: inst.UUID})
}

// RevertResize handles POST /api/v1/instances/:uuid/resize/revert.
func (s *Server) RevertResize(c *gin.Context) {
	inst, ok := s.loadInstanceIn(c, "revert resize", domain.VMStateResized)
	if !ok {
		return
	}
	s.enqueue(c, inst.UUID, jobs.ResizeRevertArgs{InstanceUUID: inst.UUID})
}

// RescueInstance handles POST /api/v1/instances/:uuid/rescue.
func (s *Server) RescueInstance(c *gin.Context) {
	var req RescueRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Image.ID == "" {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, "image.id is required"))
		return
	}
	inst, ok := s.loadInstanceIn(c, "rescue", domain.VMStateActive, domain.VMStateStopped)
	if !ok {
		return
	}
	s.enqueue(c, inst.UUID, jobs.InstanceRescueArgs{
		InstanceUUID: inst.UUID,
		Image:        req.Image,
		Network:      req.Network,
	})
}

// UnrescueInstance handles POST /api/v1/instances/:uuid/unrescue.
func (s *Server) UnrescueInstance(c *gin.Context) {
	inst, ok := s.loadInstanceIn(c, "unrescue", domain.VMStateRescued)
	if !ok {
		return
	}
	s.enqueue(c, inst.UUID, jobs.InstanceUnrescueArgs{InstanceUUID: inst.UUID})
}

// SnapshotInstance handles POST /api/v1/instances/:uuid/snapshot.
func (s *Server) SnapshotInstance(c *gin.Context) {
	var req SnapshotRequest
	if !bindJSON(c, &req) {
		return
	}
	inst, ok := s.loadInstance(c)
	if !ok {
		return
	}
	s.enqueue(c, inst.UUID, jobs.InstanceSnapshotArgs{InstanceUUID: inst.UUID, ImageID: req.ImageID})
}

func bindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		_ = c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, err.Error()))
		return false
	}
	return true
}

// loadInstanceIn loads the instance and rejects it with 409 unless its
// vm_state is one of allowed.
func (s *Server) loadInstanceIn(c *gin.Context, action string, allowed ...domain.VMState) (*domain.Instance, bool) {
	inst, ok := s.loadInstance(c)
	if !ok {
		return nil, false
	}
	if !slices.Contains(allowed, inst.VMState) {
		_ = c.Error(apperrors.ErrInstanceUnacceptablef(inst.UUID, fmt.Sprintf("cannot %s from vm_state %q", action, inst.VMState)))
		return nil, false
	}
	return inst, true
}
