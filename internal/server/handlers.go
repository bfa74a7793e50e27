package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/ipc"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/shared/errno"
)

// Handlers serves read-only views of a kernel.
type Handlers struct {
	kernel *ipc.Kernel
}

// NewHandlers creates a new handler set
func NewHandlers(kernel *ipc.Kernel) *Handlers {
	return &Handlers{kernel: kernel}
}

// Root handles the service banner
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "ipcd",
		"kernel":  string(h.kernel.ID()),
	})
}

// Health handles detailed health check
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"tasks":   len(h.kernel.Tasks()),
		"limits":  h.kernel.Limits(),
		"metrics": h.kernel.Metrics().Snapshot(),
	})
}

// ListTasks lists a snapshot of every live task
func (h *Handlers) ListTasks(c *gin.Context) {
	tasks := h.kernel.Tasks()
	snaps := make([]*ipc.TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		snap, err := h.kernel.Snapshot(t.ID())
		if err != nil {
			// destroyed since the listing
			continue
		}
		snaps = append(snaps, snap)
	}

	c.JSON(http.StatusOK, gin.H{
		"tasks": snaps,
		"count": len(snaps),
	})
}

// GetTask returns the snapshot of one task
func (h *Handlers) GetTask(c *gin.Context) {
	tid, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return
	}

	snap, err := h.kernel.Snapshot(ipc.TaskID(tid))
	if errors.Is(err, errno.ENOENT) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}
