package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bastion-project/bastion/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "bastion",
		"version": Version,
	})
}

// handleGetVersion returns the Bastion version.
func (s *Server) handleGetVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": Version,
		"name":    "Bastion",
	})
}

// handleGetSystemInfo returns host platform details and current usage.
func (s *Server) handleGetSystemInfo(c *gin.Context) {
	sysInfo := util.GetSystemInfo()

	resp := gin.H{
		"platform":        sysInfo.Platform,
		"hostname":        sysInfo.Hostname,
		"os":              sysInfo.OS,
		"architecture":    sysInfo.Architecture,
		"cpu_model":       sysInfo.CPUModel,
		"cpu_cores":       sysInfo.CPUCores,
		"total_memory_mb": sysInfo.TotalMemory,
	}
	if cpu, err := util.GetCPUUsage(); err == nil {
		resp["cpu_percent"] = cpu
	}
	if mem, err := util.GetMemoryUsage(); err == nil {
		resp["memory"] = mem
	}
	c.JSON(http.StatusOK, resp)
}

// handleGetSessions returns the live session list.
func (s *Server) handleGetSessions(c *gin.Context) {
	sessions := s.registry.List()
	list := make([]gin.H, 0, len(sessions))
	for _, sess := range sessions {
		list = append(list, gin.H{
			"id":           sess.ID(),
			"remote_ip":    sess.RemoteIP(),
			"backend":      sess.BackendAddr(),
			"state":        sess.State(),
			"logs_enabled": sess.LogsEnabled(),
			"opened_at":    sess.OpenedAt(),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"count":    len(list),
		"sessions": list,
	})
}

// handleGetMonitor returns the latest watch list snapshots.
func (s *Server) handleGetMonitor(c *gin.Context) {
	snaps := s.monitor.Snapshots()
	c.JSON(http.StatusOK, gin.H{
		"count":   len(snaps),
		"servers": snaps,
	})
}
