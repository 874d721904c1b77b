package handler

import (
	"net/http"

	"fetchd/internal/dto"
	"fetchd/internal/netmon"
	"fetchd/utils"

	"github.com/gin-gonic/gin"
)

// SetNetworkClass feeds the current network class from the platform's
// connectivity monitor into the scheduler.
func SetNetworkClass(c *gin.Context) {
	var req dto.NetworkClassRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	class := netmon.Class(req.Class)
	if !class.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown network class"})
		return
	}
	monitor.Set(class)
	utils.Success(c, nil)
}

// GetNetworkClass reports the last known network class.
func GetNetworkClass(c *gin.Context) {
	utils.Success(c, gin.H{"class": monitor.Current()})
}

// ConfigureThrottle adjusts the shared bandwidth throttle at runtime.
func ConfigureThrottle(c *gin.Context) {
	var req dto.ThrottleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Rate != nil {
		throttler.SetRate(*req.Rate)
	}
	if req.Burst != nil {
		throttler.SetBurst(*req.Burst)
	}
	if req.Paused != nil {
		if *req.Paused {
			throttler.Pause()
		} else {
			throttler.Resume()
		}
	}
	utils.Success(c, dto.ThrottleResponse{Rate: throttler.Rate(), Paused: throttler.Paused()})
}
