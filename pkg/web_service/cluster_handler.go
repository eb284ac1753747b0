package web_service

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	ClusterSlotsPath   = "/cluster/slots"
	ClusterRefreshPath = "/cluster/refresh"
)

var (
	_ WebHandler = (*ClusterSlotsHandler)(nil)
	_ WebHandler = (*ClusterRefreshHandler)(nil)
)

func topologyFrom(ctx *gin.Context) (TopologySource, bool) {
	object, ok := ctx.Get(TopologySourceKey)
	if !ok {
		return nil, false
	}
	source, ok := object.(TopologySource)
	return source, ok
}

// ClusterSlotsHandler lists the slot ranges and nodes the router last loaded.
type ClusterSlotsHandler struct {
}

func (l *ClusterSlotsHandler) Path() string {
	return ClusterSlotsPath
}

func (l *ClusterSlotsHandler) Method() HttpMethod {
	return GET
}

func (l *ClusterSlotsHandler) Handler(ctx *gin.Context) {
	source, ok := topologyFrom(ctx)
	if !ok {
		ctx.JSON(http.StatusServiceUnavailable, ApiResponse{
			Code:    http.StatusServiceUnavailable,
			Message: "no cluster router",
		})
		return
	}
	ctx.JSON(http.StatusOK, ApiResponse{
		Code:    http.StatusOK,
		Message: "success",
		Data:    source.Topology(),
	})
}

// ClusterRefreshHandler marks the slot table stale. The router reloads it
// before the next command it executes.
type ClusterRefreshHandler struct{}

func (a *ClusterRefreshHandler) Path() string {
	return ClusterRefreshPath
}

func (a *ClusterRefreshHandler) Method() HttpMethod {
	return POST
}

func (a *ClusterRefreshHandler) Handler(ctx *gin.Context) {
	source, ok := topologyFrom(ctx)
	if !ok {
		ctx.JSON(http.StatusServiceUnavailable, ApiResponse{
			Code:    http.StatusServiceUnavailable,
			Message: "no cluster router",
		})
		return
	}
	source.RequestRefresh()
	logger.Info("cluster refresh requested", "remote", ctx.ClientIP())
	ctx.JSON(http.StatusAccepted, ApiResponse{
		Code:    http.StatusAccepted,
		Message: "refresh scheduled",
	})
}
