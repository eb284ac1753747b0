package web_service

import (
	"github.com/gin-gonic/gin"
	"github.com/pzhenzhou/respgo/pkg/metrics"
)

var _ WebHandler = (*MetricsHandler)(nil)

// MetricsHandler serves the collector's sink (prometheus text or the
// in-memory JSON dump).
type MetricsHandler struct {
	path    string
	handler gin.HandlerFunc
}

func NewMetricsHandler(path string, collector metrics.ClientMetricsCollector) *MetricsHandler {
	if path == "" {
		path = metrics.ExposeMetricURL
	}
	return &MetricsHandler{
		path:    path,
		handler: gin.WrapH(collector.Handler()),
	}
}

func (m *MetricsHandler) Path() string {
	return m.path
}

func (m *MetricsHandler) Method() HttpMethod {
	return GET
}

func (m *MetricsHandler) Handler(ctx *gin.Context) {
	m.handler(ctx)
}
