package web_service

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/pzhenzhou/respgo/pkg/cluster"
	"github.com/pzhenzhou/respgo/pkg/common"
	"github.com/pzhenzhou/respgo/pkg/metrics"
	"github.com/samber/lo"
	"github.com/soheilhy/cmux"
)

type HttpMethod string

const (
	GET    HttpMethod = "GET"
	POST   HttpMethod = "POST"
	PUT    HttpMethod = "PUT"
	DELETE HttpMethod = "DELETE"
)

const (
	TopologySourceKey = "TopologySource"
)

type ApiResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

var (
	logger = common.InitLogger().WithName("web")
)

// TopologySource is the part of the cluster router the web server reads.
// Both methods must be safe to call from the HTTP goroutines.
type TopologySource interface {
	Topology() *cluster.Topology
	RequestRefresh()
}

var _ TopologySource = (*cluster.Router)(nil)

type WebHandler interface {
	Path() string
	Method() HttpMethod
	Handler(ctx *gin.Context)
}

type WebServer struct {
	r        *gin.Engine
	server   *http.Server
	handlers []WebHandler
}

// NewWebServer builds the side server. topology and collector are optional;
// the matching endpoints are only registered when they are set.
func NewWebServer(config *common.WebServerConfig, metricsConfig *common.MetricsConfig,
	topology TopologySource, collector metrics.ClientMetricsCollector) *WebServer {
	allHandler := []WebHandler{
		&HealthCheckHandler{},
	}
	if topology != nil {
		allHandler = append(allHandler, &ClusterSlotsHandler{}, &ClusterRefreshHandler{})
	}
	if collector != nil && metricsConfig != nil && metricsConfig.EnableMetrics {
		allHandler = append(allHandler, NewMetricsHandler(metricsConfig.MetricsPath, collector))
	}
	return NewWebServerWithHandlers(config, topology, allHandler)
}

func NewWebServerWithHandlers(config *common.WebServerConfig, topology TopologySource, handlers []WebHandler) *WebServer {
	srv := initWebServer(config, topology)
	for _, handler := range handlers {
		srv.registerHandler(handler)
	}
	return srv
}

func GlobalTopologySource(topology TopologySource) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(TopologySourceKey, topology)
		c.Next()
	}
}

func initWebServer(config *common.WebServerConfig, topology TopologySource) *WebServer {
	if common.IsProdRuntime() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	zapLogger := common.RawZapLogger()
	if topology != nil {
		r.Use(GlobalTopologySource(topology))
	}
	r.Use(ginzap.RecoveryWithZap(zapLogger, true))
	r.Use(ginzap.GinzapWithConfig(zapLogger, &ginzap.Config{
		UTC:        true,
		TimeFormat: time.RFC3339,
		Skipper: func(c *gin.Context) bool {
			if strings.HasPrefix(c.Request.URL.Path, "/debug") {
				return true
			}
			return c.Request.URL.Path == "/healthz" && c.Request.Method == "GET"
		},
	}))
	if config != nil && config.EnablePprof {
		pprof.Register(r)
	}
	return &WebServer{
		r:        r,
		handlers: make([]WebHandler, 0),
	}
}

// Engine exposes the gin router, mainly for tests.
func (s *WebServer) Engine() *gin.Engine {
	return s.r
}

func (s *WebServer) Start(m cmux.CMux) error {
	httpL := m.Match(cmux.HTTP1Fast())
	httpServer := &http.Server{
		Handler: s.r,
	}
	s.server = httpServer
	logger.Info("WebServer started.")
	if err := httpServer.Serve(httpL); err != nil {
		if errors.Is(err, http.ErrServerClosed) || errors.Is(err, cmux.ErrListenerClosed) {
			return nil
		}
		logger.Error(err, "Failed to start web server")
		return err
	}
	return nil
}

func (s *WebServer) Shutdown(ctx context.Context) {
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			logger.Error(err, "Failed to shutdown web server")
		} else {
			logger.Info("WebServer stopped.")
		}
	}
}

func (s *WebServer) registerHandler(handler WebHandler) {
	_, ok := lo.Find(s.handlers, func(item WebHandler) bool {
		return item.Path() == handler.Path() && item.Method() == handler.Method()
	})
	if ok {
		logger.Info("handler already registered", "Path", handler.Path(),
			"Method", handler.Method())
		return
	}
	logger.V(1).Info("WebServer register handler", "Path", handler.Path(),
		"Method", handler.Method())
	switch handler.Method() {
	case GET:
		s.r.GET(handler.Path(), handler.Handler)
	case POST:
		s.r.POST(handler.Path(), handler.Handler)
	case PUT:
		s.r.PUT(handler.Path(), handler.Handler)
	case DELETE:
		s.r.DELETE(handler.Path(), handler.Handler)
	}
	s.handlers = append(s.handlers, handler)
}

var _ WebHandler = &HealthCheckHandler{}

type HealthCheckHandler struct {
}

func (h *HealthCheckHandler) Path() string {
	return "/healthz"
}

func (h *HealthCheckHandler) Method() HttpMethod {
	return GET
}

func (h *HealthCheckHandler) Handler(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}
