package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/pzhenzhou/respgo/pkg/common"

	gometrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ExposeMetricSink string

const (
	InMemorySink    ExposeMetricSink = "in-memory"
	PrometheusSink  ExposeMetricSink = "prometheus"
	AllMetricsSink  ExposeMetricSink = "all"
	ExposeMetricURL                  = "/metrics"
)

// Event counters. Session reconnects and the router's redirect handling
// report under these names.
const (
	CounterReconnect = "reconnect"
	CounterMoved     = "moved"
	CounterAsk       = "ask"
	CounterRefresh   = "slots_refresh"
	CounterEvicted   = "node_evicted"
)

var (
	logger = common.InitLogger().WithName("client-metrics")

	instance      ClientMetricsCollector
	collectorOnce sync.Once

	commandLatencyKey = []string{"command", "latency"}
	overallLatencyKey = []string{"overall", "latency"}
	commandCountKey   = []string{"command", "count"}
	errorCountKey     = []string{"errors"}
)

// ClientMetricsCollector defines the interface for collecting client metrics
type ClientMetricsCollector interface {
	// RecordCommandLatency records the round trip latency of one command
	RecordCommandLatency(command string, duration time.Duration)

	// RecordOverallLatency records round trip latency without distinguishing between commands
	RecordOverallLatency(duration time.Duration)

	// IncrementCommandCounter Command counter metrics
	IncrementCommandCounter(command string)

	// IncrementCounter Generic counter metrics (reconnects, redirects, refreshes)
	IncrementCounter(label string)

	// IncrementErrorCounter Error metrics
	IncrementErrorCounter(errorType string)

	// Shutdown the metrics collector
	Shutdown()

	// Handler returns an HTTP handler exposing the metrics
	Handler() http.Handler
}

// Config holds configuration for metrics
type Config struct {
	// Metrics prefix for namespacing
	ServiceName string

	// Time interval for in-memory metrics aggregation
	AggregationInterval time.Duration

	// Retention period for metrics
	RetentionPeriod time.Duration

	ExposeSink ExposeMetricSink

	// MetricsEndpoint is the HTTP path for metrics
	MetricsEndpoint string
}

func NewPrometheusConfig(serviceName string) *Config {
	config := DefaultConfig()
	config.ServiceName = serviceName
	config.ExposeSink = PrometheusSink
	return config
}

func NewInMemoryConfig(serviceName string) *Config {
	config := DefaultConfig()
	config.ServiceName = serviceName
	config.ExposeSink = InMemorySink
	return config
}

// NewConfigFromFlags maps the CLI metrics flags onto a collector config.
// Unknown sink names keep the in-memory default.
func NewConfigFromFlags(serviceName string, flags *common.MetricsConfig) *Config {
	var config *Config
	switch sink := ExposeMetricSink(flags.MetricsSinkType); sink {
	case PrometheusSink:
		config = NewPrometheusConfig(serviceName)
	case AllMetricsSink:
		config = NewPrometheusConfig(serviceName)
		config.ExposeSink = AllMetricsSink
	case InMemorySink:
		config = NewInMemoryConfig(serviceName)
	default:
		logger.Info("Unknown metrics sink, using in-memory", "sink", flags.MetricsSinkType)
		config = NewInMemoryConfig(serviceName)
	}
	if flags.MetricsPath != "" {
		config.MetricsEndpoint = flags.MetricsPath
	}
	return config
}

func DefaultConfig() *Config {
	return &Config{
		ServiceName:         "respgo",
		AggregationInterval: 5 * time.Second,
		RetentionPeriod:     10 * time.Minute,
		MetricsEndpoint:     ExposeMetricURL,
		ExposeSink:          InMemorySink,
	}
}

// NewMetricsCollector creates the process wide metrics collector. Only the
// first call's config takes effect.
func NewMetricsCollector(config *Config) (ClientMetricsCollector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	var initErr error
	collectorOnce.Do(func() {
		instance, initErr = newCollector(config)
		if initErr != nil {
			return
		}
		logger.Info("Metrics collector initialized",
			"serviceName", config.ServiceName,
			"sink", config.ExposeSink,
			"endpoint", config.MetricsEndpoint)
	})
	return instance, initErr
}

func newCollector(config *Config) (*hashicorpMetricsCollector, error) {
	metricsConf := gometrics.DefaultConfig(config.ServiceName)
	metricsConf.EnableHostname = false
	metricsConf.EnableRuntimeMetrics = false

	c := &hashicorpMetricsCollector{
		exposeSink:   config.ExposeSink,
		serviceLabel: gometrics.Label{Name: "service", Value: config.ServiceName},
	}
	var sinks gometrics.FanoutSink
	if config.ExposeSink == InMemorySink || config.ExposeSink == AllMetricsSink {
		c.inm = gometrics.NewInmemSink(config.AggregationInterval, config.RetentionPeriod)
		sinks = append(sinks, c.inm)
	}
	if config.ExposeSink == PrometheusSink || config.ExposeSink == AllMetricsSink {
		promSink, err := prometheus.NewPrometheusSink()
		if err != nil {
			return nil, err
		}
		c.promSink = promSink
		sinks = append(sinks, promSink)
	}
	m, err := gometrics.New(metricsConf, sinks)
	if err != nil {
		return nil, err
	}
	c.metrics = m
	return c, nil
}

// hashicorpMetricsCollector implements ClientMetricsCollector using hashicorp/go-metrics
type hashicorpMetricsCollector struct {
	metrics      *gometrics.Metrics
	inm          *gometrics.InmemSink
	promSink     *prometheus.PrometheusSink
	exposeSink   ExposeMetricSink
	serviceLabel gometrics.Label
}

func (h *hashicorpMetricsCollector) labels(name, value string) []gometrics.Label {
	if name == "" {
		return []gometrics.Label{h.serviceLabel}
	}
	return []gometrics.Label{h.serviceLabel, {Name: name, Value: value}}
}

func (h *hashicorpMetricsCollector) RecordCommandLatency(command string, duration time.Duration) {
	h.metrics.AddSampleWithLabels(commandLatencyKey, float32(duration.Microseconds()), h.labels("command", command))
}

func (h *hashicorpMetricsCollector) RecordOverallLatency(duration time.Duration) {
	h.metrics.AddSampleWithLabels(overallLatencyKey, float32(duration.Microseconds()), h.labels("", ""))
}

func (h *hashicorpMetricsCollector) IncrementCommandCounter(command string) {
	h.metrics.IncrCounterWithLabels(commandCountKey, 1, h.labels("command", command))
}

// IncrementCounter counts an event such as CounterMoved under "<label>.count".
func (h *hashicorpMetricsCollector) IncrementCounter(label string) {
	h.metrics.IncrCounterWithLabels([]string{label, "count"}, 1, h.labels("", ""))
}

func (h *hashicorpMetricsCollector) IncrementErrorCounter(errorType string) {
	h.metrics.IncrCounterWithLabels(errorCountKey, 1, h.labels("type", errorType))
}

// Handler serves prometheus text when a prometheus sink is configured and the
// in-memory summary as JSON otherwise.
func (h *hashicorpMetricsCollector) Handler() http.Handler {
	switch h.exposeSink {
	case PrometheusSink, AllMetricsSink:
		// the prometheus sink registers with the default registry
		return promhttp.Handler()
	case InMemorySink:
		return h.inMemoryHandler()
	default:
		return http.NotFoundHandler()
	}
}

func (h *hashicorpMetricsCollector) inMemoryHandler() http.Handler {
	if h.inm == nil {
		logger.Error(nil, "In-memory sink is nil, cannot serve metrics")
		return http.NotFoundHandler()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := h.inm.DisplayMetrics(w, r)
		if err != nil {
			logger.Error(err, "Failed to display metrics")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if data == nil {
			_, _ = w.Write([]byte("{}"))
			return
		}
		if err := json.NewEncoder(w).Encode(data); err != nil {
			logger.Error(err, "Failed to encode metrics summary")
		}
	})
}

func (h *hashicorpMetricsCollector) Shutdown() {
	h.metrics.Shutdown()
}

var _ ClientMetricsCollector = NopCollector{}

// NopCollector discards everything. Sessions use it when metrics are off.
type NopCollector struct{}

func (NopCollector) RecordCommandLatency(string, time.Duration) {}
func (NopCollector) RecordOverallLatency(time.Duration)         {}
func (NopCollector) IncrementCommandCounter(string)             {}
func (NopCollector) IncrementCounter(string)                    {}
func (NopCollector) IncrementErrorCounter(string)               {}
func (NopCollector) Shutdown()                                  {}
func (NopCollector) Handler() http.Handler                      { return http.NotFoundHandler() }
