package observability

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// InspectorCollector bundles Prometheus metrics for the inspector surfaces
// and provides helpers to wire them into gRPC servers and HTTP handlers.
type InspectorCollector struct {
	gatherer prometheus.Gatherer

	RPCRequests   *prometheus.CounterVec
	RPCDurations  *prometheus.HistogramVec
	HTTPRequests  *prometheus.CounterVec
	StreamClients prometheus.Gauge
}

// NewInspectorCollector registers inspector Prometheus metrics against the
// provided registerer, defaulting to the global Prometheus registry when nil.
func NewInspectorCollector(reg prometheus.Registerer) (*InspectorCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inspector_requests_total",
		Help: "Total number of handled inspector RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"})
	requests, err := register(reg, requests, "inspector_requests_total")
	if err != nil {
		return nil, err
	}

	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "inspector_request_duration_seconds",
		Help:    "Inspector RPC latency in seconds.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"service", "method"})
	durations, err = register(reg, durations, "inspector_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "inspector_http_requests_total",
		Help: "Total number of inspector HTTP requests, labeled by route and status code.",
	}, []string{"route", "code"})
	httpRequests, err = register(reg, httpRequests, "inspector_http_requests_total")
	if err != nil {
		return nil, err
	}

	streams, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "inspector_stream_clients",
		Help: "Currently connected websocket snapshot subscribers.",
	}), "inspector_stream_clients")
	if err != nil {
		return nil, err
	}

	return &InspectorCollector{
		gatherer:      gatherer,
		RPCRequests:   requests,
		RPCDurations:  durations,
		HTTPRequests:  httpRequests,
		StreamClients: streams,
	}, nil
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *InspectorCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, code).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}

		return resp, err
	}
}

// ObserveHTTP counts one HTTP request served on route.
func (c *InspectorCollector) ObserveHTTP(route string, code int) {
	if c == nil || c.HTTPRequests == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// StreamOpened and StreamClosed track live websocket subscribers.
func (c *InspectorCollector) StreamOpened() {
	if c == nil || c.StreamClients == nil {
		return
	}
	c.StreamClients.Inc()
}

func (c *InspectorCollector) StreamClosed() {
	if c == nil || c.StreamClients == nil {
		return
	}
	c.StreamClients.Dec()
}

// Handler exposes a ready-to-use /metrics handler.
func (c *InspectorCollector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}
