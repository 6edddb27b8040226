// Package metrics exposes router activity as Prometheus metrics. Counters are
// driven by event bus subscriptions; gauges are read from the router on scrape.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/praxis/a2a-router/internal/bus"
	"github.com/praxis/a2a-router/internal/router"
)

// StatsSource is satisfied by *router.Router.
type StatsSource interface {
	GetStatistics() router.Statistics
}

// MetricsCollector collects and manages Prometheus metrics for the router
type MetricsCollector struct {
	logger   *logrus.Logger
	registry *prometheus.Registry

	messagesTotal    *prometheus.CounterVec
	deliveriesTotal  *prometheus.CounterVec
	failuresTotal    *prometheus.CounterVec
	rejectionsTotal  *prometheus.CounterVec
	ruleHitsTotal    *prometheus.CounterVec
	agentEventsTotal *prometheus.CounterVec
	deliveryLatency  *prometheus.HistogramVec
	routerInfo       *prometheus.GaugeVec

	mu       sync.Mutex
	attached bool
}

// NewMetricsCollector creates a new metrics collector. stats may be nil, in
// which case the queue and session gauges are not registered.
func NewMetricsCollector(logger *logrus.Logger, routerID, version string, stats StatsSource) *MetricsCollector {
	if logger == nil {
		logger = logrus.New()
	}
	registry := prometheus.NewRegistry()

	c := &MetricsCollector{
		logger:   logger,
		registry: registry,

		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "a2a_router_messages_total",
			Help: "Messages seen by the router, by pipeline event and message type",
		}, []string{"event", "type"}),

		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "a2a_router_deliveries_total",
			Help: "Successful per-recipient deliveries, by transport",
		}, []string{"transport"}),

		failuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "a2a_router_delivery_failures_total",
			Help: "Failed per-recipient deliveries, by error code",
		}, []string{"code"}),

		rejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "a2a_router_rejections_total",
			Help: "Messages rejected before dispatch, by stage and error code",
		}, []string{"stage", "code"}),

		ruleHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "a2a_router_rule_hits_total",
			Help: "Routing rule applications, by rule and action",
		}, []string{"rule", "action"}),

		agentEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "a2a_router_agent_events_total",
			Help: "Discovery registry changes, by event",
		}, []string{"event"}),

		deliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "a2a_router_delivery_latency_seconds",
			Help:    "Latency of successful deliveries",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"transport"}),

		routerInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "a2a_router_info",
			Help: "Router information",
		}, []string{"router_id", "version"}),
	}

	registry.MustRegister(
		c.messagesTotal,
		c.deliveriesTotal,
		c.failuresTotal,
		c.rejectionsTotal,
		c.ruleHitsTotal,
		c.agentEventsTotal,
		c.deliveryLatency,
		c.routerInfo,
	)
	c.routerInfo.WithLabelValues(routerID, version).Set(1)

	if stats != nil {
		registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "a2a_router_queue_size",
				Help: "Messages currently in flight",
			}, func() float64 { return float64(stats.GetStatistics().QueueSize) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "a2a_router_active_sessions",
				Help: "Sessions in the active state",
			}, func() float64 { return float64(stats.GetStatistics().ActiveSessions) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "a2a_router_local_agents",
				Help: "Agents with an in-process handler",
			}, func() float64 { return float64(stats.GetStatistics().LocalAgents) }),
		)
	}

	logger.Info("Metrics collector initialized")
	return c
}

// Attach subscribes the collector to eb. Calling it again is a no-op.
func (c *MetricsCollector) Attach(eb *bus.EventBus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if eb == nil || c.attached {
		return
	}
	c.attached = true

	for _, t := range []bus.EventType{
		bus.EventMessageReceived,
		bus.EventMessageValidated,
		bus.EventMessageRouted,
		bus.EventMessageAcknowledged,
	} {
		eb.Subscribe(t, c.onMessage)
	}
	eb.Subscribe(bus.EventMessageDelivered, c.onDelivered)
	eb.Subscribe(bus.EventMessageFailed, c.onFailed)
	eb.Subscribe(bus.EventRoutingError, c.onRoutingError)
	eb.Subscribe(bus.EventRuleApplied, c.onRuleApplied)
	for _, t := range []bus.EventType{
		bus.EventAgentRegistered,
		bus.EventAgentUnregistered,
		bus.EventAgentStatusChanged,
	} {
		eb.Subscribe(t, c.onAgentEvent)
	}
}

func (c *MetricsCollector) onMessage(e bus.Event) {
	c.messagesTotal.WithLabelValues(string(e.Type), label(e.Payload, "type")).Inc()
}

func (c *MetricsCollector) onDelivered(e bus.Event) {
	transport := label(e.Payload, "transport")
	c.deliveriesTotal.WithLabelValues(transport).Inc()
	if ms, ok := number(e.Payload["latencyMs"]); ok {
		c.deliveryLatency.WithLabelValues(transport).Observe(ms / 1000)
	}
}

func (c *MetricsCollector) onFailed(e bus.Event) {
	c.failuresTotal.WithLabelValues(label(e.Payload, "code")).Inc()
}

func (c *MetricsCollector) onRoutingError(e bus.Event) {
	c.rejectionsTotal.WithLabelValues(label(e.Payload, "stage"), label(e.Payload, "code")).Inc()
}

func (c *MetricsCollector) onRuleApplied(e bus.Event) {
	c.ruleHitsTotal.WithLabelValues(label(e.Payload, "ruleId"), label(e.Payload, "action")).Inc()
}

func (c *MetricsCollector) onAgentEvent(e bus.Event) {
	c.agentEventsTotal.WithLabelValues(string(e.Type)).Inc()
}

// GetRegistry returns the Prometheus registry
func (c *MetricsCollector) GetRegistry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func label(payload map[string]interface{}, key string) string {
	if v, ok := payload[key].(string); ok && v != "" {
		return v
	}
	return "unknown"
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
