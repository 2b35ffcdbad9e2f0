// Package metrics exposes callscript state to Prometheus. Gauges are read
// from their sources at scrape time by Collector; event counts are kept by
// Counters.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ScriptCounter exposes the number of cached scripts.
type ScriptCounter interface {
	Len() int
}

// OutboxCounter returns the number of undelivered completion events.
type OutboxCounter interface {
	CountPending(ctx context.Context) (int64, error)
}

// Collector is a prometheus.Collector that gathers callscript gauges at
// scrape time.
type Collector struct {
	scripts   ScriptCounter
	outbox    OutboxCounter
	startTime time.Time

	scriptsCachedDesc *prometheus.Desc
	outboxPendingDesc *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(scripts ScriptCounter, outbox OutboxCounter, startTime time.Time) *Collector {
	return &Collector{
		scripts:   scripts,
		outbox:    outbox,
		startTime: startTime,

		scriptsCachedDesc: prometheus.NewDesc(
			"callscript_scripts_cached",
			"Number of scripts in the file-backed cache",
			nil, nil,
		),
		outboxPendingDesc: prometheus.NewDesc(
			"callscript_outbox_pending",
			"Completion events not yet delivered, including parked ones",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"callscript_uptime_seconds",
			"Seconds since the callscript process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.scriptsCachedDesc
	ch <- c.outboxPendingDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.scripts != nil {
		ch <- prometheus.MustNewConstMetric(
			c.scriptsCachedDesc, prometheus.GaugeValue,
			float64(c.scripts.Len()),
		)
	}

	if c.outbox != nil {
		count, err := c.outbox.CountPending(ctx)
		if err != nil {
			slog.Error("metrics: failed to count pending completions", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.outboxPendingDesc, prometheus.GaugeValue,
				float64(count),
			)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

// Counters tracks events as they happen.
type Counters struct {
	transitions   *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	reloads       prometheus.Counter
	webhookDenied *prometheus.CounterVec
}

// NewCounters creates the event counters.
func NewCounters() *Counters {
	return &Counters{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callscript_transitions_total",
			Help: "Conversation webhook outcomes",
		}, []string{"outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callscript_completion_deliveries_total",
			Help: "Completion events by stage: queued, delivered, failed or parked",
		}, []string{"result"}),
		reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callscript_script_reloads_total",
			Help: "Script cache reloads",
		}),
		webhookDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callscript_webhook_rejected_total",
			Help: "Webhook requests rejected before reaching the conversation",
		}, []string{"reason"}),
	}
}

// Register adds the counters to reg.
func (m *Counters) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.transitions, m.deliveries, m.reloads, m.webhookDenied} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Transition counts one conversation webhook outcome.
func (m *Counters) Transition(outcome string) {
	m.transitions.WithLabelValues(outcome).Inc()
}

// Delivery counts a completion event reaching a stage.
func (m *Counters) Delivery(result string) {
	m.deliveries.WithLabelValues(result).Inc()
}

// ScriptsReloaded counts a script cache reload.
func (m *Counters) ScriptsReloaded(int) {
	m.reloads.Inc()
}

// WebhookRejected counts a webhook refused for reason.
func (m *Counters) WebhookRejected(reason string) {
	m.webhookDenied.WithLabelValues(reason).Inc()
}
