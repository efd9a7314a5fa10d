// Package metrics exports server activity to Prometheus. A Collector is a
// server.EventSink:
//
//	reg := prometheus.NewRegistry()
//	c, _ := metrics.NewCollector(reg)
//	srv, _ := server.NewServer(":21", server.WithEventSink(c), ...)
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
package metrics

import (
	"strconv"
	"time"

	"github.com/gonzalop/ftpd/server"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// Namespace prefixes every metric name.
const Namespace = "ftpd"

// Collector records server events as Prometheus metrics.
type Collector struct {
	connections     *prometheus.CounterVec
	sessionsOpen    prometheus.Gauge
	sessionDuration prometheus.Histogram
	logins          *prometheus.CounterVec
	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	transfers       *prometheus.CounterVec
	transferBytes   *prometheus.CounterVec
	transferSeconds *prometheus.HistogramVec
}

var _ server.EventSink = (*Collector)(nil)

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		connections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "control",
				Name:      "connections_total",
				Help:      "Control connections by outcome.",
			}, []string{"result", "reason"}),
		sessionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "session",
				Name:      "open",
				Help:      "Sessions currently open.",
			}),
		sessionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "session",
				Name:      "duration_seconds",
				Help:      "Lifetime of closed sessions.",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			}),
		logins: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "session",
				Name:      "logins_total",
				Help:      "Login attempts by result.",
			}, []string{"result"}),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "control",
				Name:      "commands_total",
				Help:      "Commands processed by verb and reply class.",
			}, []string{"command", "class"}),
		commandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "control",
				Name:      "command_duration_seconds",
				Help:      "Time to process a command.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
			}, []string{"command"}),
		transfers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "data",
				Name:      "transfers_total",
				Help:      "Finished transfers by operation and result.",
			}, []string{"operation", "result"}),
		transferBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "data",
				Name:      "transfer_bytes_total",
				Help:      "Payload bytes moved by operation.",
			}, []string{"operation"}),
		transferSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "data",
				Name:      "transfer_duration_seconds",
				Help:      "Duration of finished transfers.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 9),
			}, []string{"operation"}),
	}

	var err error
	for _, m := range []prometheus.Collector{
		c.connections, c.sessionsOpen, c.sessionDuration, c.logins,
		c.commands, c.commandDuration, c.transfers, c.transferBytes, c.transferSeconds,
	} {
		err = multierr.Append(err, reg.Register(m))
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// RecordConnection implements server.EventSink.
func (c *Collector) RecordConnection(accepted bool, reason string) {
	c.connections.WithLabelValues(result(accepted), reason).Inc()
}

// SessionOpened implements server.EventSink.
func (c *Collector) SessionOpened(server.SessionInfo) {
	c.sessionsOpen.Inc()
}

// SessionClosed implements server.EventSink.
func (c *Collector) SessionClosed(info server.SessionInfo) {
	c.sessionsOpen.Dec()
	if !info.ConnectTime.IsZero() {
		c.sessionDuration.Observe(time.Since(info.ConnectTime).Seconds())
	}
}

// RecordAuthentication implements server.EventSink. The user name is not
// used as a label.
func (c *Collector) RecordAuthentication(success bool, _ string) {
	c.logins.WithLabelValues(result(success)).Inc()
}

// RecordCommand implements server.EventSink.
func (c *Collector) RecordCommand(verb string, code int, d time.Duration) {
	verb = commandLabel(verb)
	c.commands.WithLabelValues(verb, replyClass(code)).Inc()
	c.commandDuration.WithLabelValues(verb).Observe(d.Seconds())
}

// RecordTransfer implements server.EventSink.
func (c *Collector) RecordTransfer(op string, bytes int64, d time.Duration, err error) {
	op = commandLabel(op)
	c.transfers.WithLabelValues(op, result(err == nil)).Inc()
	c.transferBytes.WithLabelValues(op).Add(float64(bytes))
	c.transferSeconds.WithLabelValues(op).Observe(d.Seconds())
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// replyClass maps a reply code to "2xx" style classes; 0 (asynchronous
// reply) is "async".
func replyClass(code int) string {
	if code <= 0 {
		return "async"
	}
	return strconv.Itoa(code/100) + "xx"
}

// commandLabel bounds the label cardinality: clients choose the verb.
func commandLabel(verb string) string {
	if len(verb) < 3 || len(verb) > 4 {
		return "OTHER"
	}
	for _, r := range verb {
		if r < 'A' || r > 'Z' {
			return "OTHER"
		}
	}
	return verb
}
