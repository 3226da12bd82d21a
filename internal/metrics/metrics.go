// ABOUTME: Prometheus metrics fed from the event bus
// ABOUTME: Counts events by type and tracks unresolved issues per escalation level

package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/coven-gatekeeper/internal/events"
)

// Recorder owns a private registry so tests and multiple servers never collide.
type Recorder struct {
	registry *prometheus.Registry

	eventsTotal     *prometheus.CounterVec
	escalationLevel *prometheus.GaugeVec

	mu     sync.Mutex
	levels map[string]string // issue id -> current level
}

// NewRecorder creates a recorder with Go runtime and process collectors registered.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_events_total",
				Help: "Total number of coordination events by type",
			},
			[]string{"type"},
		),
		escalationLevel: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gatekeeper_escalation_level",
				Help: "Number of unresolved issues at each escalation level",
			},
			[]string{"level"},
		),
		levels: make(map[string]string),
	}
	reg.MustRegister(
		r.eventsTotal,
		r.escalationLevel,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Register feeds the recorder from every event on bus.
func (r *Recorder) Register(bus *events.Bus) {
	bus.HandleAll(r.Observe)
}

// Observe records one event.
func (r *Recorder) Observe(evt events.Event) {
	r.eventsTotal.WithLabelValues(string(evt.Type)).Inc()

	switch evt.Type {
	case events.ResponseExecuted:
		level, _ := evt.Data["level"].(string)
		if evt.IssueID != "" && level != "" {
			r.SetIssueLevel(evt.IssueID, level)
		}
	case events.IssueResolved:
		r.ClearIssue(evt.IssueID)
	}
}

// SetIssueLevel moves an issue to level. Used directly for issues restored at startup.
func (r *Recorder) SetIssueLevel(issueID, level string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.levels[issueID]; ok {
		if prev == level {
			return
		}
		r.escalationLevel.WithLabelValues(prev).Dec()
	}
	r.levels[issueID] = level
	r.escalationLevel.WithLabelValues(level).Inc()
}

// ClearIssue drops a resolved issue from the level gauge.
func (r *Recorder) ClearIssue(issueID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.levels[issueID]
	if !ok {
		return
	}
	delete(r.levels, issueID)
	r.escalationLevel.WithLabelValues(prev).Dec()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
