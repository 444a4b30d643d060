package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// LinkStates lists the label values SetLinkState accepts.
var LinkStates = []string{"not-mounted", "mounted", "suspended"}

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once            sync.Once
	taskPasses      *prom.CounterVec
	wakeLateness    *prom.HistogramVec
	missedDeadlines *prom.CounterVec
	droppedEvents   *prom.CounterVec
	controlRequests *prom.CounterVec
	linkState       *prom.GaugeVec
	blinkPeriod     prom.Gauge
}

// NewPrometheusRecorder constructs and registers Prometheus metrics on reg.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.taskPasses = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "softtmc",
			Name:      "task_passes_total",
			Help:      "Loop passes completed per task",
		}, []string{"task"})
		pr.wakeLateness = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "softtmc",
			Name:      "wake_lateness_seconds",
			Help:      "Delay between a periodic task's deadline and its wake",
			Buckets:   []float64{0, .001, .002, .005, .01, .025, .05, .1, .25},
		}, []string{"task"})
		pr.missedDeadlines = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "softtmc",
			Name:      "missed_deadlines_total",
			Help:      "Periodic wakes more than one period late",
		}, []string{"task"})
		pr.droppedEvents = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "softtmc",
			Name:      "dropped_events_total",
			Help:      "Interrupt events rejected by a full queue",
		}, []string{"queue"})
		pr.controlRequests = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "softtmc",
			Name:      "control_requests_total",
			Help:      "Control requests handled by kind and outcome",
		}, []string{"kind", "result"})
		pr.linkState = prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "softtmc",
			Name:      "link_state",
			Help:      "1 for the current USB link state, 0 otherwise",
		}, []string{"state"})
		pr.blinkPeriod = prom.NewGauge(prom.GaugeOpts{
			Namespace: "softtmc",
			Name:      "blink_period_seconds",
			Help:      "Current status indicator period",
		})
		reg.MustRegister(pr.taskPasses, pr.wakeLateness, pr.missedDeadlines,
			pr.droppedEvents, pr.controlRequests, pr.linkState, pr.blinkPeriod)
	})
	return pr
}

func (p *PrometheusRecorder) IncTaskPass(task string) {
	if p == nil || p.taskPasses == nil {
		return
	}
	p.taskPasses.WithLabelValues(task).Inc()
}

func (p *PrometheusRecorder) ObserveWakeLateness(task string, late time.Duration) {
	if p == nil || p.wakeLateness == nil {
		return
	}
	p.wakeLateness.WithLabelValues(task).Observe(late.Seconds())
}

func (p *PrometheusRecorder) IncMissedDeadline(task string) {
	if p == nil || p.missedDeadlines == nil {
		return
	}
	p.missedDeadlines.WithLabelValues(task).Inc()
}

func (p *PrometheusRecorder) IncDroppedEvent(queue string) {
	if p == nil || p.droppedEvents == nil {
		return
	}
	p.droppedEvents.WithLabelValues(queue).Inc()
}

func (p *PrometheusRecorder) IncControlRequest(kind string, stalled bool) {
	if p == nil || p.controlRequests == nil {
		return
	}
	res := "ok"
	if stalled {
		res = "stall"
	}
	p.controlRequests.WithLabelValues(kind, res).Inc()
}

func (p *PrometheusRecorder) SetLinkState(state string) {
	if p == nil || p.linkState == nil {
		return
	}
	for _, s := range LinkStates {
		v := 0.0
		if s == state {
			v = 1
		}
		p.linkState.WithLabelValues(s).Set(v)
	}
}

func (p *PrometheusRecorder) SetBlinkPeriod(d time.Duration) {
	if p == nil || p.blinkPeriod == nil {
		return
	}
	p.blinkPeriod.Set(d.Seconds())
}
