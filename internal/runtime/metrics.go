package runtime

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LoopMetrics exposes the loop's dispatch activity as Prometheus collectors.
type LoopMetrics struct {
	mu sync.Mutex

	processedTotal  *prometheus.CounterVec
	failedTotal     *prometheus.CounterVec
	filteredTotal   prometheus.Counter
	deadLetterTotal *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
	inFlight        prometheus.Gauge
	handlerCount    prometheus.Gauge
	breakerState    *prometheus.GaugeVec
	processingHist  *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

func newLoopCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatchloop",
			Subsystem: "loop",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newLoopGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dispatchloop",
			Subsystem: "loop",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewLoopMetrics creates the loop metrics collectors. Pass nil to use the
// default registerer.
func NewLoopMetrics(registerer prometheus.Registerer) *LoopMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &LoopMetrics{
		registerer:      registerer,
		processedTotal:  newLoopCounterVec("messages_processed_total", "Total number of messages dispatched successfully", []string{"type", "priority"}),
		failedTotal:     newLoopCounterVec("messages_failed_total", "Total number of messages whose dispatch failed", []string{"type", "priority"}),
		deadLetterTotal: newLoopCounterVec("dead_letter_total", "Total number of messages forwarded to the dead-letter sink", []string{"type"}),
		filteredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatchloop",
			Subsystem: "loop",
			Name:      "messages_filtered_total",
			Help:      "Total number of messages dropped by filter predicates",
		}),
		queueDepth: newLoopGaugeVec("queue_depth", "Current depth of each priority queue", []string{"priority"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatchloop",
			Subsystem: "loop",
			Name:      "in_flight_units",
			Help:      "Number of processing units currently in flight",
		}),
		handlerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatchloop",
			Subsystem: "loop",
			Name:      "handlers",
			Help:      "Number of registered message handlers",
		}),
		breakerState: newLoopGaugeVec("breaker_state", "Circuit breaker position per error kind (0 closed, 1 half-open, 2 open)", []string{"kind"}),
		processingHist: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "dispatchloop",
				Subsystem: "loop",
				Name:      "processing_seconds",
				Help:      "Wall-clock time spent dispatching a message",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
			},
			[]string{"type"},
		),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *LoopMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.processedTotal,
		m.failedTotal,
		m.filteredTotal,
		m.deadLetterTotal,
		m.queueDepth,
		m.inFlight,
		m.handlerCount,
		m.breakerState,
		m.processingHist,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *LoopMetrics) RecordProcessed(msgType string, priority Priority, duration time.Duration) {
	if m == nil {
		return
	}
	m.processedTotal.WithLabelValues(msgType, priority.String()).Inc()
	m.processingHist.WithLabelValues(msgType).Observe(duration.Seconds())
}

func (m *LoopMetrics) RecordFailed(msgType string, priority Priority, duration time.Duration) {
	if m == nil {
		return
	}
	m.failedTotal.WithLabelValues(msgType, priority.String()).Inc()
	m.processingHist.WithLabelValues(msgType).Observe(duration.Seconds())
}

func (m *LoopMetrics) RecordFiltered() {
	if m == nil {
		return
	}
	m.filteredTotal.Inc()
}

func (m *LoopMetrics) RecordDeadLetter(msgType string) {
	if m == nil {
		return
	}
	m.deadLetterTotal.WithLabelValues(msgType).Inc()
}

func (m *LoopMetrics) SetQueueDepth(priority Priority, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(priority.String()).Set(float64(depth))
}

func (m *LoopMetrics) AddInFlight(delta float64) {
	if m == nil {
		return
	}
	m.inFlight.Add(delta)
}

func (m *LoopMetrics) SetHandlerCount(count int) {
	if m == nil {
		return
	}
	m.handlerCount.Set(float64(count))
}

func (m *LoopMetrics) SetBreakerState(kind string, state BreakerState) {
	if m == nil {
		return
	}
	var value float64
	switch state {
	case BreakerHalfOpen:
		value = 1
	case BreakerOpen:
		value = 2
	}
	m.breakerState.WithLabelValues(kind).Set(value)
}
