// Package metrics holds the Prometheus counters shared by the bus and UDS layers.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Label values used with the counters.
const (
	DirRx = "rx"
	DirTx = "tx"

	ResultOK       = "ok"
	ResultNegative = "negative"
	ResultError    = "error"
)

// Holder owns the counters. A nil *Holder is valid and counts nothing, so
// callers never have to check whether metrics are enabled.
type Holder struct {
	FrameCounter      *prometheus.CounterVec
	ErrorFrameCounter *prometheus.CounterVec
	DroppedCounter    *prometheus.CounterVec
	PeriodicGauge     *prometheus.GaugeVec
	UDSCounter        *prometheus.CounterVec

	registry *prometheus.Registry
}

// New registers the counters on registry. A nil registry uses the default one.
func New(registry *prometheus.Registry, namespace string) *Holder {
	if registry == nil {
		var ok bool
		registry, ok = prometheus.DefaultRegisterer.(*prometheus.Registry)
		if !ok {
			return nil
		}
	}

	h := &Holder{registry: registry}

	h.FrameCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "can",
		Name:      "frames_total",
		Help:      "CAN frames sent and received",
	}, []string{"channel", "direction"})

	h.ErrorFrameCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "can",
		Name:      "error_frames_total",
		Help:      "error frames seen on the bus",
	}, []string{"channel"})

	h.DroppedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "can",
		Name:      "dropped_total",
		Help:      "received frames dropped because a queue was full",
	}, []string{"channel", "id"})

	h.PeriodicGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "can",
		Name:      "periodics",
		Help:      "periodic messages currently transmitted",
	}, []string{"channel"})

	h.UDSCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "uds",
		Name:      "requests_total",
		Help:      "diagnostic requests by service and result",
	}, []string{"service", "result"})

	registry.MustRegister(h.FrameCounter, h.ErrorFrameCounter, h.DroppedCounter, h.PeriodicGauge, h.UDSCounter)
	return h
}

// Registry is what the HTTP handler should gather from.
func (h *Holder) Registry() *prometheus.Registry {
	if h == nil {
		return nil
	}
	return h.registry
}

func (h *Holder) Frame(channel int, dir string) {
	if h == nil {
		return
	}
	h.FrameCounter.WithLabelValues(strconv.Itoa(channel), dir).Inc()
}

func (h *Holder) ErrorFrame(channel int) {
	if h == nil {
		return
	}
	h.ErrorFrameCounter.WithLabelValues(strconv.Itoa(channel)).Inc()
}

func (h *Holder) Dropped(channel int, id uint32) {
	if h == nil {
		return
	}
	h.DroppedCounter.WithLabelValues(strconv.Itoa(channel), strconv.FormatUint(uint64(id), 16)).Inc()
}

func (h *Holder) Periodics(channel int, n int) {
	if h == nil {
		return
	}
	h.PeriodicGauge.WithLabelValues(strconv.Itoa(channel)).Set(float64(n))
}

// UDS counts one diagnostic request. service is the SID as two hex digits.
func (h *Holder) UDS(sid byte, result string) {
	if h == nil {
		return
	}
	h.UDSCounter.WithLabelValues(strconv.FormatUint(uint64(sid), 16), result).Inc()
}
