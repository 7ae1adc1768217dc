package tiernet

// metrics.go counts what happens during a run on a private prometheus registry:
// packets and payload bytes by role and event, network drops by reason, and
// interface transitions.  The registry is dumped in the text exposition format.

import (
	"io"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const (
	packetsMetric     = "tiernet_packets_total"
	bytesMetric       = "tiernet_payload_bytes_total"
	dropsMetric       = "tiernet_drops_total"
	transitionsMetric = "tiernet_link_transitions_total"
)

// MetricsSink is an EventSink, a DropObserver and a TransitionObserver
type MetricsSink struct {
	registry    *prometheus.Registry
	packets     *prometheus.CounterVec
	bytes       *prometheus.CounterVec
	drops       *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

// CreateMetricsSink is a constructor; every series carries the run id as a constant label
func CreateMetricsSink(runID string) *MetricsSink {
	labels := prometheus.Labels{"run": runID}
	ms := new(MetricsSink)
	ms.registry = prometheus.NewRegistry()
	ms.packets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        packetsMetric,
		Help:        "Packets sent and received by endpoints.",
		ConstLabels: labels,
	}, []string{"role", "event"})
	ms.bytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        bytesMetric,
		Help:        "Payload bytes sent and received by endpoints.",
		ConstLabels: labels,
	}, []string{"role", "event"})
	ms.drops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        dropsMetric,
		Help:        "Packets discarded by the network.",
		ConstLabels: labels,
	}, []string{"reason"})
	ms.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        transitionsMetric,
		Help:        "Interface state changes made by the fault injector.",
		ConstLabels: labels,
	}, []string{"state"})
	ms.registry.MustRegister(ms.packets, ms.bytes, ms.drops, ms.transitions)
	return ms
}

// Registry exposes the private registry
func (ms *MetricsSink) Registry() *prometheus.Registry {
	return ms.registry
}

func (ms *MetricsSink) OnSent(ev SentEvent) {
	ms.packets.WithLabelValues(ev.Role.String(), SentEvt).Inc()
	ms.bytes.WithLabelValues(ev.Role.String(), SentEvt).Add(float64(ev.Packet.Payload))
}

func (ms *MetricsSink) OnReceived(ev ReceivedEvent) {
	ms.packets.WithLabelValues(ev.Role.String(), RecvEvt).Inc()
	ms.bytes.WithLabelValues(ev.Role.String(), RecvEvt).Add(float64(ev.Packet.Payload))
}

func (ms *MetricsSink) OnDrop(node int, reason DropReason) {
	ms.drops.WithLabelValues(string(reason)).Inc()
}

func (ms *MetricsSink) OnTransition(node, intrfc int, up bool) {
	state := "down"
	if up {
		state = "up"
	}
	ms.transitions.WithLabelValues(state).Inc()
}

// Total sums a counter over all of its label values
func (ms *MetricsSink) Total(name string) (float64, error) {
	families, err := ms.registry.Gather()
	if err != nil {
		return 0, err
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return sumCounters(mf), nil
		}
	}
	return 0, nil
}

func sumCounters(mf *dto.MetricFamily) float64 {
	sum := 0.0
	for _, m := range mf.GetMetric() {
		sum += m.GetCounter().GetValue()
	}
	return sum
}

// Summary gives the non-zero counter totals, keyed by metric name
func (ms *MetricsSink) Summary() (map[string]string, error) {
	families, err := ms.registry.Gather()
	if err != nil {
		return nil, err
	}
	totals := make(map[string]string)
	for _, mf := range families {
		totals[mf.GetName()] = strconv.FormatFloat(sumCounters(mf), 'f', -1, 64)
	}
	return totals, nil
}

// WriteText dumps the registry in the text exposition format
func (ms *MetricsSink) WriteText(w io.Writer) error {
	families, err := ms.registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
