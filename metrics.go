package zivshmem

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "ivshmem"

type portMetrics struct {
	txFrames       prometheus.Counter
	txBytes        prometheus.Counter
	txFull         prometheus.Counter
	rxFrames       prometheus.Counter
	rxBytes        prometheus.Counter
	rxDrops        prometheus.Counter
	protocolErrors prometheus.Counter
	linkState      prometheus.Gauge
}

// newPortMetrics creates the port collectors and registers them on reg when
// it is not nil. Ports sharing a registerer are told apart by labels.
func newPortMetrics(name string, id uint32, reg prometheus.Registerer) (*portMetrics, error) {
	labels := prometheus.Labels{"port": name, "id": strconv.FormatUint(uint64(id), 10)}
	counter := func(metric string, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        metric,
			Help:        help,
			ConstLabels: labels,
		})
	}

	m := &portMetrics{
		txFrames:       counter("tx_frames_total", "Frames committed to the tx ring."),
		txBytes:        counter("tx_bytes_total", "Payload bytes committed to the tx ring."),
		txFull:         counter("tx_full_total", "Writes refused because the tx ring or data area was full."),
		rxFrames:       counter("rx_frames_total", "Frames received from the peer."),
		rxBytes:        counter("rx_bytes_total", "Payload bytes received from the peer."),
		rxDrops:        counter("rx_drops_total", "Received frames dropped before delivery."),
		protocolErrors: counter("protocol_errors_total", "Ring entries published by the peer that failed validation."),
		linkState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "link_state",
			Help:        "Published link state: 0 reset, 1 init, 2 ready, 3 run.",
			ConstLabels: labels,
		}),
	}
	if reg == nil {
		return m, nil
	}

	var registered []prometheus.Collector
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			// an equal collector may belong to another port, keep it
			for _, r := range registered {
				reg.Unregister(r)
			}
			return nil, err
		}
		registered = append(registered, c)
	}
	return m, nil
}

func (m *portMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.txFrames, m.txBytes, m.txFull,
		m.rxFrames, m.rxBytes, m.rxDrops,
		m.protocolErrors, m.linkState,
	}
}

func (m *portMetrics) unregister(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	for _, c := range m.collectors() {
		reg.Unregister(c)
	}
}
