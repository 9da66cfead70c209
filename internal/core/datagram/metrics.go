package datagram

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"zcm/internal/core/zcm"
)

type metrics struct {
	packetsSent      prometheus.Counter
	packetsReceived  prometheus.Counter
	messagesSent     prometheus.Counter
	messagesReceived prometheus.Counter
	sendErrors       prometheus.Counter
	dropped          *prometheus.CounterVec
	buffers          prometheus.Gauge
	bufferBytes      prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zcm", Subsystem: "datagram", Name: name, Help: help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "zcm", Subsystem: "datagram", Name: name, Help: help,
		})
	}
	m := &metrics{
		packetsSent:      counter("packets_sent_total", "Packets handed to the medium."),
		packetsReceived:  counter("packets_received_total", "Packets read from the medium."),
		messagesSent:     counter("messages_sent_total", "Messages fully handed to the medium."),
		messagesReceived: counter("messages_received_total", "Messages delivered to the receiver."),
		sendErrors:       counter("send_errors_total", "Messages the medium refused in whole or in part."),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zcm", Subsystem: "datagram", Name: "dropped_total",
			Help: "Packets or partial messages discarded, by reason.",
		}, []string{"reason"}),
		buffers:     gauge("fragment_buffers", "Messages currently being reassembled."),
		bufferBytes: gauge("fragment_bytes", "Bytes held by reassembly buffers."),
	}
	for _, r := range zcm.DropReasons() {
		m.dropped.WithLabelValues(r.String())
	}
	if reg == nil {
		return m, nil
	}

	var err error
	m.packetsSent = register(reg, m.packetsSent, &err)
	m.packetsReceived = register(reg, m.packetsReceived, &err)
	m.messagesSent = register(reg, m.messagesSent, &err)
	m.messagesReceived = register(reg, m.messagesReceived, &err)
	m.sendErrors = register(reg, m.sendErrors, &err)
	m.dropped = register(reg, m.dropped, &err)
	m.buffers = register(reg, m.buffers, &err)
	m.bufferBytes = register(reg, m.bufferBytes, &err)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, reusing an identical collector that is already
// registered so several transports can share one registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T, errp *error) T {
	if *errp != nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		*errp = err
	}
	return c
}

func (m *metrics) drop(r zcm.DropReason) { m.dropped.WithLabelValues(r.String()).Inc() }
