package telemetry

import (
	"sync/atomic"

	"github.com/dkeye/huddle/internal/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	kindClient = "client"
	kindSfu    = "sfu"
)

// Aggregator is an in-process Observer. It counts what it receives and keeps
// the latest SFU totals as gauges; it does no statistics on client samples.
type Aggregator struct {
	logger zerolog.Logger

	samples      *prometheus.CounterVec
	bytes        *prometheus.CounterVec
	sources      *prometheus.GaugeVec
	decodeErrors prometheus.Counter
	sfuRooms     *prometheus.GaugeVec
	sfuClients   *prometheus.GaugeVec
	sfuProducers *prometheus.GaugeVec
	sfuConsumers *prometheus.GaugeVec
}

func NewAggregator(reg prometheus.Registerer, logger zerolog.Logger) *Aggregator {
	a := &Aggregator{
		logger: logger.With().Str("module", "telemetry.aggregator").Logger(),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huddle",
			Subsystem: "observer",
			Name:      "samples_total",
			Help:      "Samples accepted, by source kind.",
		}, []string{"kind"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huddle",
			Subsystem: "observer",
			Name:      "sample_bytes_total",
			Help:      "Decoded sample bytes accepted, by source kind.",
		}, []string{"kind"}),
		sources: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "huddle",
			Subsystem: "observer",
			Name:      "sources",
			Help:      "Open sample sources, by kind.",
		}, []string{"kind"}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "huddle",
			Subsystem: "observer",
			Name:      "sfu_sample_decode_errors_total",
			Help:      "SFU samples that failed to decode.",
		}),
		sfuRooms:     sfuGauge("rooms"),
		sfuClients:   sfuGauge("clients"),
		sfuProducers: sfuGauge("producers"),
		sfuConsumers: sfuGauge("consumers"),
	}
	if reg != nil {
		reg.MustRegister(a.samples, a.bytes, a.sources, a.decodeErrors,
			a.sfuRooms, a.sfuClients, a.sfuProducers, a.sfuConsumers)
	}
	return a
}

func sfuGauge(name string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "huddle",
		Subsystem: "sfu",
		Name:      name,
		Help:      "Latest reported " + name + " per SFU.",
	}, []string{"sfu_id"})
}

func (a *Aggregator) CreateClientSource(info core.ClientSourceInfo) (core.SampleSource, error) {
	a.sources.WithLabelValues(kindClient).Inc()
	a.logger.Debug().
		Str("client_id", string(info.ClientID)).
		Str("room_id", string(info.RoomID)).
		Str("call_id", string(info.CallID)).
		Msg("client source opened")
	return &source{agg: a, kind: kindClient}, nil
}

func (a *Aggregator) CreateSfuSource(info core.SfuSourceInfo) (core.SampleSource, error) {
	a.sources.WithLabelValues(kindSfu).Inc()
	a.logger.Debug().Str("sfu_id", info.SfuID).Msg("sfu source opened")
	return &source{agg: a, kind: kindSfu, sfuID: info.SfuID}, nil
}

func (a *Aggregator) acceptSfu(sfuID string, data []byte) {
	sample, err := DecodeSfuSample(data)
	if err != nil {
		a.decodeErrors.Inc()
		a.logger.Warn().Err(err).Str("sfu_id", sfuID).Msg("bad sfu sample")
		return
	}
	clients, producers, consumers := sample.Totals()
	a.sfuRooms.WithLabelValues(sfuID).Set(float64(len(sample.Rooms)))
	a.sfuClients.WithLabelValues(sfuID).Set(float64(clients))
	a.sfuProducers.WithLabelValues(sfuID).Set(float64(producers))
	a.sfuConsumers.WithLabelValues(sfuID).Set(float64(consumers))
}

func (a *Aggregator) forgetSfu(sfuID string) {
	for _, g := range []*prometheus.GaugeVec{a.sfuRooms, a.sfuClients, a.sfuProducers, a.sfuConsumers} {
		g.DeleteLabelValues(sfuID)
	}
}

type source struct {
	agg   *Aggregator
	kind  string
	sfuID string

	closed atomic.Bool
}

func (s *source) Accept(sample []byte) error {
	if s.closed.Load() {
		return ErrSourceClosed
	}
	s.agg.samples.WithLabelValues(s.kind).Inc()
	s.agg.bytes.WithLabelValues(s.kind).Add(float64(len(sample)))
	if s.kind == kindSfu {
		s.agg.acceptSfu(s.sfuID, sample)
	}
	return nil
}

func (s *source) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.agg.sources.WithLabelValues(s.kind).Dec()
	if s.kind == kindSfu {
		s.agg.forgetSfu(s.sfuID)
	}
}
