package telemetry

import (
	"github.com/dkeye/huddle/internal/app"
	"github.com/prometheus/client_golang/prometheus"
)

// RoomCollector exports live room totals of a RoomManager at scrape time.
type RoomCollector struct {
	rooms *app.RoomManager

	roomsDesc     *prometheus.Desc
	clientsDesc   *prometheus.Desc
	producersDesc *prometheus.Desc
	consumersDesc *prometheus.Desc
}

func NewRoomCollector(rooms *app.RoomManager) *RoomCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("huddle", "server", name), help, nil, nil)
	}
	return &RoomCollector{
		rooms:         rooms,
		roomsDesc:     desc("rooms", "Live rooms."),
		clientsDesc:   desc("clients", "Connected client sessions."),
		producersDesc: desc("producers", "Live producers across rooms."),
		consumersDesc: desc("consumers", "Live consumers across rooms."),
	}
}

func (c *RoomCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.roomsDesc
	ch <- c.clientsDesc
	ch <- c.producersDesc
	ch <- c.consumersDesc
}

func (c *RoomCollector) Collect(ch chan<- prometheus.Metric) {
	var clients, producers, consumers int
	stats := c.rooms.List()
	for _, st := range stats {
		clients += st.Clients
		producers += st.Producers
		consumers += st.Consumers
	}
	ch <- prometheus.MustNewConstMetric(c.roomsDesc, prometheus.GaugeValue, float64(len(stats)))
	ch <- prometheus.MustNewConstMetric(c.clientsDesc, prometheus.GaugeValue, float64(clients))
	ch <- prometheus.MustNewConstMetric(c.producersDesc, prometheus.GaugeValue, float64(producers))
	ch <- prometheus.MustNewConstMetric(c.consumersDesc, prometheus.GaugeValue, float64(consumers))
}

// RegisterTracker exports a presence tracker's size and eviction count.
func RegisterTracker(reg prometheus.Registerer, t *app.Tracker) {
	labels := prometheus.Labels{"kind": string(t.Kind())}
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "huddle",
			Subsystem:   "presence",
			Name:        "entries",
			Help:        "Tracked entities, connected or within the grace period.",
			ConstLabels: labels,
		}, func() float64 { return float64(t.Len()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   "huddle",
			Subsystem:   "presence",
			Name:        "evictions_total",
			Help:        "Entities evicted after the grace period.",
			ConstLabels: labels,
		}, func() float64 { return float64(t.Evictions()) }),
	)
}
