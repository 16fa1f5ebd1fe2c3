package telemetry

import (
	"testing"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestAggregatorCountsClientSamples(t *testing.T) {
	a := NewAggregator(prometheus.NewRegistry(), zerolog.Nop())

	src, err := a.CreateClientSource(core.ClientSourceInfo{ClientID: "c1", RoomID: "r1"})
	require.NoError(t, err)
	require.Equal(t, 1.0, testutil.ToFloat64(a.sources.WithLabelValues(kindClient)))

	require.NoError(t, src.Accept([]byte("abcd")))
	require.NoError(t, src.Accept([]byte("ef")))
	require.Equal(t, 2.0, testutil.ToFloat64(a.samples.WithLabelValues(kindClient)))
	require.Equal(t, 6.0, testutil.ToFloat64(a.bytes.WithLabelValues(kindClient)))

	src.Close()
	src.Close()
	require.Equal(t, 0.0, testutil.ToFloat64(a.sources.WithLabelValues(kindClient)))
	require.ErrorIs(t, src.Accept([]byte("x")), ErrSourceClosed)
}

func TestAggregatorTracksLatestSfuSample(t *testing.T) {
	a := NewAggregator(prometheus.NewRegistry(), zerolog.Nop())
	src, err := a.CreateSfuSource(core.SfuSourceInfo{SfuID: "sfu-1"})
	require.NoError(t, err)

	data, err := EncodeSfuSample(SfuSample{
		SfuID: "sfu-1",
		Rooms: []domain.RoomStats{
			{RoomID: "r1", Clients: 2, Producers: 2, Consumers: 2},
			{RoomID: "r2", Clients: 3, Producers: 1, Consumers: 2},
		},
	})
	require.NoError(t, err)
	require.NoError(t, src.Accept(data))

	require.Equal(t, 2.0, testutil.ToFloat64(a.sfuRooms.WithLabelValues("sfu-1")))
	require.Equal(t, 5.0, testutil.ToFloat64(a.sfuClients.WithLabelValues("sfu-1")))
	require.Equal(t, 3.0, testutil.ToFloat64(a.sfuProducers.WithLabelValues("sfu-1")))
	require.Equal(t, 4.0, testutil.ToFloat64(a.sfuConsumers.WithLabelValues("sfu-1")))

	require.NoError(t, src.Accept([]byte{0xff, 0x00}))
	require.Equal(t, 1.0, testutil.ToFloat64(a.decodeErrors))

	src.Close()
	require.Equal(t, 0, testutil.CollectAndCount(a.sfuClients))
}

func TestSfuSampleTotals(t *testing.T) {
	s := SfuSample{Rooms: []domain.RoomStats{
		{Clients: 1, Producers: 2, Consumers: 0},
		{Clients: 4, Producers: 1, Consumers: 3},
	}}
	c, p, k := s.Totals()
	require.Equal(t, 5, c)
	require.Equal(t, 3, p)
	require.Equal(t, 3, k)
}
