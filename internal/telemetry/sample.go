// Package telemetry holds the sample formats and the two Observer
// implementations: an in-process Aggregator and a Forwarder that ships
// samples to a remote observer service.
package telemetry

import (
	"errors"
	"fmt"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/fxamacker/cbor/v2"
)

var ErrSourceClosed = errors.New("sample source closed")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("telemetry: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("telemetry: cbor decoder: " + err.Error())
	}
}

// SfuSample is what an SFU reports about itself on every sampling tick.
type SfuSample struct {
	SfuID     string             `cbor:"sfuId"`
	Timestamp int64              `cbor:"timestamp"`
	Rooms     []domain.RoomStats `cbor:"rooms"`
}

func (s SfuSample) Totals() (clients, producers, consumers int) {
	for _, r := range s.Rooms {
		clients += r.Clients
		producers += r.Producers
		consumers += r.Consumers
	}
	return clients, producers, consumers
}

func EncodeSfuSample(s SfuSample) ([]byte, error) {
	data, err := encMode.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode sfu sample: %w", err)
	}
	return data, nil
}

func DecodeSfuSample(data []byte) (SfuSample, error) {
	var s SfuSample
	if err := decMode.Unmarshal(data, &s); err != nil {
		return SfuSample{}, fmt.Errorf("decode sfu sample: %w", err)
	}
	return s, nil
}
