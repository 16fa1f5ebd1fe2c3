package rtc

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type trackState int32

const (
	trackOk trackState = iota
	trackMuted
	trackDelete
)

// outTrack is one consumer's copy of a producer's stream.
type outTrack struct {
	track *webrtc.TrackLocalStaticRTP
	state atomic.Int32
}

func (ot *outTrack) get() trackState  { return trackState(ot.state.Load()) }
func (ot *outTrack) set(s trackState) { ot.state.Store(int32(s)) }

// relay fans a producer's RTP out to its consumers' tracks.
type relay struct {
	mu     sync.RWMutex
	out    map[domain.ConsumerID]*outTrack
	paused bool
}

func newRelay() *relay {
	return &relay{out: make(map[domain.ConsumerID]*outTrack)}
}

// loop reads packets from src until ctx is done or the read fails.
func (r *relay) loop(ctx context.Context, src *webrtc.TrackRemote, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("relay read stopped")
			r.markAllDelete()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *relay) forward(pkt *rtp.Packet, logger zerolog.Logger) {
	r.mu.RLock()
	snapshot := maps.Clone(r.out)
	r.mu.RUnlock()

	var dirty []domain.ConsumerID
	for id, ot := range snapshot {
		switch ot.get() {
		case trackDelete:
			dirty = append(dirty, id)
		case trackMuted:
		case trackOk:
			if err := ot.track.WriteRTP(pkt); err != nil {
				logger.Warn().Err(err).Str("consumer_id", string(id)).Msg("relay write failed, dropping consumer track")
				ot.set(trackDelete)
				dirty = append(dirty, id)
			}
		}
	}
	if len(dirty) > 0 {
		r.mu.Lock()
		for _, id := range dirty {
			delete(r.out, id)
		}
		r.mu.Unlock()
	}
}

// add attaches a consumer track, muted if the producer is paused.
func (r *relay) add(id domain.ConsumerID, track *webrtc.TrackLocalStaticRTP) {
	ot := &outTrack{track: track}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused {
		ot.set(trackMuted)
	}
	r.out[id] = ot
}

func (r *relay) remove(id domain.ConsumerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ot, ok := r.out[id]; ok {
		ot.set(trackDelete)
		delete(r.out, id)
	}
}

func (r *relay) setPaused(paused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = paused
	state := trackOk
	if paused {
		state = trackMuted
	}
	for _, ot := range r.out {
		if ot.get() != trackDelete {
			ot.set(state)
		}
	}
}

func (r *relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.out {
		ot.set(trackDelete)
	}
}

func (r *relay) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.out)
}
