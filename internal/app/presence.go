package app

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
	"github.com/rs/zerolog"
)

type Kind string

const (
	KindClient Kind = "client"
	KindSfu    Kind = "sfu"
)

var ErrMissingIdentity = errors.New("missing identity field")

// Identity is what an ingesting connection claims to be.
type Identity struct {
	ID          string
	ServiceID   string
	MediaUnitID string
	RoomID      string
	CallID      string
	UserID      string
}

// PresenceConn is the part of an ingest connection the tracker needs.
type PresenceConn interface {
	Close(code int, reason string)
}

// SourceFactory opens the telemetry source for a newly seen entity.
type SourceFactory func(id Identity) (core.SampleSource, error)

// ObserverFactory opens sources of the given kind on o.
func ObserverFactory(o core.Observer, kind Kind) SourceFactory {
	return func(id Identity) (core.SampleSource, error) {
		if kind == KindSfu {
			return o.CreateSfuSource(core.SfuSourceInfo{
				ServiceID:   id.ServiceID,
				MediaUnitID: id.MediaUnitID,
				SfuID:       id.ID,
			})
		}
		return o.CreateClientSource(core.ClientSourceInfo{
			ServiceID:   id.ServiceID,
			MediaUnitID: id.MediaUnitID,
			RoomID:      domain.RoomID(id.RoomID),
			CallID:      domain.CallID(id.CallID),
			ClientID:    domain.ClientID(id.ID),
			UserID:      domain.UserID(id.UserID),
		})
	}
}

type TrackerConfig struct {
	Kind               Kind
	Grace              time.Duration
	DefaultServiceID   string
	DefaultMediaUnitID string
}

type presenceEntry struct {
	identity       Identity
	source         core.SampleSource
	binding        *Binding
	disconnectedAt time.Time
}

// Tracker keeps one telemetry source per entity across reconnects and evicts
// entities that stay disconnected longer than the grace period.
type Tracker struct {
	cfg     TrackerConfig
	clock   clock.Clock
	factory SourceFactory
	logger  zerolog.Logger

	mu        sync.Mutex
	entries   map[string]*presenceEntry
	evictions int
}

func NewTracker(cfg TrackerConfig, clk clock.Clock, factory SourceFactory, logger zerolog.Logger) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{
		cfg:     cfg,
		clock:   clk,
		factory: factory,
		entries: make(map[string]*presenceEntry),
		logger:  logger.With().Str("module", "app.presence").Str("kind", string(cfg.Kind)).Logger(),
	}
}

func (t *Tracker) Kind() Kind { return t.cfg.Kind }

func (t *Tracker) withDefaults(id Identity) Identity {
	if id.ServiceID == "" {
		id.ServiceID = t.cfg.DefaultServiceID
	}
	if id.MediaUnitID == "" {
		id.MediaUnitID = t.cfg.DefaultMediaUnitID
	}
	return id
}

func (t *Tracker) validate(id Identity) error {
	if id.ID == "" {
		return fmt.Errorf("%sId: %w", t.cfg.Kind, ErrMissingIdentity)
	}
	if t.cfg.Kind == KindClient {
		if id.RoomID == "" {
			return fmt.Errorf("roomId: %w", ErrMissingIdentity)
		}
		if id.CallID == "" {
			return fmt.Errorf("callId: %w", ErrMissingIdentity)
		}
	}
	return nil
}

// Accept binds conn to the entity it identifies. Invalid identities close
// conn with the invalid-request code.
func (t *Tracker) Accept(conn PresenceConn, id Identity) (*Binding, error) {
	id = t.withDefaults(id)
	if err := t.validate(id); err != nil {
		conn.Close(protocol.CloseInvalidRequest, err.Error())
		return nil, err
	}

	t.mu.Lock()
	e, ok := t.entries[id.ID]
	if !ok {
		source, err := t.factory(id)
		if err != nil {
			t.mu.Unlock()
			conn.Close(protocol.CloseInvalidRequest, "source unavailable")
			return nil, fmt.Errorf("open source for %s: %w", id.ID, err)
		}
		e = &presenceEntry{identity: id, source: source}
		t.entries[id.ID] = e
	}
	var prev PresenceConn
	if e.binding != nil {
		prev = e.binding.conn
	}
	b := &Binding{tracker: t, entry: e, conn: conn}
	e.binding = b
	e.disconnectedAt = time.Time{}
	t.mu.Unlock()

	if prev != nil && prev != conn {
		prev.Close(protocol.CloseReplaced, "replaced by a newer connection")
	}
	if ok {
		t.logger.Info().Str("id", id.ID).Msg("rebound")
	} else {
		t.logger.Info().Str("id", id.ID).Msg("accepted")
	}
	return b, nil
}

// Check evicts entities disconnected for longer than the grace period and
// returns how many were evicted.
func (t *Tracker) Check() int {
	now := t.clock.Now()
	t.mu.Lock()
	var expired []*presenceEntry
	for id, e := range t.entries {
		if e.binding != nil || e.disconnectedAt.IsZero() {
			continue
		}
		if now.Sub(e.disconnectedAt) > t.cfg.Grace {
			delete(t.entries, id)
			expired = append(expired, e)
		}
	}
	t.evictions += len(expired)
	t.mu.Unlock()

	for _, e := range expired {
		e.source.Close()
		t.logger.Info().Str("id", e.identity.ID).Msg("evicted")
	}
	return len(expired)
}

// Clear records every connected entity as disconnected now and closes its
// connection. Entries stay until Check evicts them.
func (t *Tracker) Clear() {
	now := t.clock.Now()
	t.mu.Lock()
	var conns []PresenceConn
	for _, e := range t.entries {
		if e.binding == nil {
			continue
		}
		conns = append(conns, e.binding.conn)
		e.binding = nil
		e.disconnectedAt = now
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.Close(protocol.CloseSelfInitiated, "shutting down")
	}
}

// Close closes every source and forgets all entities.
func (t *Tracker) Close() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*presenceEntry)
	t.mu.Unlock()
	for _, e := range entries {
		e.source.Close()
	}
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tracker) Evictions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evictions
}

// Binding is one connection's claim on a tracked entity.
type Binding struct {
	tracker *Tracker
	entry   *presenceEntry
	conn    PresenceConn
}

// Deliver hands one base64 text frame to the entity's source.
func (b *Binding) Deliver(frame []byte) error {
	sample, err := base64.StdEncoding.DecodeString(string(frame))
	if err != nil {
		return fmt.Errorf("decode sample: %w", err)
	}
	return b.entry.source.Accept(sample)
}

// Close records the disconnect unless a newer connection took over.
func (b *Binding) Close() {
	t := b.tracker
	t.mu.Lock()
	defer t.mu.Unlock()
	if b.entry.binding != b {
		return
	}
	b.entry.binding = nil
	b.entry.disconnectedAt = t.clock.Now()
}
