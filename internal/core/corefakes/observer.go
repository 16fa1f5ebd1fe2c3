package corefakes

import (
	"sync"

	"github.com/dkeye/huddle/internal/core"
)

type Source struct {
	Info any

	mu      sync.Mutex
	samples [][]byte
	closed  bool
}

func (s *Source) Accept(sample []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, append([]byte(nil), sample...))
	return nil
}

func (s *Source) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *Source) Samples() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.samples...)
}

func (s *Source) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type Observer struct {
	mu      sync.Mutex
	sources []*Source
}

func (o *Observer) CreateClientSource(info core.ClientSourceInfo) (core.SampleSource, error) {
	return o.add(info), nil
}

func (o *Observer) CreateSfuSource(info core.SfuSourceInfo) (core.SampleSource, error) {
	return o.add(info), nil
}

func (o *Observer) add(info any) *Source {
	s := &Source{Info: info}
	o.mu.Lock()
	o.sources = append(o.sources, s)
	o.mu.Unlock()
	return s
}

func (o *Observer) Sources() []*Source {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Source(nil), o.sources...)
}
