package core

import (
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/protocol"
)

func (s *ClientSession) Capabilities() *protocol.RtpCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

func (s *ClientSession) Transport(role domain.TransportRole) Transport { return s.transport(role) }

func (s *ClientSession) Producer(id domain.ProducerID) Producer { return s.producer(id) }

func (s *ClientSession) Counts() (producers, consumers int) { return s.counts() }
