package api

import (
	"github.com/courier-im/courier/internal/bus"
	"github.com/courier-im/courier/internal/status"
)

// SyncService exposes connection status.
type SyncService struct {
	machine *status.Machine
	bus     *bus.Bus
}

// NewSyncService creates a sync service.
func NewSyncService(m *status.Machine, b *bus.Bus) *SyncService {
	return &SyncService{machine: m, bus: b}
}

// Status returns the current connection state.
func (s *SyncService) Status() status.State {
	return s.machine.Current()
}

// Watch streams connectivity events: status changes, resync completion,
// and degradation signals.
func (s *SyncService) Watch(bufSize int) (<-chan bus.Event, func()) {
	return s.bus.Subscribe("sync.", bufSize)
}
