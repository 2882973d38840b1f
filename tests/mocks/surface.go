package mocks

import (
	"context"
	"sync"

	"github.com/better-wallet/wallet-core/pkg/types"
)

// Surface records approval window events
type Surface struct {
	mu      sync.Mutex
	opened  []string
	closed  []string
	last    []types.PendingRequest
	OpenErr error
}

// Open implements approval.Surface
func (s *Surface) Open(_ context.Context, windowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OpenErr != nil {
		return s.OpenErr
	}
	s.opened = append(s.opened, windowID)
	return nil
}

// Close implements approval.Surface
func (s *Surface) Close(_ context.Context, windowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, windowID)
	return nil
}

// Show implements approval.Surface
func (s *Surface) Show(_ context.Context, _ string, pending []types.PendingRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = append([]types.PendingRequest(nil), pending...)
	return nil
}

// Opened returns the ids of opened windows
func (s *Surface) Opened() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.opened...)
}

// Closed returns the ids of windows closed by the queue
func (s *Surface) Closed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.closed...)
}

// Shown returns the last rendered queue
func (s *Surface) Shown() []types.PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.PendingRequest(nil), s.last...)
}
