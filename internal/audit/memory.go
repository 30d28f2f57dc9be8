package audit

import (
	"context"
	"sync"

	"github.com/quantfray/trading-core/internal/model"
)

// MemorySink keeps audit events in memory. Used for testing and development.
// Not suitable for production (no persistence).
type MemorySink struct {
	mu     sync.RWMutex
	opened []model.Position
	closed []model.ClosedTrade
	risk   []RiskEvent
	margin []MarginSnapshot
}

// NewMemorySink creates a new in-memory audit sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) PositionOpened(_ context.Context, p model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = append(s.opened, p)
	return nil
}

func (s *MemorySink) PositionClosed(_ context.Context, t model.ClosedTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, t)
	return nil
}

func (s *MemorySink) RecordRiskEvent(_ context.Context, e RiskEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.risk = append(s.risk, e)
	return nil
}

func (s *MemorySink) RecordMarginSnapshot(_ context.Context, m MarginSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.margin = append(s.margin, m)
	return nil
}

// Opened returns a copy of recorded position-opened events.
func (s *MemorySink) Opened() []model.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Position, len(s.opened))
	copy(out, s.opened)
	return out
}

// Closed returns a copy of recorded closed trades.
func (s *MemorySink) Closed() []model.ClosedTrade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ClosedTrade, len(s.closed))
	copy(out, s.closed)
	return out
}

// RiskEvents returns a copy of recorded risk events.
func (s *MemorySink) RiskEvents() []RiskEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RiskEvent, len(s.risk))
	copy(out, s.risk)
	return out
}

// MarginSnapshots returns a copy of recorded margin snapshots.
func (s *MemorySink) MarginSnapshots() []MarginSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MarginSnapshot, len(s.margin))
	copy(out, s.margin)
	return out
}
