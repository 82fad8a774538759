package pumpdriver

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/majisafe/majisafe/internal/domain/pump"
)

// Simulated stands in for pump hardware when no device URL is configured.
type Simulated struct {
	mu      sync.Mutex
	running map[pump.ID]time.Time
	latency time.Duration
	now     func() time.Time
	logger  zerolog.Logger
}

func NewSimulated(latency time.Duration, logger zerolog.Logger) *Simulated {
	return &Simulated{
		running: make(map[pump.ID]time.Time),
		latency: latency,
		now:     time.Now,
		logger:  logger.With().Str("component", "simulated_driver").Logger(),
	}
}

func (s *Simulated) Start(ctx context.Context, id pump.ID, duration time.Duration) error {
	if s.latency > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.latency):
		}
	}
	s.mu.Lock()
	s.running[id] = s.now().Add(duration)
	s.mu.Unlock()
	s.logger.Info().Str("pump_id", id.String()).Dur("duration", duration).Msg("simulated pump started")
	return nil
}

func (s *Simulated) Stop(ctx context.Context, id pump.ID) error {
	_ = ctx
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
	s.logger.Info().Str("pump_id", id.String()).Msg("simulated pump stopped")
	return nil
}

// Running reports whether the simulated device is still dispensing.
func (s *Simulated) Running(id pump.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.running[id]
	return ok && s.now().Before(until)
}
