package gameserver

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Reap unbinds every session idle for longer than the heartbeat timeout,
// exactly as if it had disconnected, and returns their player ids.
func (s *GameServiceServer) Reap(ctx context.Context, now time.Time) []string {
	if s.opts.HeartbeatTimeout <= 0 {
		return nil
	}
	idle := s.sessions.Idle(now, s.opts.HeartbeatTimeout)
	for _, id := range idle {
		s.matcher.CancelPlayer(id)
		s.sessions.Unbind(ctx, id)
		s.logger.Info("session timed out", zap.String("player_id", id), zap.Duration("timeout", s.opts.HeartbeatTimeout))
	}
	return idle
}

// RunReaper calls Reap every ReapInterval until ctx is cancelled.
//
// Postcondition: Returns ctx.Err() when ctx is cancelled.
func (s *GameServiceServer) RunReaper(ctx context.Context) error {
	interval := s.opts.ReapInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.Reap(ctx, now)
		}
	}
}
