package session

import (
	"context"
	"time"

	"gametable/internal/logging"
)

// Sweep deletes expired sessions from every configured backend and drops
// their bindings. A failing backend is logged and skipped so one bad sweep
// cannot stop evictions elsewhere.
func (s *Store) Sweep(ctx context.Context) {
	backends := []Backend{s.fallback}
	if s.durable != nil {
		backends = append(backends, s.durable)
	}
	now := s.ttl.now()
	for _, b := range backends {
		codes, err := b.DeleteExpired(ctx, now)
		if err != nil {
			logging.Errorf("sweep: delete expired sessions: %v", err)
			continue
		}
		for _, code := range codes {
			s.unbind(code)
		}
		if len(codes) > 0 {
			logging.Debugf("sweep: evicted %d session(s)", len(codes))
		}
	}
}

// RunSweeper sweeps on a fixed interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}
