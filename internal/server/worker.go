package server

import (
	"context"
	"sync"
	"time"

	"github.com/1ureka/powerudp/internal/util"
)

// Spawner runs per-client workers. Implementations decide the execution
// vehicle; Wait blocks until every spawned worker has returned.
type Spawner interface {
	Spawn(ctx context.Context, fn func(ctx context.Context))
	Wait()
}

// GoroutineSpawner runs each worker on its own goroutine.
type GoroutineSpawner struct {
	wg sync.WaitGroup
}

func (s *GoroutineSpawner) Spawn(ctx context.Context, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(ctx)
	}()
}

func (s *GoroutineSpawner) Wait() {
	s.wg.Wait()
}

// worker keeps a client record alive until the server stops or the client
// has not re-registered within the inactivity window.
func (s *Server) worker(rec ClientRecord) func(ctx context.Context) {
	return func(ctx context.Context) {
		util.LogDebug("worker started for %s (%s)", rec.Addr, rec.ID)

		if s.opts.InactivityTimeout <= 0 {
			<-ctx.Done()
			s.registry.release(rec.Addr)
			return
		}

		for {
			remaining, expired := s.registry.expire(rec.Addr, s.opts.InactivityTimeout, time.Now())
			if expired {
				util.LogInfo("client %s inactive", rec.Addr)
				return
			}

			timer := time.NewTimer(remaining)
			select {
			case <-ctx.Done():
				timer.Stop()
				s.registry.release(rec.Addr)
				return
			case <-timer.C:
			}
		}
	}
}
