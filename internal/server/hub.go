package server

import (
	"context"
	"sync"
	"time"

	"github.com/Tyrowin/groupchat/internal/logging"
)

// sessionTracker counts the websocket sessions still running on hijacked
// connections. http.Server.Shutdown does not wait for those, so the process
// waits here before the store is closed underneath them.
type sessionTracker struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	active int
}

func (t *sessionTracker) add() {
	t.mu.Lock()
	t.active++
	t.mu.Unlock()
	t.wg.Add(1)
}

func (t *sessionTracker) done() {
	t.mu.Lock()
	t.active--
	t.mu.Unlock()
	t.wg.Done()
}

// Active returns the number of sessions still running.
func (t *sessionTracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Wait blocks until every tracked session has returned or timeout elapses.
func (t *sessionTracker) Wait(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Debug().Msg("all websocket sessions finished")
		return nil
	case <-time.After(timeout):
		logging.Warn().Int("sessions", t.Active()).Msg("websocket sessions still running after shutdown timeout")
		return context.DeadlineExceeded
	}
}
