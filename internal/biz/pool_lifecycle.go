package biz

import (
	"context"
	"fmt"
	"time"
)

// Start loads the pool, restores mirrored cooldowns and launches the
// housekeeping loop. A storage failure is returned; the pool stays usable
// (empty) so an operator can fix the store and reload.
func (tm *TokenManager) Start(ctx context.Context) error {
	n, err := tm.LoadAccounts(ctx)
	if err != nil {
		return err
	}
	restored, err := tm.breaker.Restore(ctx)
	if err != nil {
		tm.log.Warnw("msg", "failed to restore mirrored cooldowns", "error", err)
	}
	tm.log.Startup("account pool started", "accounts", n, "cooldowns_restored", restored)

	tm.Go("housekeeping", func(ctx context.Context) {
		ticker := time.NewTicker(tm.housekeepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tm.housekeep(ctx)
			}
		}
	})
	return nil
}

// housekeep applies queued reloads and garbage-collects expired state.
func (tm *TokenManager) housekeep(ctx context.Context) {
	tm.applyPendingDeletes()
	tm.applyPendingReloads(ctx)
	swept := tm.breaker.Sweep()
	expired := tm.sessions.Sweep()
	if swept > 0 || expired > 0 {
		tm.log.Pool("housekeeping", "cooldowns_swept", swept, "sessions_expired", expired)
	}
}

// Go runs fn in a supervised goroutine. fn receives a context that is
// cancelled by GracefulShutdown; a panic is logged instead of crashing the
// process. Go is a no-op once shutdown began.
func (tm *TokenManager) Go(name string, fn func(ctx context.Context)) bool {
	tm.bgMu.Lock()
	defer tm.bgMu.Unlock()
	if tm.closed {
		return false
	}
	tm.bg.Add(1)
	go func() {
		defer tm.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				tm.log.Errorw("msg", "background task panicked", "task", name, "panic", fmt.Sprint(r))
			}
		}()
		fn(tm.bgCtx)
	}()
	return true
}

func (tm *TokenManager) isClosed() bool {
	tm.bgMu.Lock()
	defer tm.bgMu.Unlock()
	return tm.closed
}

// GracefulShutdown stops accepting work, cancels background tasks and waits
// up to timeout for them to return. A non-positive timeout uses the
// configured shutdown timeout.
func (tm *TokenManager) GracefulShutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = tm.shutdownTimeout
	}
	tm.bgMu.Lock()
	if tm.closed {
		tm.bgMu.Unlock()
		return nil
	}
	tm.closed = true
	tm.bgMu.Unlock()

	tm.bgCancel()

	done := make(chan struct{})
	go func() {
		tm.bg.Wait()
		close(done)
	}()

	select {
	case <-done:
		tm.log.Pool("account pool stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("account pool shutdown timed out after %s", timeout)
	}
}
