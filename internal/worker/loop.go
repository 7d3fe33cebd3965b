// Package worker runs the periodic background loops the governors and the
// completion monitor are driven by.
package worker

import (
	"sync"
	"time"
)

// DefaultStopTimeout bounds how long Stop waits for an in-flight tick
const DefaultStopTimeout = 5 * time.Second

// Loop calls a function on a fixed interval until stopped
type Loop struct {
	mu        sync.Mutex
	interval  time.Duration
	fn        func()
	stopChan  chan struct{}
	wg        sync.WaitGroup
	isRunning bool
}

// NewLoop creates a stopped loop
func NewLoop(interval time.Duration, fn func()) *Loop {
	return &Loop{interval: interval, fn: fn}
}

// Start launches the loop goroutine. Calling Start on a running loop is a no-op.
func (l *Loop) Start() {
	l.mu.Lock()
	if l.isRunning {
		l.mu.Unlock()
		return
	}
	l.isRunning = true
	l.stopChan = make(chan struct{})
	stop := l.stopChan
	l.mu.Unlock()

	l.wg.Add(1)
	go l.run(stop)
}

// Stop signals the loop and waits up to timeout for it to exit.
// It returns false if the loop was still busy when the timeout expired.
func (l *Loop) Stop(timeout time.Duration) bool {
	l.mu.Lock()
	if !l.isRunning {
		l.mu.Unlock()
		return true
	}
	l.isRunning = false
	close(l.stopChan)
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Running reports whether the loop has been started and not stopped
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isRunning
}

func (l *Loop) run(stop <-chan struct{}) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.fn()
		}
	}
}
