// Package interrupt turns termination signals into a cooperative
// cancellation flag for long running builds.
package interrupt

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"
)

// Token is a cancellation flag checked between units of work.
type Token struct {
	interrupted atomic.Bool
	once        sync.Once
	done        chan struct{}
}

func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel sets the flag. Calling it more than once is a no-op.
func (t *Token) Cancel() {
	t.once.Do(func() {
		t.interrupted.Store(true)
		close(t.done)
	})
}

// Interrupted reports whether Cancel has been called.
func (t *Token) Interrupted() bool {
	return t.interrupted.Load()
}

// Done is closed when the token is cancelled.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// stopNotify is signal.Stop, replaceable in tests.
var stopNotify = signal.Stop

// Watch cancels the returned token when one of signals arrives, SIGINT and
// SIGTERM by default. The stop func releases the signal handler and restores
// the previous process behavior; it must be called once the build returns.
// Only the first signal is caught: a second one gets the default behavior,
// so a user can still force quit while the checkpoint is written.
func Watch(logger logrus.FieldLogger, signals ...os.Signal) (*Token, func()) {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	token := NewToken()
	sigChan := make(chan os.Signal, 1)
	quit := make(chan struct{})
	signal.Notify(sigChan, signals...)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case sig := <-sigChan:
			stopNotify(sigChan)
			logger.WithField("signal", sig.String()).
				Warn("Received shutdown signal, finishing the current coin and saving a checkpoint...")
			token.Cancel()
		case <-quit:
		}
	}()

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			stopNotify(sigChan)
			close(quit)
			wg.Wait()
		})
	}
	return token, stop
}
