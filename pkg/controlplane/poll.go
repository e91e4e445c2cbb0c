package controlplane

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/giamma80/gymbro-platform-sub003/internal/timex"
)

type Poller interface {
	// Subscribe runs handler on every tick in a separate goroutine. It must only be
	// called once. Ticks never overlap: the next delay starts after the handler returned.
	Subscribe(ctx context.Context, handler func(ctx context.Context))
	// Stop stops the poller and waits for a running handler to return.
	Stop() error
}

type Poll struct {
	interval  time.Duration
	maxJitter time.Duration

	stopOnce   sync.Once
	subscribed atomic.Bool
	stop       chan struct{}
	done       chan struct{}
}

// NewPoll creates a poller firing every interval plus a random jitter up to maxJitter.
func NewPoll(interval time.Duration, maxJitter time.Duration) *Poll {
	if interval <= 0 {
		panic("non-positive interval")
	}

	// the random duration function panics on negative values
	if maxJitter < 0 {
		panic("negative max jitter")
	}

	return &Poll{
		interval:  interval,
		maxJitter: maxJitter,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Stop stops the poller. After calling Stop the poller cannot be used again.
func (c *Poll) Stop() error {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	if c.subscribed.Load() {
		<-c.done
	}
	return nil
}

func (c *Poll) Subscribe(ctx context.Context, handler func(ctx context.Context)) {
	c.subscribed.Store(true)

	go func() {
		defer close(c.done)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-c.stop:
				cancel()
			case <-ctx.Done():
			}
		}()

		timer := time.NewTimer(timex.Jittered(c.interval, c.maxJitter))
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				handler(ctx)
				// always wait at least interval between two runs
				timer.Reset(timex.Jittered(c.interval, c.maxJitter))
			}
		}
	}()
}
