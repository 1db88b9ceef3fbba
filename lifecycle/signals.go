package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// WatchSignals drives the publisher from process signals until ctx is
// cancelled: SIGUSR1 transitions to background, SIGUSR2 to foreground.
func WatchSignals(ctx context.Context, p *Publisher) {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGUSR1, syscall.SIGUSR2)

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case sig := <-ch:
				switch sig {
				case syscall.SIGUSR1:
					p.Transition(Background)
				case syscall.SIGUSR2:
					p.Transition(Foreground)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
