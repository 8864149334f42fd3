package utils

import (
	"context"
	"os"
)

// CancelOnSignal returns a context that is cancelled when a signal arrives on
// signals. stop ends the watch and returns the signal that cancelled the
// context, or nil. Signals arriving after stop stay in the channel.
func CancelOnSignal(parent context.Context, signals <-chan os.Signal) (ctx context.Context, stop func() os.Signal) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	var sig os.Signal
	go func() {
		defer close(done)
		select {
		case sig = <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() os.Signal {
		cancel()
		<-done
		return sig
	}
}
