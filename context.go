package sw

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// InterruptibleContext returns a context which is canceled when the program is
// interrupted (i.e. receiving SIGINT or SIGTERM).
func InterruptibleContext() (context.Context, context.CancelFunc) {
	ctx, canc := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		// Stop listening here so that a subsequent SIGTERM terminates the
		// process immediately, which is useful in case cleanup hangs. SIGINT
		// stays subscribed by the handler in oninterrupt.go, so a second
		// SIGINT does not terminate the process:
		signal.Stop(sig)
		canc()
	}()
	return ctx, canc
}
