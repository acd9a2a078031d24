package sw

import (
	"os"
	"os/signal"
	"sync"
)

// onInterrupt lets a component register a best-effort cleanup handler that
// runs on SIGINT, adapted from the teacher's internal/oninterrupt: the
// scheduler's InterruptibleContext cancellation unwinds goroutines
// cleanly, but the file and command caches still want a chance to flush
// their in-memory state to disk before the process dies, even on a second,
// impatient Ctrl+C.
var (
	onInterruptMu sync.Mutex
	onInterrupt   []func()
)

func init() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		<-c
		onInterruptMu.Lock()
		fns := append([]func(){}, onInterrupt...)
		onInterruptMu.Unlock()
		for _, f := range fns {
			f()
		}
	}()
}

// RegisterOnInterrupt registers cb to run once, best-effort, when the
// process receives SIGINT.
func RegisterOnInterrupt(cb func()) {
	onInterruptMu.Lock()
	defer onInterruptMu.Unlock()
	onInterrupt = append(onInterrupt, cb)
}
