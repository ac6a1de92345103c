package regress

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"k8s.io/klog/v2"
)

// Saver is the external serialization hook the crash guard triggers;
// the checkpoint format belongs to the training framework.
type Saver interface {
	Save() error
}

// exitFunc is swapped out in tests.
var exitFunc = os.Exit

// CrashGuard turns SIGINT/SIGTERM into an orderly shutdown request.
// The signal handler only flips an atomic flag; the training loop
// observes it between steps and performs the checkpoint save on its
// own goroutine, so no I/O happens in signal-delivery context.
type CrashGuard struct {
	requested atomic.Bool
	sigs      chan os.Signal
	done      chan struct{}
}

// NewCrashGuard registers the signal handler.
func NewCrashGuard() *CrashGuard {
	g := &CrashGuard{
		sigs: make(chan os.Signal, 1),
		done: make(chan struct{}),
	}
	signal.Notify(g.sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		for {
			select {
			case sig := <-g.sigs:
				klog.Infof("received signal %v, requesting shutdown", sig)
				g.requested.Store(true)
			case <-g.done:
				return
			}
		}
	}()
	return g
}

// Requested reports whether a termination signal has arrived.
func (g *CrashGuard) Requested() bool {
	return g.requested.Load()
}

// Stop unregisters the handler, restoring default signal behavior.
func (g *CrashGuard) Stop() {
	signal.Stop(g.sigs)
	close(g.done)
}

// Shutdown performs the best-effort crash save and terminates the
// process with a success exit code. A failed save is logged but does
// not change the exit path.
func (g *CrashGuard) Shutdown(saver Saver) {
	klog.Info("saving latest checkpoint before exit...")
	if saver != nil {
		if err := saver.Save(); err != nil {
			klog.Errorf("crash checkpoint save failed: %v", err)
		}
	}
	klog.Flush()
	exitFunc(0)
}
