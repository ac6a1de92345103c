package regress

import (
	"errors"
	"testing"
	"time"
)

type fakeSaver struct {
	calls int
	err   error
}

func (s *fakeSaver) Save() error {
	s.calls++
	return s.err
}

func TestCrashGuardStartsUnrequested(t *testing.T) {
	g := NewCrashGuard()
	defer g.Stop()
	if g.Requested() {
		t.Fatalf("fresh guard should not report a shutdown request")
	}
}

func TestCrashGuardFlagOnSignal(t *testing.T) {
	g := NewCrashGuard()
	defer g.Stop()

	// Deliver through the channel directly instead of raising a real
	// signal, which would hit every guard in the process.
	g.sigs <- testSignal{}

	deadline := time.Now().Add(time.Second)
	for !g.Requested() {
		if time.Now().After(deadline) {
			t.Fatalf("shutdown request never observed")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestShutdownSavesAndExitsZero(t *testing.T) {
	exited := -1
	restore := exitFunc
	exitFunc = func(code int) { exited = code }
	defer func() { exitFunc = restore }()

	g := NewCrashGuard()
	defer g.Stop()

	saver := &fakeSaver{}
	g.Shutdown(saver)

	if saver.calls != 1 {
		t.Fatalf("Save called %d times, want 1", saver.calls)
	}
	if exited != 0 {
		t.Fatalf("exit code = %d, want 0", exited)
	}
}

func TestShutdownExitsZeroWhenSaveFails(t *testing.T) {
	exited := -1
	restore := exitFunc
	exitFunc = func(code int) { exited = code }
	defer func() { exitFunc = restore }()

	g := NewCrashGuard()
	defer g.Stop()

	saver := &fakeSaver{err: errors.New("disk full")}
	g.Shutdown(saver)

	if saver.calls != 1 {
		t.Fatalf("Save called %d times, want 1", saver.calls)
	}
	if exited != 0 {
		t.Fatalf("exit code = %d, want 0 even when the save fails", exited)
	}
}

func TestShutdownWithoutSaver(t *testing.T) {
	exited := -1
	restore := exitFunc
	exitFunc = func(code int) { exited = code }
	defer func() { exitFunc = restore }()

	g := NewCrashGuard()
	defer g.Stop()

	g.Shutdown(nil)
	if exited != 0 {
		t.Fatalf("exit code = %d, want 0", exited)
	}
}

// testSignal satisfies os.Signal for channel injection.
type testSignal struct{}

func (testSignal) String() string { return "test" }
func (testSignal) Signal()        {}
