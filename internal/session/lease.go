package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// leaseFileName is the per-task execution-lease file touched by the
// heartbeat while a session is live, so a restarted process can tell a
// task's last session crashed rather than completed cleanly.
func leaseFileName(taskID int64) string {
	return fmt.Sprintf(".forgeflow-lease-%d", taskID)
}

// executionLease is the heartbeat that keeps one task's lease file fresh
// for the lifetime of an execution TaskSession.
type executionLease struct {
	path string
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// startExecutionLease touches the lease file immediately, then again every
// interval until Stop is called. workspacePath empty or interval <= 0
// disables the heartbeat (no lease is tracked).
func startExecutionLease(workspacePath string, taskID int64, interval time.Duration) *executionLease {
	if workspacePath == "" || interval <= 0 {
		return nil
	}

	l := &executionLease{
		path: filepath.Join(workspacePath, leaseFileName(taskID)),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	l.touch()

	go func() {
		defer close(l.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-l.stop:
				return
			case <-ticker.C:
				l.touch()
			}
		}
	}()

	return l
}

func (l *executionLease) touch() {
	now := time.Now()
	if err := os.Chtimes(l.path, now, now); err != nil {
		f, createErr := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY, 0o644)
		if createErr == nil {
			f.Close()
		}
	}
}

// Clear stops the heartbeat and removes the lease file, signaling that the
// session went away cleanly rather than crashing mid-execution. Idempotent:
// teardown paths (stop, completion, watchdog recovery) may race into it.
func (l *executionLease) Clear() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		_ = os.Remove(l.path)
	})
}
