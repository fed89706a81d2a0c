//go:build linux

package scheduler

import "golang.org/x/sys/unix"

// workerNiceness is the nice value requested for the render thread.
const workerNiceness = -11

// raiseThreadPriority lowers the niceness of the calling OS thread. The
// caller must have locked the goroutine to its thread.
func raiseThreadPriority() error {
	return unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), workerNiceness)
}
