//go:build !linux

package scheduler

func raiseThreadPriority() error { return nil }
