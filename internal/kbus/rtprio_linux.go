//go:build linux

package kbus

import "golang.org/x/sys/unix"

// setRTFIFOPriority puts the calling OS thread into SCHED_FIFO at the
// given priority (1..99). It must run on a goroutine locked to its OS
// thread via runtime.LockOSThread, since scheduling policy is a
// per-thread, not per-process, attribute.
func setRTFIFOPriority(priority int) error {
	return unix.SchedSetscheduler(0, unix.SCHED_FIFO, &unix.SchedParam{Priority: int32(priority)})
}
