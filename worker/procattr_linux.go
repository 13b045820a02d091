//go:build linux

package worker

import "syscall"

// childProcAttr puts the worker in its own process group and ties its life to
// the supervisor via the parent-death signal.
func childProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGKILL}
}

// killGroup terminates the worker's whole process group.
func killGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
