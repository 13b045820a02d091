//go:build unix && !linux

package worker

import "syscall"

// childProcAttr puts the worker in its own process group. No parent-death
// signal outside Linux; the rendezvous socket closing serves as the tether.
func childProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// killGroup terminates the worker's whole process group.
func killGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
