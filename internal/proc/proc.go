// Package proc launches shell commands as process-group leaders and exposes
// group-directed signaling. Payloads routinely fork helper children; killing
// the group is the only way to take the whole subtree down together.
package proc

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Handle is a started process group. Exactly one supervisor may wait on a
// handle; Done is closed once the leader has been reaped.
type Handle struct {
	cmd  *exec.Cmd
	Pid  int
	Pgid int

	done chan struct{}
	code int
}

// Start runs command through `sh -c` inside workdir as its own process-group
// leader. If the group id cannot be resolved after the process started, the
// group is killed before the error is returned so no orphaned group is left
// unsupervised.
func Start(command, workdir string, stdout, stderr io.Writer) (*Handle, error) {
	cmd := exec.Command("/bin/sh", "-c", command)
	if workdir != "" {
		cmd.Dir = workdir
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	pid := cmd.Process.Pid
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		_ = unix.Kill(-pid, unix.SIGKILL)
		_ = cmd.Wait()
		return nil, fmt.Errorf("resolving process group of pid %d: %w", pid, err)
	}

	h := &Handle{
		cmd:  cmd,
		Pid:  pid,
		Pgid: pgid,
		done: make(chan struct{}),
	}
	go h.wait()
	return h, nil
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	h.code = exitCode(err, h.cmd)
	close(h.done)
}

// Done is closed once the process has been reaped. ExitCode is valid only
// after that.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) ExitCode() int {
	return h.code
}

// Alive reports whether the leader process still exists.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
	}
	return unix.Kill(h.Pid, 0) == nil
}

// Terminate sends SIGTERM to the whole process group.
func (h *Handle) Terminate() error {
	return h.Signal(int(unix.SIGTERM))
}

// Kill sends SIGKILL to the whole process group. Signaling an already
// vanished group is not an error.
func (h *Handle) Kill() error {
	err := h.Signal(int(unix.SIGKILL))
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// Signal delivers sig to the whole process group.
func (h *Handle) Signal(sig int) error {
	return unix.Kill(-h.Pgid, unix.Signal(sig))
}

// exitCode maps a Wait error to the exit code of the process: the plain exit
// status when the process exited, 128+signal when it was killed by a signal,
// -1 when the status cannot be determined.
func exitCode(err error, cmd *exec.Cmd) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return waitStatusCode(status)
		}
	}
	if cmd.ProcessState != nil {
		if status, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok {
			return waitStatusCode(status)
		}
	}
	return -1
}

func waitStatusCode(status syscall.WaitStatus) int {
	if status.Exited() {
		return status.ExitStatus()
	}
	if status.Signaled() {
		return 128 + int(status.Signal())
	}
	return -1
}

// CommandExitCode maps the error of a synchronous Run to an exit code. Used
// by the pre/postprocess steps which do not need a process group.
func CommandExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return waitStatusCode(status)
		}
	}
	return -1
}
