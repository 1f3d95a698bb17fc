// Package supervisor implements the REPRL child-process supervisor: it
// spawns an instrumented target, performs the HELO handshake, ships
// scripts to it and collects exit/timeout/signal status, and recovers from
// unexpected child death or hangs.
//
// This mirrors the process-lifecycle half of the Go toolchain's own
// persistent fuzz worker (internal/fuzz's worker/workerServer pair): a
// long-lived child process driven over pipes, restarted transparently when
// it dies, with a small framed RPC protocol layered on top.
package supervisor

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/reprl-go/reprl/internal/reprl/channel"
	"github.com/reprl-go/reprl/internal/reprl/coverage"
)

// Well-known child-side file descriptor numbers. These are part of the
// wire protocol with the target and must never change.
const (
	ChildCtrlIn  = 100 // commands, parent -> child
	ChildCtrlOut = 101 // status/handshake, child -> parent
	ChildDataIn  = 102 // script body, parent -> child
	ChildDataOut = 103 // fuzz output, child -> parent
)

// MaxTimeoutMicros is the largest timeout, in microseconds, whose value in
// milliseconds still fits the 32-bit timeout argument of poll(). Execute
// does not check the timeout it is given against it.
const MaxTimeoutMicros = (int64(1)<<31 - 1) * 1000

const closedFD = ^uintptr(0)

var reserveOnce sync.Once

// reserveChildFDs dups /dev/null into fds 100-103 exactly once, before any
// worker spawns a child. This prevents the Go runtime (or any other part of
// the process) from accidentally handing out one of the well-known fd
// numbers to something unrelated, which would collide with a subsequent
// spawn's dup2.
func reserveChildFDs() {
	reserveOnce.Do(func() {
		for _, want := range []int{ChildCtrlIn, ChildCtrlOut, ChildDataIn, ChildDataOut} {
			devnull, err := unix.Open("/dev/null", unix.O_RDWR, 0)
			if err != nil {
				logrus.WithError(err).Fatal("supervisor: failed to reserve well-known child fd")
			}
			if devnull == want {
				continue
			}
			if err := unix.Dup2(devnull, want); err != nil {
				logrus.WithError(err).Fatalf("supervisor: failed to dup /dev/null onto fd %d", want)
			}
			unix.Close(devnull)
		}
	})
}

// Context is a per-worker child supervisor: child pid, the two control
// pipes, the data channels, and the argv/envp used on every spawn.
//
// Context is not safe for concurrent use from multiple goroutines; per
// spec, a given worker id is driven by at most one goroutine at a time.
type Context struct {
	WorkerID int
	Coverage *coverage.Context

	Argv []string
	Envp []string

	CaptureStdout bool
	CaptureStderr bool

	DataIn  *channel.DataChannel
	DataOut *channel.DataChannel
	Stdout  *channel.DataChannel
	Stderr  *channel.DataChannel

	pid     int
	ctrlIn  *os.File // parent reads status from here
	ctrlOut *os.File // parent writes commands to here

	lastError error
}

// LastError returns the most recent diagnostic recorded for this worker.
func (c *Context) LastError() error {
	return c.lastError
}

func (c *Context) recordError(err error) error {
	c.lastError = err
	return err
}

// Running reports whether a child process is currently alive.
func (c *Context) Running() bool {
	return c.pid != 0
}

// Pid returns the current child pid, or 0 if none is running.
func (c *Context) Pid() int {
	return c.pid
}

// Spawn starts a new target process, performs the HELO handshake, and
// leaves the context ready for Execute. If a child is already running,
// Spawn panics; callers must Terminate first.
func (c *Context) Spawn() error {
	if c.Running() {
		panic("supervisor: Spawn called with a child already running")
	}
	reserveChildFDs()

	for _, ch := range []*channel.DataChannel{c.DataIn, c.DataOut, c.Stdout, c.Stderr} {
		if ch == nil {
			continue
		}
		_ = ch.Truncate() // bounds growth where supported; harmless no-op otherwise
		if err := ch.Reset(); err != nil {
			return c.recordError(fmt.Errorf("supervisor: resetting data channel before spawn: %w", err))
		}
	}

	// crpipe: child writes its status to crWrite, parent reads it from crRead.
	crRead, crWrite, err := os.Pipe()
	if err != nil {
		return c.recordError(fmt.Errorf("supervisor: creating control-out pipe: %w", err))
	}
	// cwpipe: parent writes commands to cwWrite, child reads them from cwRead.
	cwRead, cwWrite, err := os.Pipe()
	if err != nil {
		crRead.Close()
		crWrite.Close()
		return c.recordError(fmt.Errorf("supervisor: creating control-in pipe: %w", err))
	}

	files := make([]uintptr, ChildDataOut+1)
	for i := range files {
		files[i] = closedFD
	}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		crRead.Close()
		crWrite.Close()
		cwRead.Close()
		cwWrite.Close()
		return c.recordError(fmt.Errorf("supervisor: opening /dev/null: %w", err))
	}
	defer devnull.Close()
	files[0] = devnull.Fd()

	doutput := c.envHas("DOUTPUT")
	files[1] = c.outputFd(c.Stdout, doutput, os.Stdout, devnull)
	files[2] = c.outputFd(c.Stderr, doutput, os.Stderr, devnull)

	files[ChildCtrlIn] = cwRead.Fd()
	files[ChildCtrlOut] = crWrite.Fd()
	files[ChildDataIn] = c.DataIn.Fd()
	files[ChildDataOut] = c.DataOut.Fd()

	envp := append(append([]string{}, c.Envp...), "SHM_ID="+c.Coverage.ShmName())

	pid, err := syscall.ForkExec(c.Argv[0], c.Argv, &syscall.ProcAttr{
		Env:   envp,
		Files: files,
	})
	// The child now has its own copies of the read/write ends it needs;
	// close the parent's copies of the ends only the child should hold.
	cwRead.Close()
	crWrite.Close()
	if err != nil {
		crRead.Close()
		cwWrite.Close()
		return c.recordError(fmt.Errorf("supervisor: forking target process: %w", err))
	}

	c.pid = pid
	c.ctrlIn = crRead
	c.ctrlOut = cwWrite

	time.Sleep(10 * time.Millisecond)

	var hello [4]byte
	if _, err := readFull(c.ctrlIn, hello[:]); err != nil || string(hello[:]) != "HELO" {
		logrus.WithFields(logrus.Fields{"worker": c.WorkerID, "pid": pid}).Warn("supervisor: target did not complete HELO handshake")
		c.terminateLocked()
		return c.recordError(fmt.Errorf("supervisor: did not receive HELO handshake from target: %w", err))
	}
	if _, err := c.ctrlOut.Write([]byte("HELO")); err != nil {
		c.terminateLocked()
		return c.recordError(fmt.Errorf("supervisor: failed to reply to HELO handshake: %w", err))
	}

	logrus.WithFields(logrus.Fields{"worker": c.WorkerID, "pid": pid}).Debug("supervisor: target spawned")
	return nil
}

// envHas reports whether name is set to a non-empty value in the envp this
// context will pass to its child.
func (c *Context) envHas(name string) bool {
	prefix := name + "="
	for _, kv := range c.Envp {
		if len(kv) > len(prefix) && kv[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// outputFd picks which fd to dup into the child's stdout/stderr slot: the
// parent's own stream if DOUTPUT is set (for interactive debugging), the
// capture channel if one was configured, or shared /dev/null otherwise.
func (c *Context) outputFd(capture *channel.DataChannel, doutput bool, inherited, devnull *os.File) uintptr {
	if doutput {
		return inherited.Fd()
	}
	if capture != nil {
		return capture.Fd()
	}
	return devnull.Fd()
}

// Terminate kills the running child (if any), reaps it, and closes the
// control pipes. It is idempotent.
func (c *Context) Terminate() {
	c.terminateLocked()
}

func (c *Context) terminateLocked() {
	if c.pid == 0 {
		return
	}
	unix.Kill(c.pid, syscall.SIGKILL)
	var ws unix.WaitStatus
	unix.Wait4(c.pid, &ws, 0, nil)
	c.pid = 0
	if c.ctrlIn != nil {
		c.ctrlIn.Close()
		c.ctrlIn = nil
	}
	if c.ctrlOut != nil {
		c.ctrlOut.Close()
		c.ctrlOut = nil
	}
}

// Execute ships script to the running child (spawning one first if
// necessary, or if freshInstance is set), waits up to timeout for a
// result, and returns the REPRL status word along with the wall-clock time
// spent waiting.
func (c *Context) Execute(script []byte, timeout time.Duration, freshInstance bool) (Status, time.Duration, error) {
	if len(script) > channel.MaxDataSize {
		return 0, 0, c.recordError(fmt.Errorf("supervisor: script of %d bytes exceeds MaxDataSize (%d)", len(script), channel.MaxDataSize))
	}

	if freshInstance && c.Running() {
		c.terminateLocked()
	}

	for _, ch := range []*channel.DataChannel{c.DataIn, c.DataOut, c.Stdout, c.Stderr} {
		if ch != nil {
			ch.Reset()
		}
	}

	if !c.Running() {
		if err := c.Spawn(); err != nil {
			return 0, 0, err
		}
	}

	copy(c.DataIn.Mapping(), script)

	c.Coverage.ClearBitmap()

	var frame [12]byte
	copy(frame[0:4], "cexe")
	binary.LittleEndian.PutUint64(frame[4:12], uint64(len(script)))

	if _, err := c.ctrlOut.Write(frame[:]); err != nil {
		return c.handleWriteFailure(err)
	}

	start := time.Now()
	timeoutMs := int(timeout / time.Millisecond)

	pfd := []unix.PollFd{{Fd: int32(c.ctrlIn.Fd()), Events: unix.POLLIN}}
	res, perr := unix.Poll(pfd, timeoutMs)
	execTime := time.Since(start)
	if perr != nil {
		return 0, execTime, c.recordError(fmt.Errorf("supervisor: polling control pipe: %w", perr))
	}
	if res == 0 {
		logrus.WithFields(logrus.Fields{"worker": c.WorkerID, "pid": c.pid}).Warn("supervisor: execution timed out")
		c.terminateLocked()
		return TimedOut, execTime, nil
	}

	var statusBytes [4]byte
	n, err := c.ctrlIn.Read(statusBytes[:])
	if err != nil || n != 4 {
		return c.handleShortStatusRead(execTime, timeout-execTime)
	}

	status := Status(binary.LittleEndian.Uint32(statusBytes[:]) & 0xffff)
	return status, execTime, nil
}

// handleWriteFailure is reached when writing the command frame fails,
// which usually means the child already died between executions. It reaps
// the child (non-blocking) and classifies the failure.
func (c *Context) handleWriteFailure(writeErr error) (Status, time.Duration, error) {
	var ws unix.WaitStatus
	wpid, err := unix.Wait4(c.pid, &ws, unix.WNOHANG, nil)
	if err == nil && wpid == c.pid {
		c.pid = 0
		c.ctrlIn.Close()
		c.ctrlOut.Close()
		c.ctrlIn, c.ctrlOut = nil, nil
		if ws.Exited() {
			return 0, 0, c.recordError(fmt.Errorf("supervisor: child exited with status %d between executions", ws.ExitStatus()))
		}
		if ws.Signaled() {
			return 0, 0, c.recordError(fmt.Errorf("supervisor: child terminated with signal %d between executions", ws.Signal()))
		}
	}
	return 0, 0, c.recordError(fmt.Errorf("supervisor: writing command frame: %w", writeErr))
}

// handleShortStatusRead is reached when the status read after a successful
// poll doesn't return exactly 4 bytes, which usually means the child died
// mid-execution (the control pipe's write end closed). It retries
// waitpid(WNOHANG) with brief sleeps until either the child is reaped or
// the remaining timeout budget elapses, then synthesizes a status from the
// wait result.
func (c *Context) handleShortStatusRead(elapsed, remaining time.Duration) (Status, time.Duration, error) {
	start := time.Now()
	deadline := start.Add(remaining)
	for {
		var ws unix.WaitStatus
		wpid, err := unix.Wait4(c.pid, &ws, unix.WNOHANG, nil)
		if err == nil && wpid == c.pid {
			c.pid = 0
			c.ctrlIn.Close()
			c.ctrlOut.Close()
			c.ctrlIn, c.ctrlOut = nil, nil

			var status Status
			switch {
			case ws.Exited():
				status = Status(ws.ExitStatus()&0xff) << 8
			case ws.Signaled():
				status = Status(int(ws.Signal()) & 0xff)
			}
			return status & 0xffff, elapsed + time.Since(start), nil
		}
		if time.Now().After(deadline) {
			c.terminateLocked()
			return 0, elapsed + time.Since(start), c.recordError(fmt.Errorf("supervisor: child did not terminate after status read failed"))
		}
		time.Sleep(time.Millisecond)
	}
}

func readFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, fmt.Errorf("unexpected EOF")
		}
	}
	return total, nil
}
