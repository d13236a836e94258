package process

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/combiner-sh/combiner/internal/logring"
)

// Process owns the runtime state of one entry. All mutation goes
// through its methods under the internal mutex; the lifecycle
// controller is the only writer, the publisher only reads snapshots.
type Process struct {
	mu       sync.Mutex
	spec     Spec
	cmd      *exec.Cmd
	status   Status
	stopping bool // stop requested; suppresses autorestart and crash classification
	restarts int
	waitDone chan struct{} // closed by the monitor when cmd.Wait returns
	ring     *logring.Ring
	lw       *lineWriter
	fileW    io.WriteCloser

	// trail keeps the most recent state transitions for tests and
	// debugging; metrics receive every transition as it happens.
	trail []State

	onTransition func(id, name string, from, to State)
}

const trailMax = 32

// New creates a Process in StateStopped.
func New(spec Spec, ring *logring.Ring) *Process {
	if ring == nil {
		ring = logring.New(spec.LogCapacity)
	}
	p := &Process{spec: spec, ring: ring}
	p.status = Status{ID: spec.ID, Name: spec.Name, State: StateStopped}
	return p
}

// OnTransition installs a callback invoked on every state change.
// Must be set before the first Start.
func (p *Process) OnTransition(fn func(id, name string, from, to State)) {
	p.mu.Lock()
	p.onTransition = fn
	p.mu.Unlock()
}

// UpdateSpec replaces the spec under lock. Takes effect on next start.
func (p *Process) UpdateSpec(s Spec) {
	p.mu.Lock()
	p.spec = s
	p.status.Name = s.Name
	p.mu.Unlock()
}

// Spec returns a copy of the current spec.
func (p *Process) Spec() Spec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spec
}

// Ring exposes the entry's bounded log buffer.
func (p *Process) Ring() *logring.Ring { return p.ring }

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Trail returns the recorded state transitions in order.
func (p *Process) Trail() []State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]State(nil), p.trail...)
}

// setState transitions the state machine under lock held by caller.
func (p *Process) setState(to State) {
	from := p.status.State
	if from == to {
		return
	}
	p.status.State = to
	p.trail = append(p.trail, to)
	if len(p.trail) > trailMax {
		p.trail = p.trail[len(p.trail)-trailMax:]
	}
	if p.onTransition != nil {
		p.onTransition(p.spec.ID, p.spec.Name, from, to)
	}
}

// Start spawns the child. Idempotent no-op while starting or running.
// A spawn failure transitions straight to crashed with the reason
// recorded in the log buffer and is returned to the caller.
func (p *Process) Start() error {
	p.mu.Lock()
	switch p.status.State {
	case StateStarting, StateRunning, StateStopping:
		p.mu.Unlock()
		return nil
	}
	spec := p.spec
	p.setState(StateStarting)
	p.status.LastError = ""
	p.status.ExitCode = 0
	p.mu.Unlock()

	if spec.Command == "" {
		err := fmt.Errorf("entry %s: empty command", spec.Name)
		p.failLaunch(err)
		return err
	}

	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Env = append(cmd.Env, "COMBINER=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	lw := newLineWriter(p.ring.Append)
	fileW := spec.Log.Writer(logID(spec))
	if spec.Log.Dir != "" {
		_ = os.MkdirAll(spec.Log.Dir, 0o750)
	}
	if fileW != nil {
		cmd.Stdout = io.MultiWriter(lw, fileW)
	} else {
		cmd.Stdout = lw
	}
	cmd.Stderr = cmd.Stdout // merged channels, like the launcher always did

	if err := cmd.Start(); err != nil {
		p.logf("[!] start error: %v", err)
		p.failLaunch(err)
		if fileW != nil {
			_ = fileW.Close()
		}
		return fmt.Errorf("launch %s: %w", spec.Name, err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.lw = lw
	p.fileW = fileW
	p.waitDone = make(chan struct{})
	p.stopping = false
	p.status.PID = cmd.Process.Pid
	p.status.StartedAt = time.Now()
	p.status.StoppedAt = time.Time{}
	p.status.Restarts = p.restarts
	p.setState(StateRunning)
	p.mu.Unlock()

	p.logf("started: %s (pid=%d)", spec.Command, cmd.Process.Pid)
	return nil
}

func (p *Process) failLaunch(err error) {
	p.mu.Lock()
	p.status.LastError = err.Error()
	p.status.StoppedAt = time.Now()
	p.status.PID = 0
	p.setState(StateCrashed)
	p.mu.Unlock()
}

// Monitor blocks until the child exits, then classifies the exit and
// finalizes state. One Monitor call per successful Start; it runs on
// its own goroutine so other entries are never blocked.
func (p *Process) Monitor() Status {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	var err error
	if cmd != nil {
		err = cmd.Wait()
	}
	return p.finishExit(err)
}

// finishExit records the exit outcome, appends the terminal log line,
// releases writers, and wakes stop waiters.
func (p *Process) finishExit(waitErr error) Status {
	code := exitCode(waitErr)

	p.mu.Lock()
	spec := p.spec
	stopping := p.stopping
	p.cmd = nil
	p.status.PID = 0
	p.status.StoppedAt = time.Now()
	p.status.ExitCode = code
	clean := stopping || (waitErr == nil || spec.CleanExit(code))
	if clean {
		p.status.LastError = ""
		p.setState(StateStopped)
	} else {
		p.status.LastError = waitErr.Error()
		p.setState(StateCrashed)
	}
	lw, fileW := p.lw, p.fileW
	p.lw, p.fileW = nil, nil
	st := p.status
	p.mu.Unlock()

	if lw != nil {
		lw.Flush()
	}
	p.logfTo(fileW, "finished (code=%d, state=%s)", code, st.State)
	if fileW != nil {
		_ = fileW.Close()
	}
	p.closeWaitDone()
	return st
}

// SetStopping marks a stop request and transitions to stopping when a
// child is alive. Repeated calls are no-ops.
func (p *Process) SetStopping() {
	p.mu.Lock()
	p.stopping = true
	if p.status.State == StateRunning || p.status.State == StateStarting {
		p.setState(StateStopping)
	}
	p.mu.Unlock()
}

// StopRequested reports whether a stop has been requested for the
// current run.
func (p *Process) StopRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

// MarkStopped forces the terminal stopped state. Used after a
// termination that could not be fully confirmed, so the entry never
// sticks in stopping.
func (p *Process) MarkStopped(reason string) {
	p.mu.Lock()
	p.status.PID = 0
	if p.status.StoppedAt.IsZero() {
		p.status.StoppedAt = time.Now()
	}
	if reason != "" {
		p.status.LastError = reason
	}
	p.setState(StateStopped)
	p.mu.Unlock()
}

// IncRestarts bumps the restart counter for the next run.
func (p *Process) IncRestarts() int {
	p.mu.Lock()
	p.restarts++
	v := p.restarts
	p.status.Restarts = v
	p.mu.Unlock()
	return v
}

// PID returns the live child pid, or 0.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Process.Pid
	}
	return 0
}

// WaitDoneChan returns the channel closed when the monitor reaps the
// current run, or nil when no run is active.
func (p *Process) WaitDoneChan() chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitDone
}

func (p *Process) closeWaitDone() {
	p.mu.Lock()
	if p.waitDone != nil {
		close(p.waitDone)
		p.waitDone = nil
	}
	p.mu.Unlock()
}

// logf appends a timestamped control line to the ring and the
// persistent log file.
func (p *Process) logf(format string, args ...any) {
	p.mu.Lock()
	fileW := p.fileW
	p.mu.Unlock()
	p.logfTo(fileW, format, args...)
}

func (p *Process) logfTo(fileW io.Writer, format string, args ...any) {
	line := "[" + time.Now().Format("2006-01-02 15:04:05") + "] " + fmt.Sprintf(format, args...)
	p.ring.Append(line)
	if fileW != nil {
		_, _ = io.WriteString(fileW, line+"\n")
	}
}

// exitCode extracts the child's exit code from cmd.Wait's error.
// Abnormal terminations (signals) report -1.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}

// logID returns the filesystem-safe identifier used for the entry's
// persistent log file.
func logID(s Spec) string {
	if s.ID != "" {
		return s.ID
	}
	return s.Name
}
