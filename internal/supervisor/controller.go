package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/combiner-sh/combiner/internal/history"
	"github.com/combiner-sh/combiner/internal/metrics"
	"github.com/combiner-sh/combiner/internal/process"
	"github.com/combiner-sh/combiner/internal/proctree"
)

type ctrlType int

const (
	ctrlStart ctrlType = iota
	ctrlStop
	ctrlRestart
	ctrlUpdateSpec
	ctrlClearLog
	ctrlShutdown
)

// ctrlMsg serializes lifecycle operations onto a controller's single
// goroutine.
type ctrlMsg struct {
	typ   ctrlType
	spec  process.Spec
	reply chan error
}

// restartDelay is the pause before an automatic restart of a crashed
// entry.
const restartDelay = 2 * time.Second

// controller owns the control path and exit monitoring of one entry.
// All lifecycle mutations funnel through its ctrl channel, so ops on
// the same entry never race while different entries stay independent.
type controller struct {
	proc   *process.Process
	ctrl   chan ctrlMsg
	exits  chan process.Status
	grace  time.Duration
	log    *slog.Logger
	sink   history.Sink
	notify func()
}

func newController(spec process.Spec, grace time.Duration, sink history.Sink, notify func(), log *slog.Logger) *controller {
	proc := process.New(spec, nil)
	proc.OnTransition(func(id, name string, from, to process.State) {
		metrics.RecordStateTransition(name, string(from), string(to))
		notify()
	})
	return &controller{
		proc:   proc,
		ctrl:   make(chan ctrlMsg, 16),
		exits:  make(chan process.Status, 1),
		grace:  grace,
		log:    log.With("entry", spec.Name),
		sink:   sink,
		notify: notify,
	}
}

// run is the controller loop. It exits on ctx cancellation or an
// explicit ctrlShutdown, stopping the child either way.
func (c *controller) run(ctx context.Context) {
	var restart *time.Timer
	var restartC <-chan time.Time
	stopRestart := func() {
		if restart != nil {
			restart.Stop()
			restart = nil
			restartC = nil
		}
	}
	for {
		select {
		case <-ctx.Done():
			stopRestart()
			_ = c.stopNow()
			return
		case <-restartC:
			stopRestart()
			c.proc.IncRestarts()
			metrics.IncRestart(c.proc.Spec().Name)
			c.record(history.EventRestart, c.proc.Snapshot(), "automatic restart")
			if err := c.startNow(); err != nil {
				c.log.Warn("automatic restart failed", "error", err)
			}
		case st := <-c.exits:
			if st.State == process.StateCrashed {
				metrics.IncCrash(st.Name)
				c.record(history.EventCrash, st, st.LastError)
				if c.proc.Spec().AutoRestart {
					c.log.Info("scheduling automatic restart", "delay", restartDelay)
					stopRestart()
					restart = time.NewTimer(restartDelay)
					restartC = restart.C
				}
			} else {
				c.record(history.EventStop, st, "")
			}
			c.notify()
		case msg := <-c.ctrl:
			var err error
			switch msg.typ {
			case ctrlStart:
				stopRestart()
				c.proc.UpdateSpec(msg.spec)
				err = c.startNow()
			case ctrlStop:
				stopRestart()
				err = c.stopNow()
			case ctrlRestart:
				stopRestart()
				if err = c.stopNow(); err == nil || errors.Is(err, proctree.ErrTerminationIncomplete) {
					err = c.startNow()
				}
			case ctrlUpdateSpec:
				c.proc.UpdateSpec(msg.spec)
			case ctrlClearLog:
				c.clearLog()
			case ctrlShutdown:
				stopRestart()
				err = c.stopNow()
				if msg.reply != nil {
					msg.reply <- err
				}
				return
			}
			if msg.reply != nil {
				msg.reply <- err
			}
		}
	}
}

// send delivers one control message and waits for the result.
func (c *controller) send(typ ctrlType, spec process.Spec) error {
	reply := make(chan error, 1)
	c.ctrl <- ctrlMsg{typ: typ, spec: spec, reply: reply}
	return <-reply
}

func (c *controller) startNow() error {
	spec := c.proc.Spec()
	if spec.ClearLogOnStart {
		c.clearLog()
	}
	if err := c.proc.Start(); err != nil {
		c.record(history.EventCrash, c.proc.Snapshot(), err.Error())
		c.notify()
		return err
	}
	st := c.proc.Snapshot()
	if st.State != process.StateRunning {
		// redundant start against an already-running entry
		return nil
	}
	metrics.IncStart(spec.Name)
	c.record(history.EventStart, st, "")
	c.notify()
	go func() { c.exits <- c.proc.Monitor() }()
	return nil
}

// stopNow terminates the whole process tree and waits for the monitor
// to reap the child. ErrTerminationIncomplete is surfaced but the
// entry still lands in stopped.
func (c *controller) stopNow() error {
	pid := c.proc.PID()
	if pid == 0 {
		return nil
	}
	c.proc.SetStopping()
	metrics.IncStop(c.proc.Spec().Name)
	termErr := proctree.Terminate(pid, c.grace)
	if errors.Is(termErr, proctree.ErrTerminationIncomplete) {
		metrics.IncTerminationIncomplete(c.proc.Spec().Name)
		c.log.Warn("process tree not fully terminated", "error", termErr)
	}
	if done := c.proc.WaitDoneChan(); done != nil {
		select {
		case <-done:
		case <-time.After(c.grace + 5*time.Second):
			c.proc.MarkStopped("termination incomplete")
		}
	}
	c.notify()
	return termErr
}

func (c *controller) clearLog() {
	c.proc.Ring().Clear()
	spec := c.proc.Spec()
	if path := spec.Log.PathFor(spec.ID); path != "" {
		if err := os.Truncate(path, 0); err != nil && !os.IsNotExist(err) {
			c.log.Warn("truncate log file", "path", path, "error", err)
		}
	}
}

func (c *controller) record(typ history.EventType, st process.Status, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.sink.Send(ctx, history.Event{
		Type:       typ,
		OccurredAt: time.Now(),
		EntryID:    st.ID,
		Name:       st.Name,
		PID:        st.PID,
		ExitCode:   st.ExitCode,
		Detail:     detail,
	})
	if err != nil {
		c.log.Warn("history sink write failed", "error", err)
	}
}
