package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/combiner-sh/combiner/internal/arbiter"
	"github.com/combiner-sh/combiner/internal/command"
	"github.com/combiner-sh/combiner/internal/datadir"
	"github.com/combiner-sh/combiner/internal/history"
	"github.com/combiner-sh/combiner/internal/process"
	"github.com/combiner-sh/combiner/internal/statefile"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("unix-only test")
	}
}

func writeDataDir(t *testing.T, config string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(datadir.Config(dir), []byte(config), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return dir
}

func newSupervisor(t *testing.T, dir string, opts Options) *Supervisor {
	t.Helper()
	s, err := New(dir, opts)
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func waitEntryState(t *testing.T, s *Supervisor, name string, want process.State, timeout time.Duration) statefile.EntryState {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, e := range s.Statuses() {
			if e.Name == name && e.State == want {
				return e
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("entry %s never reached %s: %+v", name, want, s.Statuses())
	return statefile.EntryState{}
}

const twoEntries = `
[[entries]]
id = "aaaa"
name = "sleeper"
command = "/bin/sh"
args = ["-c", "sleep 30"]
enabled = true

[[entries]]
id = "bbbb"
name = "idle"
command = "/bin/sh"
args = ["-c", "sleep 30"]
enabled = false
`

func TestSecondSupervisorIsRejected(t *testing.T) {
	requireUnix(t)
	dir := writeDataDir(t, twoEntries)
	_ = newSupervisor(t, dir, Options{})

	if _, err := New(dir, Options{}); !errors.Is(err, arbiter.ErrSupervisorRunning) {
		t.Fatalf("err=%v, want ErrSupervisorRunning", err)
	}
}

func TestAutoStartLaunchesOnlyEnabledEntries(t *testing.T) {
	requireUnix(t)
	dir := writeDataDir(t, twoEntries)
	s := newSupervisor(t, dir, Options{AutoStart: true})

	waitEntryState(t, s, "sleeper", process.StateRunning, 3*time.Second)
	for _, e := range s.Statuses() {
		if e.Name == "idle" && e.State != process.StateStopped {
			t.Fatalf("disabled entry launched: %+v", e)
		}
	}
	s.stopAll()
	waitEntryState(t, s, "sleeper", process.StateStopped, 5*time.Second)
}

func TestStartStopRestartByName(t *testing.T) {
	requireUnix(t)
	dir := writeDataDir(t, twoEntries)
	s := newSupervisor(t, dir, Options{})

	if err := s.Start("sleeper"); err != nil {
		t.Fatalf("start: %v", err)
	}
	st := waitEntryState(t, s, "sleeper", process.StateRunning, 3*time.Second)
	firstPID := st.PID

	if err := s.Restart("sleeper"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	st = waitEntryState(t, s, "sleeper", process.StateRunning, 5*time.Second)
	if st.PID == firstPID {
		t.Fatalf("restart kept pid %d", firstPID)
	}

	if err := s.Stop("sleeper"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitEntryState(t, s, "sleeper", process.StateStopped, 5*time.Second)

	if err := s.Start("no-such-entry"); err == nil {
		t.Fatal("expected error for unknown entry")
	}
}

func TestCrashIsClassifiedAndAutorestarted(t *testing.T) {
	requireUnix(t)
	dir := writeDataDir(t, `
[[entries]]
id = "cccc"
name = "flaky"
command = "/bin/sh"
args = ["-c", "exit 7"]
autorestart = true
`)
	s := newSupervisor(t, dir, Options{})

	if err := s.Start("flaky"); err != nil {
		t.Fatalf("start: %v", err)
	}
	st := waitEntryState(t, s, "flaky", process.StateCrashed, 3*time.Second)
	if st.ExitCode != 7 {
		t.Fatalf("exit code=%d, want 7", st.ExitCode)
	}

	// the automatic restart fires after the fixed delay and crashes
	// again with a bumped restart counter
	deadline := time.Now().Add(restartDelay + 3*time.Second)
	for time.Now().Before(deadline) {
		for _, e := range s.Statuses() {
			if e.Name == "flaky" && e.Restarts >= 1 {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("restart counter never advanced: %+v", s.Statuses())
}

func TestStopSuppressesAutorestart(t *testing.T) {
	requireUnix(t)
	dir := writeDataDir(t, `
[[entries]]
id = "dddd"
name = "stubborn"
command = "/bin/sh"
args = ["-c", "sleep 30"]
autorestart = true
`)
	s := newSupervisor(t, dir, Options{})

	if err := s.Start("stubborn"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitEntryState(t, s, "stubborn", process.StateRunning, 3*time.Second)
	if err := s.Stop("stubborn"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitEntryState(t, s, "stubborn", process.StateStopped, 5*time.Second)

	time.Sleep(restartDelay + 500*time.Millisecond)
	for _, e := range s.Statuses() {
		if e.Name == "stubborn" && e.State != process.StateStopped {
			t.Fatalf("stopped entry restarted itself: %+v", e)
		}
	}
}

func TestRunAppliesCommandFiles(t *testing.T) {
	requireUnix(t)
	dir := writeDataDir(t, twoEntries)
	s := newSupervisor(t, dir, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(runDone)
	}()
	defer func() {
		cancel()
		<-runDone
	}()

	if _, err := command.Send(datadir.Commands(dir), command.Command{Kind: command.KindStart, Target: "sleeper"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitEntryState(t, s, "sleeper", process.StateRunning, 5*time.Second)

	// state.json must reflect the running entry
	deadline := time.Now().Add(3 * time.Second)
	for {
		snap, err := statefile.Read(datadir.State(dir))
		if err == nil {
			var found bool
			for _, e := range snap.Entries {
				if e.Name == "sleeper" && e.State == process.StateRunning {
					found = true
				}
			}
			if found {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("state.json never showed the running entry")
		}
		time.Sleep(50 * time.Millisecond)
	}

	if _, err := command.Send(datadir.Commands(dir), command.Command{Kind: command.KindShutdown}); err != nil {
		t.Fatalf("send shutdown: %v", err)
	}
	select {
	case <-runDone:
	case <-time.After(10 * time.Second):
		t.Fatal("run loop did not exit on shutdown command")
	}
	waitEntryState(t, s, "sleeper", process.StateStopped, time.Second)
}

func TestStartUsesSubmittedSpec(t *testing.T) {
	requireUnix(t)
	old := process.Spec{
		ID:      "gggg",
		Name:    "greeter",
		Command: "/bin/sh",
		Args:    []string{"-c", "echo old; sleep 30"},
		Kind:    process.KindBinary,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := newController(old, time.Second, history.NopSink{}, func() {}, log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.run(ctx)
	defer func() { _ = c.send(ctrlStop, process.Spec{}) }()

	updated := old
	updated.Args = []string{"-c", "echo new; sleep 30"}
	if err := c.send(ctrlStart, updated); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		var sawNew bool
		for _, l := range c.proc.Ring().Snapshot() {
			if l == "old" {
				t.Fatal("start ran the stale spec")
			}
			if l == "new" {
				sawNew = true
			}
		}
		if sawNew {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("updated command output never seen: %v", c.proc.Ring().Snapshot())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestReloadStopsRemovedEntries(t *testing.T) {
	requireUnix(t)
	dir := writeDataDir(t, twoEntries)
	s := newSupervisor(t, dir, Options{})

	if err := s.Start("sleeper"); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitEntryState(t, s, "sleeper", process.StateRunning, 3*time.Second)

	next := `
[[entries]]
id = "bbbb"
name = "idle"
command = "/bin/sh"
args = ["-c", "sleep 30"]

[[entries]]
id = "eeee"
name = "fresh"
command = "/bin/sh"
args = ["-c", "sleep 30"]
`
	if err := os.WriteFile(datadir.Config(dir), []byte(next), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	names := map[string]bool{}
	for _, e := range s.Statuses() {
		names[e.Name] = true
	}
	if names["sleeper"] {
		t.Fatalf("removed entry still tracked: %v", names)
	}
	if !names["fresh"] || !names["idle"] {
		t.Fatalf("reloaded entries missing: %v", names)
	}
}

func TestStatusesKeepRegistryOrder(t *testing.T) {
	requireUnix(t)
	dir := writeDataDir(t, twoEntries)
	s := newSupervisor(t, dir, Options{})

	sts := s.Statuses()
	if len(sts) != 2 || sts[0].Name != "sleeper" || sts[1].Name != "idle" {
		t.Fatalf("order wrong: %+v", sts)
	}
}

func TestEntryLogsLandInDataDir(t *testing.T) {
	requireUnix(t)
	dir := writeDataDir(t, `
[[entries]]
id = "ffff"
name = "printer"
command = "/bin/sh"
args = ["-c", "echo hello"]
`)
	s := newSupervisor(t, dir, Options{})

	if err := s.Start("printer"); err != nil {
		t.Fatalf("start: %v", err)
	}
	st := waitEntryState(t, s, "printer", process.StateStopped, 5*time.Second)
	var sawHello bool
	for _, l := range st.Log {
		if l == "hello" {
			sawHello = true
		}
	}
	if !sawHello {
		t.Fatalf("child output missing from log buffer: %v", st.Log)
	}

	logPath := filepath.Join(datadir.Logs(dir), "ffff.log")
	deadline := time.Now().Add(2 * time.Second)
	for {
		if data, err := os.ReadFile(logPath); err == nil && len(data) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("log file %s never written", logPath)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
