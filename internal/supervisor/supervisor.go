package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/combiner-sh/combiner/internal/arbiter"
	"github.com/combiner-sh/combiner/internal/command"
	"github.com/combiner-sh/combiner/internal/datadir"
	"github.com/combiner-sh/combiner/internal/history"
	"github.com/combiner-sh/combiner/internal/logger"
	"github.com/combiner-sh/combiner/internal/metrics"
	"github.com/combiner-sh/combiner/internal/process"
	"github.com/combiner-sh/combiner/internal/registry"
	"github.com/combiner-sh/combiner/internal/statefile"
)

// pollInterval is how often the command inbox is drained.
const pollInterval = time.Second

// Options tune a Supervisor beyond what the registry file carries.
type Options struct {
	// AutoStart launches all enabled entries on startup.
	AutoStart bool
	// Logger for the supervisor's own diagnostics.
	Logger *slog.Logger
}

// Supervisor owns one data dir: the registry, one controller per
// entry, the state publisher, and the command inbox. Only a process
// holding the data dir's lock may construct one.
type Supervisor struct {
	dataDir   string
	reg       *registry.Registry
	lock      *arbiter.Lock
	pub       *statefile.Publisher
	inbox     *command.Inbox
	sink      history.Sink
	log       *slog.Logger
	grace     time.Duration
	startedAt time.Time

	mu    sync.Mutex
	ctrls map[string]*controller // by entry id
	order []string               // registry order

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown chan struct{} // closed when a shutdown command arrives
	once     sync.Once
}

// New acquires the data dir lock, loads the registry, and prepares all
// controllers. arbiter.ErrSupervisorRunning means the caller should
// fall back to client mode.
func New(dataDir string, opts Options) (*Supervisor, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, err
	}
	lock, err := arbiter.Acquire(datadir.Lock(dataDir))
	if err != nil {
		return nil, err
	}
	reg, err := registry.Load(datadir.Config(dataDir))
	if err != nil {
		_ = lock.Release()
		return nil, err
	}
	settings := reg.Settings()
	if settings.Log.Dir == "" && settings.Log.Path == "" {
		settings.Log.Dir = datadir.Logs(dataDir)
	}
	if settings.HistoryDSN == "" {
		settings.HistoryDSN = datadir.HistoryDB(dataDir)
	}
	sink, err := history.FromDSN(settings.HistoryDSN)
	if err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("open history store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		dataDir:   dataDir,
		reg:       reg,
		lock:      lock,
		sink:      sink,
		log:       log,
		grace:     settings.Grace,
		startedAt: time.Now(),
		ctrls:     make(map[string]*controller),
		ctx:       ctx,
		cancel:    cancel,
		shutdown:  make(chan struct{}),
	}
	s.pub = statefile.NewPublisher(datadir.State(dataDir), s.collect, log)
	s.pub.OnPublish = func(gen uint64, err error) {
		if err != nil {
			metrics.IncSnapshotFailure()
			return
		}
		metrics.SetSnapshotGeneration(gen)
	}
	s.inbox = command.NewInbox(datadir.Commands(dataDir), s.startedAt, log)
	s.inbox.OnMalformed = func(string) { metrics.IncCommandMalformed() }

	for _, e := range reg.Entries() {
		s.addController(e)
	}
	if opts.AutoStart {
		s.startEnabled()
	}
	return s, nil
}

// addController registers and launches the controller for an entry.
// Caller must not hold s.mu.
func (s *Supervisor) addController(e registry.Entry) {
	spec := s.entrySpec(e)
	c := newController(spec, s.grace, s.sink, s.pub.Notify, s.log)
	s.mu.Lock()
	s.ctrls[e.ID] = c
	s.order = append(s.order, e.ID)
	s.mu.Unlock()
	go c.run(s.ctx)
}

// entrySpec builds the launch spec with the data dir's default log
// destination filled in.
func (s *Supervisor) entrySpec(e registry.Entry) process.Spec {
	spec := s.reg.Spec(e)
	if spec.Log.Dir == "" && spec.Log.Path == "" {
		spec.Log.Dir = datadir.Logs(s.dataDir)
	}
	return spec
}

// Run drives the supervisor until ctx is canceled or a shutdown
// command arrives, then stops every entry and publishes the final
// snapshot.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.Close()

	pubDone := make(chan struct{})
	pubStopped := make(chan struct{})
	go func() {
		s.pub.Run(pubDone)
		close(pubStopped)
	}()

	s.log.Info("supervisor running",
		"data_dir", s.dataDir, "pid", os.Getpid(), "entries", len(s.reg.Entries()))

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-s.shutdown:
			break loop
		case <-ticker.C:
			if _, err := s.inbox.Consume(s.applyCommand); err != nil {
				s.log.Warn("command inbox poll failed", "error", err)
			}
		}
	}

	s.log.Info("supervisor shutting down")
	s.stopAll()
	close(pubDone)
	<-pubStopped
	return nil
}

// Close stops all controllers and releases the data dir. Idempotent.
func (s *Supervisor) Close() {
	s.once.Do(func() {
		s.cancel()
		_ = s.sink.Close()
		_ = s.lock.Release()
	})
}

// controllerFor resolves an entry by id or name.
func (s *Supervisor) controllerFor(target string) (*controller, registry.Entry, error) {
	e, ok := s.reg.Lookup(target)
	if !ok {
		return nil, registry.Entry{}, fmt.Errorf("entry %q not found", target)
	}
	s.mu.Lock()
	c := s.ctrls[e.ID]
	s.mu.Unlock()
	if c == nil {
		return nil, e, fmt.Errorf("entry %q has no controller", target)
	}
	return c, e, nil
}

// applyCommand executes one inbox command. Failures are logged, never
// fatal: a bad command must not take the supervisor down.
func (s *Supervisor) applyCommand(cmd command.Command) {
	s.log.Info("applying command", "command", cmd.String(), "token", cmd.Token)
	metrics.IncCommandApplied(string(cmd.Kind))
	var err error
	switch cmd.Kind {
	case command.KindStart:
		err = s.Start(cmd.Target)
	case command.KindStop:
		err = s.Stop(cmd.Target)
	case command.KindRestart:
		err = s.Restart(cmd.Target)
	case command.KindStartEnabled:
		s.startEnabled()
	case command.KindStopAll:
		s.stopAll()
	case command.KindReload:
		err = s.Reload()
	case command.KindClearLog:
		err = s.ClearLog(cmd.Target)
	case command.KindShutdown:
		s.requestShutdown()
	default:
		err = fmt.Errorf("unknown command kind %q", cmd.Kind)
	}
	if err != nil {
		s.log.Warn("command failed", "command", cmd.String(), "error", err)
	}
	s.pub.Notify()
}

func (s *Supervisor) requestShutdown() {
	select {
	case <-s.shutdown:
	default:
		close(s.shutdown)
	}
}

// Start launches one entry by id or name. Idempotent for a running
// entry.
func (s *Supervisor) Start(target string) error {
	c, e, err := s.controllerFor(target)
	if err != nil {
		return err
	}
	return c.send(ctrlStart, s.entrySpec(e))
}

// Stop terminates one entry's process tree.
func (s *Supervisor) Stop(target string) error {
	c, _, err := s.controllerFor(target)
	if err != nil {
		return err
	}
	return c.send(ctrlStop, process.Spec{})
}

// Restart stops then starts one entry.
func (s *Supervisor) Restart(target string) error {
	c, e, err := s.controllerFor(target)
	if err != nil {
		return err
	}
	if err := c.send(ctrlUpdateSpec, s.entrySpec(e)); err != nil {
		return err
	}
	return c.send(ctrlRestart, process.Spec{})
}

// ClearLog empties one entry's log buffer and truncates its log file.
func (s *Supervisor) ClearLog(target string) error {
	c, _, err := s.controllerFor(target)
	if err != nil {
		return err
	}
	return c.send(ctrlClearLog, process.Spec{})
}

// startEnabled starts every enabled entry. Entries are isolated: one
// failed launch never blocks the others.
func (s *Supervisor) startEnabled() {
	for _, e := range s.reg.Entries() {
		if !e.Enabled {
			continue
		}
		if err := s.Start(e.ID); err != nil {
			s.log.Warn("start failed", "entry", e.Name, "error", err)
		}
	}
}

// stopAll stops every entry concurrently and waits for all of them.
func (s *Supervisor) stopAll() {
	s.mu.Lock()
	ctrls := make([]*controller, 0, len(s.ctrls))
	for _, c := range s.ctrls {
		ctrls = append(ctrls, c)
	}
	s.mu.Unlock()
	var wg sync.WaitGroup
	for _, c := range ctrls {
		wg.Add(1)
		go func(c *controller) {
			defer wg.Done()
			if err := c.send(ctrlStop, process.Spec{}); err != nil {
				s.log.Warn("stop failed", "error", err)
			}
		}(c)
	}
	wg.Wait()
}

// Reload re-reads the registry file: removed entries are stopped and
// dropped, surviving entries get their new spec, new entries gain
// controllers. Running entries keep running; spec changes apply on
// their next start.
func (s *Supervisor) Reload() error {
	removed, current, err := s.reg.Reload()
	if err != nil {
		return err
	}
	for _, e := range removed {
		s.mu.Lock()
		c := s.ctrls[e.ID]
		delete(s.ctrls, e.ID)
		for i, id := range s.order {
			if id == e.ID {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		if c != nil {
			reply := make(chan error, 1)
			c.ctrl <- ctrlMsg{typ: ctrlShutdown, reply: reply}
			if err := <-reply; err != nil {
				s.log.Warn("stop of removed entry failed", "entry", e.Name, "error", err)
			}
		}
		s.log.Info("entry removed", "entry", e.Name)
	}
	for _, e := range current {
		s.mu.Lock()
		c := s.ctrls[e.ID]
		s.mu.Unlock()
		if c == nil {
			s.addController(e)
			s.log.Info("entry added", "entry", e.Name)
			continue
		}
		if err := c.send(ctrlUpdateSpec, s.entrySpec(e)); err != nil {
			s.log.Warn("spec update failed", "entry", e.Name, "error", err)
		}
	}
	s.grace = s.reg.Settings().Grace
	return nil
}

// Statuses returns the per-entry states in registry order.
func (s *Supervisor) Statuses() []statefile.EntryState {
	enabled := make(map[string]bool)
	for _, e := range s.reg.Entries() {
		enabled[e.ID] = e.Enabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]statefile.EntryState, 0, len(s.order))
	for _, id := range s.order {
		c := s.ctrls[id]
		if c == nil {
			continue
		}
		out = append(out, statefile.EntryState{
			Status:  c.proc.Snapshot(),
			Enabled: enabled[id],
			Log:     c.proc.Ring().Snapshot(),
		})
	}
	return out
}

// History exposes the lifecycle event sink for the read-only API.
func (s *Supervisor) History() history.Sink { return s.sink }

// Registry exposes the loaded registry.
func (s *Supervisor) Registry() *registry.Registry { return s.reg }

// collect assembles the snapshot body for the state publisher.
func (s *Supervisor) collect() statefile.Snapshot {
	return statefile.Snapshot{
		SupervisorStart:  s.startedAt,
		RegistryRevision: s.reg.Revision(),
		Entries:          s.Statuses(),
	}
}

// DaemonLogger builds the supervisor's own slog logger for this data
// dir.
func DaemonLogger(dataDir string, level slog.Level, interactive bool) *slog.Logger {
	return logger.NewDaemonLogger(datadir.DaemonLog(dataDir), level, interactive)
}
