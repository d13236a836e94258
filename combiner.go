// Package combiner supervises a registry of long-running programs in
// one data directory and publishes their state for read-only clients.
package combiner

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/combiner-sh/combiner/internal/command"
	"github.com/combiner-sh/combiner/internal/datadir"
	"github.com/combiner-sh/combiner/internal/history"
	"github.com/combiner-sh/combiner/internal/metrics"
	"github.com/combiner-sh/combiner/internal/process"
	"github.com/combiner-sh/combiner/internal/registry"
	"github.com/combiner-sh/combiner/internal/server"
	"github.com/combiner-sh/combiner/internal/statefile"
	"github.com/combiner-sh/combiner/internal/supervisor"
	"github.com/combiner-sh/combiner/pkg/client"
)

// Re-export the types external consumers need. Aliases keep the
// conversions zero-cost.

type Spec = process.Spec

type Status = process.Status

type Entry = registry.Entry

type Snapshot = statefile.Snapshot

type EntryState = statefile.EntryState

type CommandKind = command.Kind

type HistoryEvent = history.Event

// Command kinds accepted by Client.Send.
const (
	CmdStart        = command.KindStart
	CmdStop         = command.KindStop
	CmdRestart      = command.KindRestart
	CmdStartEnabled = command.KindStartEnabled
	CmdStopAll      = command.KindStopAll
	CmdReload       = command.KindReload
	CmdClearLog     = command.KindClearLog
	CmdShutdown     = command.KindShutdown
)

// Supervisor is a thin facade over internal/supervisor for embedding.
type Supervisor struct{ inner *supervisor.Supervisor }

// SupervisorOptions mirror the run command's knobs.
type SupervisorOptions struct {
	AutoStart bool
	Logger    *slog.Logger
}

// NewSupervisor acquires the data dir and prepares all controllers.
// arbiter contention surfaces as an error; use NewClient then.
func NewSupervisor(dataDir string, opts SupervisorOptions) (*Supervisor, error) {
	inner, err := supervisor.New(dataDir, supervisor.Options{
		AutoStart: opts.AutoStart,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &Supervisor{inner: inner}, nil
}

func (s *Supervisor) Run(ctx context.Context) error { return s.inner.Run(ctx) }
func (s *Supervisor) Close()                        { s.inner.Close() }
func (s *Supervisor) Start(target string) error     { return s.inner.Start(target) }
func (s *Supervisor) Stop(target string) error      { return s.inner.Stop(target) }
func (s *Supervisor) Restart(target string) error   { return s.inner.Restart(target) }
func (s *Supervisor) Reload() error                 { return s.inner.Reload() }
func (s *Supervisor) Statuses() []EntryState        { return s.inner.Statuses() }

// Serve mounts the read-only HTTP API on addr.
func (s *Supervisor) Serve(addr string) *http.Server {
	return server.NewServer(addr, s.inner)
}

// Client re-exports the read-only data dir client.
type Client = client.Client

func NewClient(dataDir string) *Client { return client.New(dataDir) }

// ConfigPath returns the registry file location inside a data dir.
func ConfigPath(dataDir string) string { return datadir.Config(dataDir) }

// RegisterMetrics registers all collectors with r, typically
// prometheus.DefaultRegisterer.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
