// Package client is the read-only side of a combiner data dir: it
// loads published state snapshots, classifies supervisor liveness, and
// drops command files for the supervisor to apply.
package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/combiner-sh/combiner/internal/command"
	"github.com/combiner-sh/combiner/internal/datadir"
	"github.com/combiner-sh/combiner/internal/statefile"
)

// ErrSupervisorUnreachable means no live supervisor serves the data
// dir: the snapshot is missing or its heartbeat went stale.
var ErrSupervisorUnreachable = errors.New("no live supervisor for this data dir")

// Client reads one data dir.
type Client struct {
	dataDir string
}

func New(dataDir string) *Client { return &Client{dataDir: dataDir} }

// Snapshot loads the current state snapshot regardless of freshness.
func (c *Client) Snapshot() (statefile.Snapshot, error) {
	return statefile.Read(datadir.State(c.dataDir))
}

// LiveSnapshot loads the snapshot and requires a fresh heartbeat.
func (c *Client) LiveSnapshot() (statefile.Snapshot, error) {
	snap, err := c.Snapshot()
	if os.IsNotExist(err) {
		return snap, fmt.Errorf("%w: no state file at %s", ErrSupervisorUnreachable, datadir.State(c.dataDir))
	}
	if err != nil {
		return snap, err
	}
	if !statefile.Fresh(snap, time.Now()) {
		return snap, fmt.Errorf("%w: snapshot stale since %s", ErrSupervisorUnreachable, snap.UpdatedAt.Format(time.RFC3339))
	}
	return snap, nil
}

// Send drops one command into the inbox. The supervisor picks it up on
// its next poll; there is no reply channel, clients observe effects
// through subsequent snapshots.
func (c *Client) Send(kind command.Kind, target string) error {
	if _, err := c.LiveSnapshot(); err != nil {
		return err
	}
	_, err := command.Send(datadir.Commands(c.dataDir), command.Command{Kind: kind, Target: target})
	return err
}

// Watch delivers a snapshot whenever state.json is republished, until
// ctx is done. The initial snapshot, if present, is delivered first.
func (c *Client) Watch(ctx context.Context, snaps chan<- statefile.Snapshot) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	// watch the directory: the publisher replaces state.json by
	// rename, which would drop a watch on the file itself
	if err := w.Add(c.dataDir); err != nil {
		return err
	}

	if snap, err := c.Snapshot(); err == nil {
		select {
		case snaps <- snap:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	target := filepath.Base(datadir.State(c.dataDir))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
				continue
			}
			snap, err := c.Snapshot()
			if err != nil {
				continue
			}
			select {
			case snaps <- snap:
			case <-ctx.Done():
				return ctx.Err()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}
