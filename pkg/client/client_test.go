package client

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/combiner-sh/combiner/internal/command"
	"github.com/combiner-sh/combiner/internal/datadir"
	"github.com/combiner-sh/combiner/internal/statefile"
)

func writeSnap(t *testing.T, dir string, snap statefile.Snapshot) {
	t.Helper()
	pub := statefile.NewPublisher(datadir.State(dir), func() statefile.Snapshot { return snap }, nil)
	pub.Publish()
}

func TestLiveSnapshotClassification(t *testing.T) {
	dir := t.TempDir()
	c := New(dir)

	if _, err := c.LiveSnapshot(); !errors.Is(err, ErrSupervisorUnreachable) {
		t.Fatalf("missing file err=%v, want ErrSupervisorUnreachable", err)
	}

	writeSnap(t, dir, statefile.Snapshot{})
	if _, err := c.LiveSnapshot(); err != nil {
		t.Fatalf("fresh snapshot rejected: %v", err)
	}

	// age the snapshot past the heartbeat window
	staleAt := time.Now().Add(-time.Minute)
	raw := `{"generation":9,"updated_at":"` + staleAt.Format(time.RFC3339Nano) + `","supervisor_pid":1}`
	if err := os.WriteFile(datadir.State(dir), []byte(raw), 0o644); err != nil {
		t.Fatalf("write stale: %v", err)
	}
	_, err := c.LiveSnapshot()
	if !errors.Is(err, ErrSupervisorUnreachable) {
		t.Fatalf("stale snapshot err=%v, want ErrSupervisorUnreachable", err)
	}
}

func TestSendRequiresLiveSupervisor(t *testing.T) {
	dir := t.TempDir()
	c := New(dir)

	if err := c.Send(command.KindStart, "web"); !errors.Is(err, ErrSupervisorUnreachable) {
		t.Fatalf("err=%v, want ErrSupervisorUnreachable", err)
	}

	writeSnap(t, dir, statefile.Snapshot{})
	if err := c.Send(command.KindStart, "web"); err != nil {
		t.Fatalf("send: %v", err)
	}
	entries, err := os.ReadDir(datadir.Commands(dir))
	if err != nil || len(entries) != 1 {
		t.Fatalf("command file not written: %v %v", entries, err)
	}
	if filepath.Ext(entries[0].Name()) != ".json" {
		t.Fatalf("unexpected command file name %s", entries[0].Name())
	}
}

func TestWatchDeliversRepublishedSnapshots(t *testing.T) {
	dir := t.TempDir()
	c := New(dir)

	var gen uint64
	pub := statefile.NewPublisher(datadir.State(dir), func() statefile.Snapshot { return statefile.Snapshot{} }, nil)
	pub.Publish()
	gen = 1

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snaps := make(chan statefile.Snapshot, 8)
	watchErr := make(chan error, 1)
	go func() { watchErr <- c.Watch(ctx, snaps) }()

	// initial delivery
	select {
	case snap := <-snaps:
		if snap.Generation != gen {
			t.Fatalf("initial generation=%d, want %d", snap.Generation, gen)
		}
	case <-ctx.Done():
		t.Fatal("no initial snapshot delivered")
	}

	pub.Publish()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case snap := <-snaps:
			if snap.Generation >= 2 {
				cancel()
				<-watchErr
				return
			}
		case <-deadline:
			t.Fatal("republished snapshot never delivered")
		}
	}
}
