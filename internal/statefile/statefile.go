package statefile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/combiner-sh/combiner/internal/process"
)

const (
	// DefaultInterval is the heartbeat cadence: the snapshot is
	// republished at least this often even with no state change.
	DefaultInterval = time.Second
	// DefaultDebounce coalesces bursts of change notifications into
	// one write.
	DefaultDebounce = 200 * time.Millisecond
	// staleFactor: a snapshot older than staleFactor*interval means
	// the supervisor is gone or wedged.
	staleFactor = 3
)

// EntryState is one entry's slice of the published snapshot: its
// runtime status plus the tail of its log buffer.
type EntryState struct {
	process.Status
	Enabled bool     `json:"enabled"`
	Log     []string `json:"log,omitempty"`
}

// Snapshot is the full supervisor state as written to state.json.
// Generation increases by exactly one per publish.
type Snapshot struct {
	Generation       uint64       `json:"generation"`
	UpdatedAt        time.Time    `json:"updated_at"`
	SupervisorPID    int          `json:"supervisor_pid"`
	SupervisorStart  time.Time    `json:"supervisor_started_at"`
	RegistryRevision uint64       `json:"registry_revision"`
	Entries          []EntryState `json:"entries"`
}

// Publisher writes snapshots atomically (temp file in the same
// directory, then rename) so readers never observe a torn file.
type Publisher struct {
	path     string
	interval time.Duration
	debounce time.Duration
	collect  func() Snapshot
	log      *slog.Logger

	gen    uint64
	notify chan struct{}

	// OnPublish, when set, observes every publish attempt.
	OnPublish func(gen uint64, err error)
}

// NewPublisher creates a publisher for path. collect builds the
// snapshot body; the publisher stamps generation and timestamps.
func NewPublisher(path string, collect func() Snapshot, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		path:     path,
		interval: DefaultInterval,
		debounce: DefaultDebounce,
		collect:  collect,
		log:      log,
		notify:   make(chan struct{}, 1),
	}
}

// Notify requests an early publish after the debounce window. Safe
// from any goroutine; redundant notifications coalesce.
func (p *Publisher) Notify() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Run publishes until ctx is done: immediately on start, on heartbeat
// ticks, and debounced after notifications. It writes one final
// snapshot on shutdown so readers see the terminal state.
func (p *Publisher) Run(done <-chan struct{}) {
	p.Publish()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case <-done:
			p.Publish()
			return
		case <-ticker.C:
			p.Publish()
		case <-p.notify:
			debounce.Reset(p.debounce)
		case <-debounce.C:
			p.Publish()
			ticker.Reset(p.interval)
		}
	}
}

// Publish collects and writes one snapshot. A failed write is logged
// and retried on the next cycle; the generation is not consumed.
func (p *Publisher) Publish() {
	snap := p.collect()
	snap.Generation = p.gen + 1
	snap.UpdatedAt = time.Now()
	snap.SupervisorPID = os.Getpid()
	err := writeSnapshot(p.path, snap)
	if err != nil {
		p.log.Warn("state publish failed", "path", p.path, "error", err)
	} else {
		p.gen++
	}
	if p.OnPublish != nil {
		p.OnPublish(p.gen, err)
	}
}

// Generation returns the last successfully published generation.
func (p *Publisher) Generation() uint64 { return p.gen }

func writeSnapshot(path string, snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Read loads the snapshot at path.
func Read(path string) (Snapshot, error) {
	var snap Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	return snap, nil
}

// Fresh reports whether the snapshot is recent enough to indicate a
// live supervisor.
func Fresh(snap Snapshot, now time.Time) bool {
	if snap.UpdatedAt.IsZero() {
		return false
	}
	return now.Sub(snap.UpdatedAt) <= staleFactor*DefaultInterval
}
