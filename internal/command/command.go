package command

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind enumerates the actions a client may request.
type Kind string

const (
	KindStart        Kind = "start"
	KindStop         Kind = "stop"
	KindRestart      Kind = "restart"
	KindStartEnabled Kind = "start_enabled"
	KindStopAll      Kind = "stop_all"
	KindReload       Kind = "reload"
	KindClearLog     Kind = "clear_log"
	KindShutdown     Kind = "shutdown"
)

// StaleWindow: commands issued earlier than this before the supervisor
// started belong to a previous run and are discarded unapplied.
const StaleWindow = 2 * time.Second

// Command is one client request. Token makes every command unique so a
// retried send never aliases an earlier one.
type Command struct {
	Token    string    `json:"token"`
	Kind     Kind      `json:"kind"`
	Target   string    `json:"target,omitempty"`
	IssuedAt time.Time `json:"issued_at"`
}

func (c Command) String() string {
	if c.Target != "" {
		return fmt.Sprintf("%s(%s)", c.Kind, c.Target)
	}
	return string(c.Kind)
}

// Send writes cmd into dir atomically: a hidden temp file first, then a
// rename to its final cmd-*.json name, so the supervisor never reads a
// partial command. The file name embeds the issue time so lexical order
// is issuance order.
func Send(dir string, cmd Command) (string, error) {
	if cmd.Kind == "" {
		return "", fmt.Errorf("command kind is required")
	}
	if cmd.Token == "" {
		cmd.Token = uuid.NewString()
	}
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = time.Now()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("marshal command: %w", err)
	}
	name := fmt.Sprintf("cmd-%020d-%s.json", cmd.IssuedAt.UnixNano(), cmd.Token)
	tmp, err := os.CreateTemp(dir, ".cmd-*.tmp")
	if err != nil {
		return "", err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	final := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", err
	}
	return final, nil
}

// Inbox drains the command directory on behalf of the supervisor.
// Exactly one Inbox exists per data dir; the mode lock guarantees a
// single consumer.
type Inbox struct {
	dir    string
	cutoff time.Time
	log    *slog.Logger

	// OnMalformed, when set, observes every poison file removal.
	OnMalformed func(name string)
}

// NewInbox creates an inbox over dir. startedAt anchors the stale
// window: commands issued more than StaleWindow before it are leftovers
// from a previous supervisor run.
func NewInbox(dir string, startedAt time.Time, log *slog.Logger) *Inbox {
	if log == nil {
		log = slog.Default()
	}
	return &Inbox{dir: dir, cutoff: startedAt.Add(-StaleWindow), log: log}
}

// Consume applies every pending command in deterministic order and
// returns how many were applied. Each file is deleted once handled:
// applied, stale, or unparseable alike, so no command is applied twice
// and a poison file never wedges the loop.
func (i *Inbox) Consume(apply func(Command)) (int, error) {
	names, err := i.pending()
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, name := range names {
		path := filepath.Join(i.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return applied, err
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.Kind == "" {
			i.log.Warn("discarding malformed command file", "file", name, "error", err)
			if i.OnMalformed != nil {
				i.OnMalformed(name)
			}
			_ = os.Remove(path)
			continue
		}
		if cmd.IssuedAt.Before(i.cutoff) {
			i.log.Debug("discarding stale command", "file", name, "issued_at", cmd.IssuedAt)
			_ = os.Remove(path)
			continue
		}
		apply(cmd)
		applied++
		_ = os.Remove(path)
	}
	return applied, nil
}

// pending lists command files in lexical order, which by construction
// is issuance order.
func (i *Inbox) pending() ([]string, error) {
	entries, err := os.ReadDir(i.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n := e.Name()
		if strings.HasPrefix(n, "cmd-") && strings.HasSuffix(n, ".json") {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names, nil
}
