package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/combiner-sh/combiner/internal/logger"
	"github.com/combiner-sh/combiner/internal/process"
)

// Entry is one managed program as persisted in the registry file.
type Entry struct {
	ID               string   `toml:"id" mapstructure:"id" json:"id"`
	Name             string   `toml:"name" mapstructure:"name" json:"name"`
	Command          string   `toml:"command" mapstructure:"command" json:"command"`
	Args             []string `toml:"args,omitempty" mapstructure:"args" json:"args,omitempty"`
	WorkDir          string   `toml:"workdir,omitempty" mapstructure:"workdir" json:"workdir,omitempty"`
	Env              []string `toml:"env,omitempty" mapstructure:"env" json:"env,omitempty"`
	Enabled          bool     `toml:"enabled" mapstructure:"enabled" json:"enabled"`
	AutoRestart      bool     `toml:"autorestart" mapstructure:"autorestart" json:"autorestart"`
	ClearLogOnStart  bool     `toml:"clear_log_on_start" mapstructure:"clear_log_on_start" json:"clear_log_on_start"`
	SuccessExitCodes []int    `toml:"success_exit_codes,omitempty" mapstructure:"success_exit_codes" json:"success_exit_codes,omitempty"`
}

// Settings holds supervisor-wide options from the registry file's
// top-level tables.
type Settings struct {
	Env        []string      `toml:"env,omitempty" mapstructure:"env"`
	Log        logger.Config `toml:"log" mapstructure:"log"`
	Grace      time.Duration `toml:"grace" mapstructure:"grace"`
	HistoryDSN string        `toml:"history_dsn,omitempty" mapstructure:"history_dsn"`
	Listen     string        `toml:"listen,omitempty" mapstructure:"listen"`
}

// fileConfig is the top-level TOML structure of config.toml.
type fileConfig struct {
	Env        []string      `toml:"env,omitempty" mapstructure:"env"`
	Log        logger.Config `toml:"log" mapstructure:"log"`
	Grace      time.Duration `toml:"grace,omitempty" mapstructure:"grace"`
	HistoryDSN string        `toml:"history_dsn,omitempty" mapstructure:"history_dsn"`
	Listen     string        `toml:"listen,omitempty" mapstructure:"listen"`
	Entries    []Entry       `toml:"entries" mapstructure:"entries"`
}

const DefaultGrace = 3 * time.Second

// Registry is the in-memory view of the registry file. Entries keep
// their file order. Every mutation bumps the revision so snapshot
// readers can tell registry generations apart.
type Registry struct {
	mu       sync.Mutex
	path     string
	settings Settings
	entries  []Entry
	revision uint64
}

// Load reads the registry file at path. A missing file yields an empty
// registry so a fresh data dir works out of the box. Entries without an
// ID get one assigned and persisted immediately.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path, settings: Settings{Grace: DefaultGrace}}
	fc, err := readFile(path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, err
	}
	if err := validate(fc.Entries); err != nil {
		return nil, fmt.Errorf("registry %s: %w", path, err)
	}
	r.settings = Settings{
		Env:        fc.Env,
		Log:        fc.Log,
		Grace:      fc.Grace,
		HistoryDSN: fc.HistoryDSN,
		Listen:     fc.Listen,
	}
	if r.settings.Grace <= 0 {
		r.settings.Grace = DefaultGrace
	}
	r.entries = fc.Entries
	if assignIDs(r.entries) {
		if err := r.save(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func readFile(path string) (*fileConfig, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}
	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", path, err)
	}
	return &fc, nil
}

func validate(entries []Entry) error {
	ids := make(map[string]string, len(entries))
	names := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.Name == "" {
			return fmt.Errorf("entry with empty name")
		}
		if _, dup := names[e.Name]; dup {
			return fmt.Errorf("duplicate entry name %q", e.Name)
		}
		names[e.Name] = struct{}{}
		if e.ID == "" {
			continue
		}
		if prev, dup := ids[e.ID]; dup {
			return fmt.Errorf("duplicate entry id %q (%s, %s)", e.ID, prev, e.Name)
		}
		ids[e.ID] = e.Name
	}
	return nil
}

func assignIDs(entries []Entry) bool {
	changed := false
	for i := range entries {
		if entries[i].ID == "" {
			entries[i].ID = newID()
			changed = true
		}
	}
	return changed
}

func newID() string {
	u := uuid.New()
	return fmt.Sprintf("%x", u[:])
}

// Path returns the registry file location.
func (r *Registry) Path() string { return r.path }

// Settings returns a copy of the supervisor-wide options.
func (r *Registry) Settings() Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings
}

// Revision returns the current registry generation.
func (r *Registry) Revision() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.revision
}

// Entries returns the entries in file order.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Lookup finds an entry by id first, then by name.
func (r *Registry) Lookup(idOrName string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.ID == idOrName {
			return e, true
		}
	}
	for _, e := range r.entries {
		if e.Name == idOrName {
			return e, true
		}
	}
	return Entry{}, false
}

// Add appends a new entry, assigns its ID, and persists the file.
func (r *Registry) Add(e Entry) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.Name == "" {
		return Entry{}, fmt.Errorf("entry name is required")
	}
	for _, cur := range r.entries {
		if cur.Name == e.Name {
			return Entry{}, fmt.Errorf("entry %q already exists", e.Name)
		}
	}
	if e.ID == "" {
		e.ID = newID()
	}
	r.entries = append(r.entries, e)
	r.revision++
	if err := r.save(); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Remove deletes the entry matching idOrName and persists the file.
func (r *Registry) Remove(idOrName string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.ID == idOrName || e.Name == idOrName {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			r.revision++
			if err := r.save(); err != nil {
				return Entry{}, err
			}
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("entry %q not found", idOrName)
}

// SetEnabled flips the enabled flag and persists the file.
func (r *Registry) SetEnabled(idOrName string, enabled bool) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		if r.entries[i].ID == idOrName || r.entries[i].Name == idOrName {
			r.entries[i].Enabled = enabled
			r.revision++
			if err := r.save(); err != nil {
				return Entry{}, err
			}
			return r.entries[i], nil
		}
	}
	return Entry{}, fmt.Errorf("entry %q not found", idOrName)
}

// Reload re-reads the registry file and replaces the in-memory view.
// Returns the entries that disappeared and those added or changed.
func (r *Registry) Reload() (removed []Entry, current []Entry, err error) {
	fc, err := readFile(r.path)
	if os.IsNotExist(err) {
		fc = &fileConfig{}
		err = nil
	}
	if err != nil {
		return nil, nil, err
	}
	if err := validate(fc.Entries); err != nil {
		return nil, nil, fmt.Errorf("registry %s: %w", r.path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Hand-edited files often omit the id line. Carry the old id over by
	// name so a surviving entry keeps its identity across reloads instead
	// of being reported as removed.
	prior := make(map[string]string, len(r.entries))
	for _, old := range r.entries {
		prior[old.Name] = old.ID
	}
	taken := make(map[string]struct{}, len(fc.Entries))
	for _, e := range fc.Entries {
		if e.ID != "" {
			taken[e.ID] = struct{}{}
		}
	}
	changed := false
	for i := range fc.Entries {
		if fc.Entries[i].ID != "" {
			continue
		}
		if id, ok := prior[fc.Entries[i].Name]; ok {
			if _, dup := taken[id]; !dup {
				fc.Entries[i].ID = id
				taken[id] = struct{}{}
				changed = true
			}
		}
	}
	if assignIDs(fc.Entries) {
		changed = true
	}
	next := make(map[string]struct{}, len(fc.Entries))
	for _, e := range fc.Entries {
		next[e.ID] = struct{}{}
	}
	for _, old := range r.entries {
		if _, ok := next[old.ID]; !ok {
			removed = append(removed, old)
		}
	}
	r.entries = fc.Entries
	r.settings = Settings{
		Env:        fc.Env,
		Log:        fc.Log,
		Grace:      fc.Grace,
		HistoryDSN: fc.HistoryDSN,
		Listen:     fc.Listen,
	}
	if r.settings.Grace <= 0 {
		r.settings.Grace = DefaultGrace
	}
	r.revision++
	if changed {
		if err := r.save(); err != nil {
			return nil, nil, err
		}
	}
	return removed, append([]Entry(nil), r.entries...), nil
}

// Spec builds the launch spec for an entry, applying supervisor-wide
// defaults for env and file logging.
func (r *Registry) Spec(e Entry) process.Spec {
	r.mu.Lock()
	s := r.settings
	r.mu.Unlock()
	return process.Spec{
		ID:               e.ID,
		Name:             e.Name,
		Command:          e.Command,
		Args:             append([]string(nil), e.Args...),
		Kind:             process.DetectKind(e.Command),
		WorkDir:          e.WorkDir,
		Env:              append(append([]string(nil), s.Env...), e.Env...),
		SuccessExitCodes: append([]int(nil), e.SuccessExitCodes...),
		AutoRestart:      e.AutoRestart,
		ClearLogOnStart:  e.ClearLogOnStart,
		Log:              s.Log,
	}
}

// save writes the registry file atomically: full marshal to a temp file
// in the same directory, fsync, then rename. Caller holds the lock.
func (r *Registry) save() error {
	fc := fileConfig{
		Env:        r.settings.Env,
		Log:        r.settings.Log,
		Grace:      r.settings.Grace,
		HistoryDSN: r.settings.HistoryDSN,
		Listen:     r.settings.Listen,
		Entries:    r.entries,
	}
	data, err := toml.Marshal(fc)
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	return atomicWrite(r.path, data)
}

// Save persists the current in-memory registry.
func (r *Registry) Save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.save()
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
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
