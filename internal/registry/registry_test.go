package registry

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadPreservesOrderAndAssignsIDs(t *testing.T) {
	path := writeConfig(t, `
[[entries]]
name = "alpha"
command = "alpha.py"
enabled = true

[[entries]]
id = "deadbeef"
name = "beta"
command = "beta.sh"
`)
	r, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	entries := r.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries=%d, want 2", len(entries))
	}
	if entries[0].Name != "alpha" || entries[1].Name != "beta" {
		t.Fatalf("order not preserved: %v", entries)
	}
	if entries[0].ID == "" {
		t.Fatal("missing id was not assigned")
	}
	if entries[1].ID != "deadbeef" {
		t.Fatalf("existing id rewritten: %s", entries[1].ID)
	}

	// the assigned id must have been persisted
	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := again.Entries()[0].ID; got != entries[0].ID {
		t.Fatalf("persisted id=%s, want %s", got, entries[0].ID)
	}
}

func TestLoadRejectsDuplicateIDs(t *testing.T) {
	path := writeConfig(t, `
[[entries]]
id = "same"
name = "a"
command = "a"

[[entries]]
id = "same"
name = "b"
command = "b"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestLoadMissingFileYieldsEmptyRegistry(t *testing.T) {
	r, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(r.Entries()) != 0 {
		t.Fatalf("expected empty registry, got %v", r.Entries())
	}
	if r.Settings().Grace != DefaultGrace {
		t.Fatalf("grace=%v, want default", r.Settings().Grace)
	}
}

func TestAddRemoveSetEnabledPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	r, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	e, err := r.Add(Entry{Name: "web", Command: "serve.py", Enabled: true})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if e.ID == "" {
		t.Fatal("add did not assign an id")
	}
	if _, err := r.Add(Entry{Name: "web", Command: "other"}); err == nil {
		t.Fatal("expected duplicate name rejection")
	}
	rev := r.Revision()

	if _, err := r.SetEnabled("web", false); err != nil {
		t.Fatalf("set enabled: %v", err)
	}
	if r.Revision() <= rev {
		t.Fatal("revision did not advance on mutation")
	}

	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, ok := again.Lookup(e.ID)
	if !ok {
		t.Fatal("entry not persisted")
	}
	if got.Enabled {
		t.Fatal("enabled flag not persisted")
	}

	if _, err := again.Remove("web"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	final, err := Load(path)
	if err != nil {
		t.Fatalf("reload after remove: %v", err)
	}
	if len(final.Entries()) != 0 {
		t.Fatalf("remove not persisted: %v", final.Entries())
	}
}

func TestReloadReportsRemovedEntries(t *testing.T) {
	path := writeConfig(t, `
[[entries]]
id = "keep"
name = "keep"
command = "keep"

[[entries]]
id = "gone"
name = "gone"
command = "gone"
`)
	r, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	next := `
[[entries]]
id = "keep"
name = "keep"
command = "keep-changed"
`
	if err := os.WriteFile(path, []byte(next), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	removed, current, err := r.Reload()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(removed) != 1 || removed[0].ID != "gone" {
		t.Fatalf("removed=%v, want [gone]", removed)
	}
	if len(current) != 1 || current[0].Command != "keep-changed" {
		t.Fatalf("current=%v", current)
	}
}

func TestReloadKeepsIdentityOfHandEditedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	r, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	// a hand-written entry without an id line
	idless := `
[[entries]]
name = "web"
command = "serve.py"
enabled = true
`
	if err := os.WriteFile(path, []byte(idless), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	removed, current, err := r.Reload()
	if err != nil {
		t.Fatalf("first reload: %v", err)
	}
	if len(removed) != 0 {
		t.Fatalf("first reload removed=%v, want none", removed)
	}
	id := current[0].ID
	if id == "" {
		t.Fatal("reload did not assign an id")
	}

	// the assigned id must land in the file
	persisted, err := Load(path)
	if err != nil {
		t.Fatalf("load persisted: %v", err)
	}
	if got := persisted.Entries()[0].ID; got != id {
		t.Fatalf("persisted id=%q, want %q", got, id)
	}

	// another hand edit dropping the id line again: the entry keeps its
	// identity and is not reported as removed
	if err := os.WriteFile(path, []byte(idless), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	removed, current, err = r.Reload()
	if err != nil {
		t.Fatalf("second reload: %v", err)
	}
	if len(removed) != 0 {
		t.Fatalf("second reload removed=%v, want none", removed)
	}
	if current[0].ID != id {
		t.Fatalf("id churned across reloads: %q -> %q", id, current[0].ID)
	}
}

func TestSpecAppliesGlobalDefaults(t *testing.T) {
	path := writeConfig(t, `
env = ["GLOBAL=1"]

[log]
dir = "/tmp/logs"

[[entries]]
id = "x"
name = "x"
command = "worker.py"
env = ["LOCAL=2"]
`)
	r, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	e, _ := r.Lookup("x")
	spec := r.Spec(e)
	if len(spec.Env) != 2 || spec.Env[0] != "GLOBAL=1" || spec.Env[1] != "LOCAL=2" {
		t.Fatalf("env merge wrong: %v", spec.Env)
	}
	if spec.Log.Dir != "/tmp/logs" {
		t.Fatalf("log dir not inherited: %q", spec.Log.Dir)
	}
	if spec.Kind != "script" {
		t.Fatalf("kind=%s, want script", spec.Kind)
	}
}
