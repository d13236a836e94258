package main

import (
	"testing"
)

func TestBuildRootHasAllSubcommands(t *testing.T) {
	root := buildRoot()
	want := []string{
		"run", "list", "status", "logs", "watch",
		"start", "stop", "restart", "start-enabled", "stop-all",
		"clear-log", "enable", "disable", "add", "remove",
		"reload", "history", "shutdown",
	}
	have := map[string]bool{}
	for _, c := range root.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Fatalf("subcommand %s missing", name)
		}
	}
}

func TestDefaultDataDirHonorsEnv(t *testing.T) {
	t.Setenv("COMBINER_DATA_DIR", "/tmp/combiner-test")
	if got := defaultDataDir(); got != "/tmp/combiner-test" {
		t.Fatalf("data dir=%s, want env override", got)
	}
}

func TestLogsRequiresEntryName(t *testing.T) {
	root := buildRoot()
	root.SilenceUsage = true
	root.SilenceErrors = true
	root.SetArgs([]string{"logs"})
	if err := root.Execute(); err == nil {
		t.Fatal("logs without a name must fail")
	}
}
