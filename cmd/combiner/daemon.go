package main

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// daemonEnv marks the re-executed child so it knows not to detach
// again.
const daemonEnv = "COMBINER_HEADLESS_CHILD"

func isDaemonChild() bool { return os.Getenv(daemonEnv) == "1" }

// daemonize re-executes the current invocation in a new session,
// detached from the terminal, and exits the parent. The child keeps
// all flags except that it skips this path via the env marker.
func daemonize(dataDir string) error {
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	// #nosec G204 -- re-exec of our own binary with our own args
	cmd := exec.Command(executable, os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonEnv+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start headless supervisor: %w", err)
	}
	fmt.Printf("supervisor running headless with pid %d (data dir %s)\n", cmd.Process.Pid, dataDir)
	// the child is on its own now; don't wait for it
	return cmd.Process.Release()
}
