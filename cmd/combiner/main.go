package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot assembles the root command and all subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	runFlags := &RunFlags{}
	addFlags := &AddFlags{}
	logsFlags := &LogsFlags{}
	historyFlags := &HistoryFlags{}

	c := cli{flags: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(c, runFlags),
		createListCommand(c),
		createStatusCommand(c),
		createLogsCommand(c, logsFlags),
		createWatchCommand(c),
		createStartCommand(c),
		createStopCommand(c),
		createRestartCommand(c),
		createStartEnabledCommand(c),
		createStopAllCommand(c),
		createClearLogCommand(c),
		createEnableCommand(c),
		createDisableCommand(c),
		createAddCommand(c, addFlags),
		createRemoveCommand(c),
		createReloadCommand(c),
		createHistoryCommand(c, historyFlags),
		createShutdownCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "combiner",
		Short: "Launcher and supervisor for a registry of long-running programs",
		Long: `Combiner supervises the programs registered in a data directory and
publishes their state for other combiner invocations to read.

The first invocation holding the data dir's lock becomes the
supervisor; every other invocation is a read-only client that inspects
published state and sends commands through the file-based channel.

Examples:
  combiner run --autostart            # become the supervisor
  combiner run --headless             # supervise detached from the terminal
  combiner list                       # show all entries
  combiner start web                  # ask the supervisor to start "web"
  combiner logs web --lines 100       # tail of one entry's output`,
	}
	root.PersistentFlags().StringVar(&flags.DataDir, "data-dir", defaultDataDir(), "data directory (registry, state, logs)")
	root.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "debug logging")
	return root
}

func defaultDataDir() string {
	if v := os.Getenv("COMBINER_DATA_DIR"); v != "" {
		return v
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return ".combiner"
	}
	return filepath.Join(base, "combiner")
}
