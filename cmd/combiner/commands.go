package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/combiner-sh/combiner/internal/command"
	"github.com/combiner-sh/combiner/internal/datadir"
	"github.com/combiner-sh/combiner/internal/history"
	"github.com/combiner-sh/combiner/internal/registry"
	"github.com/combiner-sh/combiner/internal/statefile"
	"github.com/combiner-sh/combiner/pkg/client"
)

// cli carries the shared flags into every subcommand implementation.
type cli struct {
	flags *GlobalFlags
}

func (c cli) client() *client.Client { return client.New(c.flags.DataDir) }

func (c cli) registry() (*registry.Registry, error) {
	return registry.Load(datadir.Config(c.flags.DataDir))
}

// sendOrExplain delivers a command or tells the user why it cannot be
// delivered.
func (c cli) sendOrExplain(kind command.Kind, target string) error {
	if err := c.client().Send(kind, target); err != nil {
		if errors.Is(err, client.ErrSupervisorUnreachable) {
			return fmt.Errorf("%v\nstart one with: combiner run", err)
		}
		return err
	}
	fmt.Printf("sent %s\n", command.Command{Kind: kind, Target: target}.String())
	return nil
}

// reloadIfRunning asks a live supervisor to pick up a registry edit.
// Without a supervisor the edit alone is enough; the next one loads it.
func (c cli) reloadIfRunning() {
	if err := c.client().Send(command.KindReload, ""); err == nil {
		fmt.Println("sent reload")
	}
}

func createListCommand(c cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List entries and their states",
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := c.client().LiveSnapshot()
			if err != nil {
				if errors.Is(err, client.ErrSupervisorUnreachable) {
					return c.listFromRegistry(err)
				}
				return err
			}
			printEntries(snap.Entries)
			return nil
		},
	}
}

// listFromRegistry falls back to the registry file when no supervisor
// is publishing state.
func (c cli) listFromRegistry(cause error) error {
	reg, err := c.registry()
	if err != nil {
		return err
	}
	fmt.Printf("%v\n\n", cause)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tENABLED\tCOMMAND")
	for _, e := range reg.Entries() {
		_, _ = fmt.Fprintf(w, "%s\t%v\t%s\n", e.Name, e.Enabled, e.Command)
	}
	return w.Flush()
}

func printEntries(entries []statefile.EntryState) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tSTATE\tPID\tRESTARTS\tENABLED")
	for _, e := range entries {
		pid := ""
		if e.PID != 0 {
			pid = fmt.Sprintf("%d", e.PID)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%v\n", e.Name, e.State, pid, e.Restarts, e.Enabled)
	}
	_ = w.Flush()
}

func createStatusCommand(c cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status [name]",
		Short: "Show supervisor and entry status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := c.client().LiveSnapshot()
			if err != nil {
				return err
			}
			fmt.Printf("supervisor pid %d, generation %d, updated %s\n",
				snap.SupervisorPID, snap.Generation, snap.UpdatedAt.Format(time.RFC3339))
			if len(args) == 0 {
				printEntries(snap.Entries)
				return nil
			}
			for _, e := range snap.Entries {
				if e.Name == args[0] || e.ID == args[0] {
					fmt.Printf("name: %s\nstate: %s\npid: %d\nrestarts: %d\nexit code: %d\n",
						e.Name, e.State, e.PID, e.Restarts, e.ExitCode)
					if e.LastError != "" {
						fmt.Printf("last error: %s\n", e.LastError)
					}
					return nil
				}
			}
			return fmt.Errorf("entry %q not found", args[0])
		},
	}
}

func createLogsCommand(c cli, flags *LogsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs <name>",
		Short: "Print the tail of an entry's captured output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := c.client().LiveSnapshot()
			if err != nil {
				// a stale snapshot still holds the last captured logs
				var readErr error
				snap, readErr = c.client().Snapshot()
				if readErr != nil {
					return err
				}
				_, _ = fmt.Fprintf(os.Stderr, "warning: %v; showing last published logs\n", err)
			}
			for _, e := range snap.Entries {
				if e.Name != args[0] && e.ID != args[0] {
					continue
				}
				lines := e.Log
				if flags.Lines > 0 && len(lines) > flags.Lines {
					lines = lines[len(lines)-flags.Lines:]
				}
				for _, l := range lines {
					fmt.Println(l)
				}
				return nil
			}
			return fmt.Errorf("entry %q not found", args[0])
		},
	}
	cmd.Flags().IntVar(&flags.Lines, "lines", 0, "print only the last N lines (0 = all buffered)")
	return cmd
}

func createWatchCommand(c cli) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream state changes as they are published",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			snaps := make(chan statefile.Snapshot, 8)
			go func() {
				for snap := range snaps {
					fmt.Printf("generation %d at %s\n", snap.Generation, snap.UpdatedAt.Format(time.RFC3339))
					printEntries(snap.Entries)
				}
			}()
			err := c.client().Watch(ctx, snaps)
			close(snaps)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func createStartCommand(c cli) *cobra.Command {
	return &cobra.Command{
		Use:   "start <name>",
		Short: "Start an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.sendOrExplain(command.KindStart, args[0])
		},
	}
}

func createStopCommand(c cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <name>",
		Short: "Stop an entry and its whole process tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.sendOrExplain(command.KindStop, args[0])
		},
	}
}

func createRestartCommand(c cli) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <name>",
		Short: "Restart an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.sendOrExplain(command.KindRestart, args[0])
		},
	}
}

func createStartEnabledCommand(c cli) *cobra.Command {
	return &cobra.Command{
		Use:   "start-enabled",
		Short: "Start every enabled entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.sendOrExplain(command.KindStartEnabled, "")
		},
	}
}

func createStopAllCommand(c cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stop-all",
		Short: "Stop every entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.sendOrExplain(command.KindStopAll, "")
		},
	}
}

func createClearLogCommand(c cli) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-log <name>",
		Short: "Clear an entry's log buffer and file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.sendOrExplain(command.KindClearLog, args[0])
		},
	}
}

func createEnableCommand(c cli) *cobra.Command {
	return &cobra.Command{
		Use:   "enable <name>",
		Short: "Mark an entry enabled in the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.setEnabled(args[0], true)
		},
	}
}

func createDisableCommand(c cli) *cobra.Command {
	return &cobra.Command{
		Use:   "disable <name>",
		Short: "Mark an entry disabled in the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.setEnabled(args[0], false)
		},
	}
}

func (c cli) setEnabled(target string, enabled bool) error {
	reg, err := c.registry()
	if err != nil {
		return err
	}
	e, err := reg.SetEnabled(target, enabled)
	if err != nil {
		return err
	}
	fmt.Printf("entry %s enabled=%v\n", e.Name, e.Enabled)
	c.reloadIfRunning()
	return nil
}

func createAddCommand(c cli, flags *AddFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an entry to the registry",
		Long: `Add a program to the registry. The entry gets a generated id and is
persisted to config.toml; a running supervisor picks it up via reload.

Examples:
  combiner add --name web --command serve.py --enabled
  combiner add --name worker --command worker.sh --arg --queue --arg jobs --autorestart`,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := c.registry()
			if err != nil {
				return err
			}
			e, err := reg.Add(registry.Entry{
				Name:            flags.Name,
				Command:         flags.Command,
				Args:            flags.Args,
				WorkDir:         flags.WorkDir,
				Env:             flags.Env,
				Enabled:         flags.Enabled,
				AutoRestart:     flags.AutoRestart,
				ClearLogOnStart: flags.ClearLogOnStart,
			})
			if err != nil {
				return err
			}
			fmt.Printf("added %s (id %s)\n", e.Name, e.ID)
			c.reloadIfRunning()
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.Name, "name", "", "entry name (required)")
	cmd.Flags().StringVar(&flags.Command, "command", "", "script or executable to run (required)")
	cmd.Flags().StringArrayVar(&flags.Args, "arg", nil, "argument, repeatable")
	cmd.Flags().StringVar(&flags.WorkDir, "work-dir", "", "working directory")
	cmd.Flags().StringArrayVar(&flags.Env, "env", nil, "KEY=VALUE, repeatable")
	cmd.Flags().BoolVar(&flags.Enabled, "enabled", false, "include in start-enabled")
	cmd.Flags().BoolVar(&flags.AutoRestart, "autorestart", false, "restart automatically after a crash")
	cmd.Flags().BoolVar(&flags.ClearLogOnStart, "clear-log-on-start", false, "truncate logs on every start")
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	if err := cmd.MarkFlagRequired("command"); err != nil {
		panic(err)
	}
	return cmd
}

func createRemoveCommand(c cli) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove an entry from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := c.registry()
			if err != nil {
				return err
			}
			e, err := reg.Remove(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("removed %s\n", e.Name)
			c.reloadIfRunning()
			return nil
		},
	}
}

func createReloadCommand(c cli) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask the supervisor to re-read the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.sendOrExplain(command.KindReload, "")
		},
	}
}

func createShutdownCommand(c cli) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Stop all entries and terminate the supervisor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.sendOrExplain(command.KindShutdown, "")
		},
	}
}

func createHistoryCommand(c cli, flags *HistoryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [name]",
		Short: "Show recent lifecycle events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := c.registry()
			if err != nil {
				return err
			}
			dsn := reg.Settings().HistoryDSN
			if dsn == "" {
				dsn = datadir.HistoryDB(c.flags.DataDir)
			}
			sink, err := history.FromDSN(dsn)
			if err != nil {
				return err
			}
			defer func() { _ = sink.Close() }()
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			events, err := sink.Recent(cmd.Context(), name, flags.Limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "WHEN\tEVENT\tNAME\tPID\tCODE\tDETAIL")
			for _, e := range events {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
					e.OccurredAt.Local().Format(time.RFC3339), e.Type, e.Name, e.PID, e.ExitCode, e.Detail)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&flags.Limit, "limit", 50, "maximum events to show")
	return cmd
}
