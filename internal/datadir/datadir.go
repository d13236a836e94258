// Package datadir fixes the on-disk layout of a combiner data
// directory. Every component resolves paths through it so supervisor
// and clients always agree.
package datadir

import "path/filepath"

func Config(dir string) string    { return filepath.Join(dir, "config.toml") }
func State(dir string) string     { return filepath.Join(dir, "state.json") }
func Commands(dir string) string  { return filepath.Join(dir, "commands") }
func Lock(dir string) string      { return filepath.Join(dir, "supervisor.lock") }
func Logs(dir string) string      { return filepath.Join(dir, "logs") }
func DaemonLog(dir string) string { return filepath.Join(dir, "combiner.log") }
func HistoryDB(dir string) string { return filepath.Join(dir, "history.db") }
