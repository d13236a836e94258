package main

// GlobalFlags are the persistent flags shared by every subcommand.
type GlobalFlags struct {
	DataDir string
	Verbose bool
}

// RunFlags configure supervisor mode.
type RunFlags struct {
	Headless  bool   // detach from the terminal
	AutoStart bool   // start enabled entries immediately
	Listen    string // read-only HTTP API address, overrides config
}

// AddFlags describe a new registry entry.
type AddFlags struct {
	Name            string
	Command         string
	Args            []string
	WorkDir         string
	Env             []string
	Enabled         bool
	AutoRestart     bool
	ClearLogOnStart bool
}

// LogsFlags configure the logs subcommand.
type LogsFlags struct {
	Lines int
}

// HistoryFlags configure the history subcommand.
type HistoryFlags struct {
	Limit int
}
