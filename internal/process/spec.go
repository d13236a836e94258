package process

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/combiner-sh/combiner/internal/logger"
)

// Kind classifies how an entry's command is launched.
type Kind string

const (
	KindScript Kind = "script" // interpreted script, launched through its interpreter
	KindShell  Kind = "shell"  // shell script, launched through /bin/sh
	KindBinary Kind = "binary" // native executable, launched directly
)

// Spec describes a single managed entry as the lifecycle controller
// sees it: identity, launch recipe, and exit-code policy.
type Spec struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Command string   `json:"command"` // path to the script or executable
	Args    []string `json:"args,omitempty"`
	Kind    Kind     `json:"kind"`
	WorkDir string   `json:"work_dir,omitempty"`
	Env     []string `json:"env,omitempty"`

	// SuccessExitCodes lists exit codes classified as a clean stop.
	// Empty means only 0 is clean.
	SuccessExitCodes []int `json:"success_exit_codes,omitempty"`

	AutoRestart     bool `json:"auto_restart"`
	ClearLogOnStart bool `json:"clear_log_on_start"`

	LogCapacity int           `json:"log_capacity,omitempty"`
	Log         logger.Config `json:"log"`
}

// DetectKind infers the launch kind from the command's extension.
func DetectKind(command string) Kind {
	switch strings.ToLower(filepath.Ext(strings.TrimSpace(command))) {
	case ".py":
		return KindScript
	case ".sh":
		return KindShell
	default:
		return KindBinary
	}
}

// BuildCommand constructs the *exec.Cmd for this spec according to its
// kind. Interpreted scripts prefer a .venv interpreter next to the
// script, falling back to the system python3. Unbuffered output (-u)
// keeps the log stream live.
func (s *Spec) BuildCommand() *exec.Cmd {
	kind := s.Kind
	if kind == "" {
		kind = DetectKind(s.Command)
	}
	switch kind {
	case KindScript:
		interp := pythonFor(s.Command)
		args := append([]string{"-u", s.Command}, s.Args...)
		// #nosec G204 -- command comes from the operator's own registry
		return exec.Command(interp, args...)
	case KindShell:
		args := append([]string{s.Command}, s.Args...)
		// #nosec G204
		return exec.Command("/bin/sh", args...)
	default:
		// #nosec G204
		return exec.Command(s.Command, s.Args...)
	}
}

// CleanExit reports whether code counts as a clean stop under this
// spec's exit-code policy.
func (s *Spec) CleanExit(code int) bool {
	if len(s.SuccessExitCodes) == 0 {
		return code == 0
	}
	for _, c := range s.SuccessExitCodes {
		if c == code {
			return true
		}
	}
	return false
}

// pythonFor resolves the interpreter for a script: a .venv next to the
// script wins over the system python3.
func pythonFor(script string) string {
	venv := filepath.Join(filepath.Dir(script), ".venv", "bin", "python3")
	if st, err := os.Stat(venv); err == nil && !st.IsDir() {
		return venv
	}
	return "python3"
}
