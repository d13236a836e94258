package proctree

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	gops "github.com/shirou/gopsutil/v4/process"
)

// ErrTerminationIncomplete reports that members of a process tree
// survived both SIGTERM and SIGKILL. Callers surface it but must not
// treat the entry as still managed.
var ErrTerminationIncomplete = errors.New("process tree termination incomplete")

const pollEvery = 50 * time.Millisecond

// Descendants returns the pids of every live descendant of root,
// depth-first, root excluded. Enumeration races with the tree itself;
// pids that vanish mid-walk are skipped.
func Descendants(root int) []int {
	p, err := gops.NewProcess(int32(root))
	if err != nil {
		return nil
	}
	var out []int
	walk(p, &out)
	return out
}

func walk(p *gops.Process, out *[]int) {
	children, err := p.Children()
	if err != nil {
		return
	}
	for _, c := range children {
		*out = append(*out, int(c.Pid))
		walk(c, out)
	}
}

// Terminate takes down root and its whole descendant tree: SIGTERM to
// the process group and every enumerated member, a bounded grace wait,
// a re-scan for survivors (including children spawned during the
// grace window), then SIGKILL and a final re-scan. Survivors after
// SIGKILL yield ErrTerminationIncomplete.
func Terminate(root int, grace time.Duration) error {
	if root <= 0 {
		return nil
	}
	targets := append([]int{root}, Descendants(root)...)

	// Group first so a well-behaved tree gets one coherent signal,
	// then each member directly in case any detached from the group.
	_ = syscall.Kill(-root, syscall.SIGTERM)
	signalAll(targets, syscall.SIGTERM)

	if waitGone(root, grace) {
		if rest := survivors(targets, root); len(rest) == 0 {
			return nil
		}
	}

	// Re-scan before escalating: the grace window may have produced
	// new children that the first enumeration never saw.
	targets = append([]int{root}, Descendants(root)...)
	_ = syscall.Kill(-root, syscall.SIGKILL)
	signalAll(targets, syscall.SIGKILL)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(survivors(targets, root)) == 0 && !alive(root) {
			return nil
		}
		time.Sleep(pollEvery)
	}
	rest := survivors(targets, root)
	if alive(root) {
		rest = append([]int{root}, rest...)
	}
	if len(rest) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d survivor(s) %v", ErrTerminationIncomplete, len(rest), rest)
}

func signalAll(pids []int, sig syscall.Signal) {
	for _, pid := range pids {
		_ = syscall.Kill(pid, sig)
	}
}

// waitGone polls until root is reaped or d elapses.
func waitGone(root int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if !alive(root) {
			return true
		}
		time.Sleep(pollEvery)
	}
	return !alive(root)
}

// survivors returns the pids from the original targets that are still
// alive, plus any newly spawned descendants of root.
func survivors(targets []int, root int) []int {
	seen := make(map[int]struct{}, len(targets))
	var out []int
	for _, pid := range targets {
		if pid == root {
			continue
		}
		seen[pid] = struct{}{}
		if alive(pid) {
			out = append(out, pid)
		}
	}
	for _, pid := range Descendants(root) {
		if _, ok := seen[pid]; !ok && alive(pid) {
			out = append(out, pid)
		}
	}
	return out
}

// alive reports whether pid exists and is not a zombie. A zombie has
// exited; only its reaping is pending, so it does not count as a
// survivor.
func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if err := syscall.Kill(pid, 0); err != nil {
		return false
	}
	p, err := gops.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	statuses, err := p.Status()
	if err != nil {
		return true
	}
	for _, s := range statuses {
		if s == gops.Zombie {
			return false
		}
	}
	return true
}
