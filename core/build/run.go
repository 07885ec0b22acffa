package build

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/siteship/siteship/core/faults"
	"github.com/siteship/siteship/core/infra/logging"
)

const (
	yarnLockfile = "yarn.lock"
	npmLockfile  = "package-lock.json"

	// Build tool output kept for error reporting. Anything older scrolls off.
	outputTailLimit = 64 * 1024
)

// Runner executes the working tree's build via its package manager.
type Runner struct {
	// Lookup resolves a command name to a binary path. Tests override it.
	Lookup func(name string) (string, error)
}

// NewRunner returns a Runner using the ambient PATH.
func NewRunner() *Runner {
	return &Runner{Lookup: exec.LookPath}
}

// Run installs dependencies and executes the manifest's build script, then
// locates the publish directory. Only called for BuildableApplication trees.
func (r *Runner) Run(ctx context.Context, treeDir string) (string, error) {
	m, err := readManifest(treeDir)
	if err != nil {
		return "", faults.Wrap(faults.CodeBuildFailed, "read package manifest", err)
	}
	if m == nil || m.Scripts["build"] == "" {
		return "", faults.New(faults.CodeNoBuildScript, "package manifest defines no build script")
	}

	mgr := r.packageManager(treeDir)
	logging.Info("build", "building working tree", "manager", mgr, "dir", treeDir)

	if err := r.step(ctx, treeDir, mgr, "install"); err != nil {
		return "", err
	}
	if err := r.step(ctx, treeDir, mgr, "run", "build"); err != nil {
		return "", err
	}

	if out, ok := firstOutputDir(treeDir); ok {
		return out, nil
	}
	return ".", nil
}

// packageManager picks yarn or npm by lockfile; npm is the fallback.
func (r *Runner) packageManager(treeDir string) string {
	if fileExists(filepath.Join(treeDir, yarnLockfile)) {
		return "yarn"
	}
	if fileExists(filepath.Join(treeDir, npmLockfile)) {
		return "npm"
	}
	return "npm"
}

func (r *Runner) step(ctx context.Context, treeDir, mgr string, args ...string) error {
	lookup := r.Lookup
	if lookup == nil {
		lookup = exec.LookPath
	}
	bin, err := lookup(mgr)
	if err != nil {
		return faults.Wrap(faults.CodeBuildFailed, mgr+" not available on this worker", err)
	}

	tail := newTailBuffer(outputTailLimit)
	// #nosec G204 -- mgr is one of two fixed binaries, args are fixed verbs.
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = treeDir
	cmd.Stdout = tail
	cmd.Stderr = tail

	if err := cmd.Run(); err != nil {
		msg := mgr + " " + strings.Join(args, " ") + " failed"
		if out := tail.String(); out != "" {
			msg += ": " + out
		}
		return faults.Wrap(faults.CodeBuildFailed, msg, err)
	}
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
