// Package workerctx implements the per-worker context (C8): a location
// stack mapping each calc kind to a scratch directory pushed before a
// user callable runs and popped on every return path, a task-launcher
// handle tagged with the worker's id, and calc-iteration counters used as
// snapshot-filename disambiguators. Grounded on the teacher's
// internal/git worktree push/checkout pattern (exec.go's Client tagged
// with a repo/worktree path at construction) and internal/worker/
// execute.go's WorkerConfig.WorktreeBase default, adapted from one
// fixed git worktree per unit to a push/pop stack per calc kind.
package workerctx

import (
	"fmt"
	"os/exec"
	"sync"

	"github.com/hpcflow/ensemble/internal/registry"
)

// Context is one worker's local state: its scratch-directory stack, its
// calc-iteration counters, and its task launcher.
type Context struct {
	WorkerID registry.WorkerID

	mu       sync.Mutex
	stack    map[registry.CalcTag][]string
	counters map[registry.CalcTag]int
	launcher *TaskLauncher
}

// New creates a Context for worker id, with an empty location stack, zero
// counters, and a task launcher tagged with id.
func New(id registry.WorkerID) *Context {
	return &Context{
		WorkerID: id,
		stack:    make(map[registry.CalcTag][]string),
		counters: make(map[registry.CalcTag]int),
		launcher: NewTaskLauncher(id),
	}
}

// PushLocation pushes dir onto tag's location stack, making it the
// current scratch directory the caller runs in for the duration of one
// calc invocation.
func (c *Context) PushLocation(tag registry.CalcTag, dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stack[tag] = append(c.stack[tag], dir)
}

// PopLocation pops tag's most recent location. It is safe to call on
// every exit path, including after a user callable panicked, because it
// only inspects the stack — it never touches the filesystem itself.
func (c *Context) PopLocation(tag registry.CalcTag) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stack[tag]
	if len(s) == 0 {
		return "", fmt.Errorf("workerctx: location stack for %s is empty", tag)
	}
	dir := s[len(s)-1]
	c.stack[tag] = s[:len(s)-1]
	return dir, nil
}

// CurrentLocation reports the top of tag's location stack without
// popping it.
func (c *Context) CurrentLocation(tag registry.CalcTag) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stack[tag]
	if len(s) == 0 {
		return "", false
	}
	return s[len(s)-1], true
}

// NextIteration increments tag's calc counter and returns the new value.
// The worker loop calls this immediately before invoking the user
// callable for that calc kind; the returned value is the disambiguator
// libE_info carries for checkpoint filenames.
func (c *Context) NextIteration(tag registry.CalcTag) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[tag]++
	return c.counters[tag]
}

// Counter reports tag's current calc-iteration count without advancing
// it.
func (c *Context) Counter(tag registry.CalcTag) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[tag]
}

// Launcher returns this context's task launcher.
func (c *Context) Launcher() *TaskLauncher {
	return c.launcher
}

// TaskLauncher is a per-worker singleton tagged with the owning worker's
// id at creation, so subprocess tasks it launches can identify their
// origin worker (used to route job-control and log-streaming by worker).
type TaskLauncher struct {
	WorkerID registry.WorkerID
}

// NewTaskLauncher ties a launcher to a worker id.
func NewTaskLauncher(id registry.WorkerID) *TaskLauncher {
	return &TaskLauncher{WorkerID: id}
}

// LaunchedTask is a handle on a subprocess task started by Launch.
type LaunchedTask struct {
	WorkerID registry.WorkerID
	cmd      *exec.Cmd
}

// Launch starts name with args in dir and tags the resulting task with
// the launcher's worker id. The command is not waited on here; callers
// decide whether to block.
func (l *TaskLauncher) Launch(name string, args []string, dir string) (*LaunchedTask, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("workerctx: launch %s: %w", name, err)
	}
	return &LaunchedTask{WorkerID: l.WorkerID, cmd: cmd}, nil
}

// Wait blocks until the launched task exits.
func (t *LaunchedTask) Wait() error {
	return t.cmd.Wait()
}

// Kill terminates the launched task if still running.
func (t *LaunchedTask) Kill() error {
	if t.cmd.Process == nil {
		return nil
	}
	return t.cmd.Process.Kill()
}
