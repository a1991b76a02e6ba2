package engine

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/vyvo/laminar/pkg/config"
	"github.com/vyvo/laminar/pkg/store"
)

// Script is one step of a run: a script file executed in a working
// directory.
type Script struct {
	Path       string
	WorkingDir string
}

// Run is one execution attempt of a job. It is created by QueueJob,
// filled in by the dispatcher at start time, and driven to completion by
// its supervisor goroutine. All fields are guarded by the engine lock.
type Run struct {
	Name        string
	Build       int
	Node        *Node
	QueuedAt    int64
	StartedAt   int64
	Params      map[string]string
	ParentName  string
	ParentBuild int

	reasonMsg  string
	scripts    []Script
	envFiles   []string
	runDir     string
	wsDir      string
	archiveDir string
	homeDir    string

	// result accumulates worst-wins over the scripts; lastResult is the
	// job's most recent persisted outcome, exposed to scripts.
	result     store.RunState
	lastResult store.RunState

	log     bytes.Buffer
	cmd     *exec.Cmd
	aborted bool
	timeout *time.Timer

	// started is closed when the dispatcher assigns the run to a node.
	started chan struct{}
}

func newRun(name string, params map[string]string) *Run {
	return &Run{
		Name:       name,
		QueuedAt:   time.Now().Unix(),
		Params:     params,
		result:     store.RunSuccess,
		lastResult: store.RunUnknown,
		started:    make(chan struct{}),
	}
}

// Started is closed once the run has been assigned a node and build
// number.
func (r *Run) Started() <-chan struct{} {
	return r.started
}

// Reason returns the reason message supplied via the =reason control
// parameter, or an empty string.
func (r *Run) Reason() string {
	return r.reasonMsg
}

func (r *Run) addScript(path, workingDir string) {
	r.scripts = append(r.scripts, Script{Path: path, WorkingDir: workingDir})
}

func (r *Run) addEnvFile(path string) {
	r.envFiles = append(r.envFiles, path)
}

// step starts the next script of the run. It returns done=true when no
// scripts remain. On spawn failure the script is consumed and an error
// returned; the caller records a failure and moves on so that cleanup
// scripts still execute.
func (r *Run) step() (proc *exec.Cmd, output io.ReadCloser, done bool, err error) {
	if len(r.scripts) == 0 {
		return nil, nil, true, nil
	}
	script := r.scripts[0]
	r.scripts = r.scripts[1:]

	env, err := r.environment()
	if err != nil {
		return nil, nil, false, err
	}

	// stdout and stderr share one pipe so the log interleaves the way a
	// terminal would show it
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, nil, false, fmt.Errorf("create output pipe: %w", err)
	}

	cmd := exec.Command(script.Path)
	cmd.Dir = script.WorkingDir
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.Env = env
	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return nil, nil, false, fmt.Errorf("spawn %s: %w", script.Path, err)
	}
	// the child holds the write end now
	pw.Close()

	r.cmd = cmd
	// an abort that arrived while no script was running (for instance
	// right after dispatch) has not reached any child yet; deliver it now
	if r.aborted && r.result != store.RunAborted {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	return cmd, pr, false, nil
}

func (r *Run) environment() ([]string, error) {
	env := os.Environ()
	for _, path := range r.envFiles {
		extra, err := config.ReadEnvFile(path)
		if err != nil {
			return nil, fmt.Errorf("read env file %s: %w", path, err)
		}
		for k, v := range extra {
			env = append(env, k+"="+v)
		}
	}
	for k, v := range r.Params {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"JOB="+r.Name,
		fmt.Sprintf("RUN=%d", r.Build),
		"RESULT="+r.result.String(),
		"LAST_RESULT="+r.lastResult.String(),
		"WORKSPACE="+r.wsDir,
		"ARCHIVE="+r.archiveDir,
		"LAMINAR_HOME="+r.homeDir,
	)
	return env, nil
}

// reaped records the exit of the current script. Worst result wins;
// an abort supersedes everything else.
func (r *Run) reaped(waitErr error) {
	res := store.RunSuccess
	switch {
	case r.aborted:
		res = store.RunAborted
	case waitErr != nil:
		res = store.RunFailed
	}
	if res < r.result {
		r.result = res
	}
	r.cmd = nil
}

// spawnFailed records a script that could not be started as a failure.
func (r *Run) spawnFailed() {
	if store.RunFailed < r.result {
		r.result = store.RunFailed
	}
}

// Abort terminates the currently running script; when no script is
// running, the next one is terminated as soon as it starts. The
// supervisor observes the reap and records an ABORTED result.
func (r *Run) Abort() {
	r.aborted = true
	if r.cmd != nil && r.cmd.Process != nil {
		_ = r.cmd.Process.Signal(syscall.SIGTERM)
	}
}
