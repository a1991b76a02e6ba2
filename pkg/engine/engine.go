// Package engine implements the run lifecycle of the CI service: queue
// admission, node matching, script execution, log fan-out and status
// assembly. One Engine instance owns all mutable state for the process.
package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vyvo/laminar/pkg/config"
	"github.com/vyvo/laminar/pkg/store"
)

// ErrUnknownJob is returned by QueueJob for a job with no .run script.
var ErrUnknownJob = errors.New("unknown job")

// Engine owns the dispatcher state: nodes, queue, active runs, build
// numbers, tag map and the subscribed clients. Every public method that
// touches this state takes the engine lock; supervisor goroutines re-enter only through locking
// methods, which preserves the single-writer model the dispatcher
// invariants rely on.
type Engine struct {
	mu  sync.Mutex
	log *slog.Logger
	db  *store.Store

	homeDir        string
	archiveURL     string
	title          string
	numKeepRunDirs int

	nodes     map[string]*Node
	nodeOrder []string
	jobTags   map[string]map[string]struct{}
	buildNums map[string]int

	queue   []*Run
	active  *activeIndex
	clients map[Client]struct{}
	waiters map[Waiter]struct{}
}

// New creates an Engine rooted at the given home directory, restores the
// per-job build counters from the store and loads the node/job
// configuration.
func New(settings config.Settings, db *store.Store, log *slog.Logger) (*Engine, error) {
	nums, err := db.BuildNums()
	if err != nil {
		return nil, fmt.Errorf("restore build numbers: %w", err)
	}

	e := &Engine{
		log:            log,
		db:             db,
		homeDir:        settings.Home,
		archiveURL:     settings.ArchiveURL,
		title:          settings.Title,
		numKeepRunDirs: settings.KeepRundirs,
		nodes:          make(map[string]*Node),
		jobTags:        make(map[string]map[string]struct{}),
		buildNums:      nums,
		active:         newActiveIndex(),
		clients:        make(map[Client]struct{}),
		waiters:        make(map[Waiter]struct{}),
	}
	e.loadConfiguration()
	return e, nil
}

func (e *Engine) cfgDir() string { return filepath.Join(e.homeDir, "cfg") }

// LoadConfiguration re-reads the node and job configuration from disk.
// Safe to call repeatedly; existing nodes keep their busy counters.
func (e *Engine) LoadConfiguration() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loadConfiguration()
}

// NotifyConfigChanged reloads the configuration and retries queue
// admission: a config change may allow stuck jobs to dequeue.
func (e *Engine) NotifyConfigChanged() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loadConfiguration()
	e.assignNewJobs()
}

func (e *Engine) loadConfiguration() {
	if v := os.Getenv("LAMINAR_KEEP_RUNDIRS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			e.numKeepRunDirs = n
		}
	}

	known := make(map[string]struct{})
	nodeCfgs, _ := filepath.Glob(filepath.Join(e.cfgDir(), "nodes", "*.conf"))
	for _, path := range nodeCfgs {
		conf, err := config.ParseConfFile(path)
		if err != nil {
			e.log.Error("parse node config", "path", path, "error", err)
			continue
		}
		name := strings.TrimSuffix(filepath.Base(path), ".conf")
		node, ok := e.nodes[name]
		if !ok {
			node = &Node{Name: name}
			e.nodes[name] = node
			e.nodeOrder = append(e.nodeOrder, name)
		}
		node.NumExecutors = conf.GetInt("EXECUTORS", defaultExecutors)
		node.Tags = conf.GetTags("TAGS")
		known[name] = struct{}{}
	}

	// Drop nodes whose config disappeared. The nameless default node is
	// kept when no nodes are configured at all, so a reload without any
	// node configs does not remove and re-add it.
	order := e.nodeOrder[:0]
	for _, name := range e.nodeOrder {
		if _, ok := known[name]; ok || (name == "" && len(known) == 0) {
			order = append(order, name)
			continue
		}
		delete(e.nodes, name)
	}
	e.nodeOrder = order

	if len(e.nodes) == 0 {
		e.nodes[""] = &Node{Name: "", NumExecutors: defaultExecutors}
		e.nodeOrder = append(e.nodeOrder, "")
	}

	jobTags := make(map[string]map[string]struct{})
	jobCfgs, _ := filepath.Glob(filepath.Join(e.cfgDir(), "jobs", "*.conf"))
	for _, path := range jobCfgs {
		conf, err := config.ParseConfFile(path)
		if err != nil {
			e.log.Error("parse job config", "path", path, "error", err)
			continue
		}
		if tags := conf.GetTags("TAGS"); tags != nil {
			jobTags[strings.TrimSuffix(filepath.Base(path), ".conf")] = tags
		}
	}
	e.jobTags = jobTags
}

// QueueJob enqueues a run of the named job and attempts dispatch
// immediately. The returned Run can be used to await the start signal
// and observe completion.
func (e *Engine) QueueJob(name string, params map[string]string) (*Run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !fileExists(filepath.Join(e.cfgDir(), "jobs", name+".run")) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	if params == nil {
		params = make(map[string]string)
	}
	run := newRun(name, params)
	for key, value := range params {
		if !strings.HasPrefix(key, "=") {
			continue
		}
		switch key {
		case "=parentJob":
			run.ParentName = value
		case "=parentBuild":
			run.ParentBuild, _ = strconv.Atoi(value)
		case "=reason":
			run.reasonMsg = value
		default:
			e.log.Error("unknown control parameter", "job", name, "param", key)
		}
		delete(params, key)
	}

	e.queue = append(e.queue, run)
	e.log.Info("job queued", "job", name)

	e.broadcast(message{
		Type: "job_queued",
		Data: map[string]any{"name": name},
	}, func(s MonitorScope) bool { return s.WantsStatus(name, 0) })

	e.assignNewJobs()
	return run, nil
}

// assignNewJobs walks the queue and starts every run that has a
// compatible node with a free executor. Runs that cannot start yet are
// skipped, not blocking later runs.
func (e *Engine) assignNewJobs() {
	var remaining []*Run
	for _, run := range e.queue {
		// the queue index reported to clients is the run's position
		// from the head at the moment it is dispatched
		if e.tryStartRun(run, len(remaining)) {
			e.active.insert(run)
		} else {
			remaining = append(remaining, run)
		}
	}
	e.queue = remaining
}

func (e *Engine) tryStartRun(run *Run, queueIndex int) bool {
	for _, nodeName := range e.nodeOrder {
		node := e.nodes[nodeName]
		if !node.canQueue(e.jobTags[run.Name]) {
			continue
		}
		cfgDir := e.cfgDir()

		// workspace, created once per job; the .init script runs inside
		// it on first creation
		ws := filepath.Join(e.homeDir, "run", run.Name, "workspace")
		if !fileExists(ws) {
			if err := os.MkdirAll(ws, 0o755); err != nil {
				e.log.Error("create job workspace", "job", run.Name, "error", err)
				return false
			}
			if init := filepath.Join(cfgDir, "jobs", run.Name+".init"); fileExists(init) {
				run.addScript(init, ws)
			}
		}

		buildNum := e.buildNums[run.Name] + 1

		rd := filepath.Join(e.homeDir, "run", run.Name, strconv.Itoa(buildNum))
		if fileExists(rd) {
			e.log.Warn("run directory already exists, removing", "dir", rd)
			if err := os.RemoveAll(rd); err != nil {
				e.log.Warn("remove stale run directory", "dir", rd, "error", err)
				return false
			}
		}
		if err := os.Mkdir(rd, 0o755); err != nil {
			e.log.Error("create run directory", "dir", rd, "error", err)
			return false
		}

		archive := filepath.Join(e.homeDir, "archive", run.Name, strconv.Itoa(buildNum))
		if fileExists(archive) {
			e.log.Warn("archive directory already exists", "dir", archive)
		} else if err := os.MkdirAll(archive, 0o755); err != nil {
			e.log.Error("create archive directory", "dir", archive, "error", err)
			return false
		}

		// script sequence: global, node, job befores; the mandatory run
		// script; then afters in reverse nesting order
		for _, s := range []string{
			filepath.Join(cfgDir, "before"),
			filepath.Join(cfgDir, "nodes", node.Name+".before"),
			filepath.Join(cfgDir, "jobs", run.Name+".before"),
		} {
			if fileExists(s) {
				run.addScript(s, rd)
			}
		}
		run.addScript(filepath.Join(cfgDir, "jobs", run.Name+".run"), rd)
		for _, s := range []string{
			filepath.Join(cfgDir, "jobs", run.Name+".after"),
			filepath.Join(cfgDir, "nodes", node.Name+".after"),
			filepath.Join(cfgDir, "after"),
		} {
			if fileExists(s) {
				run.addScript(s, rd)
			}
		}

		for _, p := range []string{
			filepath.Join(cfgDir, "env"),
			filepath.Join(cfgDir, "nodes", node.Name+".env"),
			filepath.Join(cfgDir, "jobs", run.Name+".env"),
		} {
			if fileExists(p) {
				run.addEnvFile(p)
			}
		}

		jobConf, err := config.ParseConfFile(filepath.Join(cfgDir, "jobs", run.Name+".conf"))
		if err != nil {
			e.log.Error("parse job config", "job", run.Name, "error", err)
			jobConf = config.Conf{}
		}
		if timeout := jobConf.GetInt("TIMEOUT", 0); timeout > 0 {
			run.timeout = time.AfterFunc(time.Duration(timeout)*time.Second, func() {
				e.mu.Lock()
				defer e.mu.Unlock()
				run.Abort()
			})
		}

		node.BusyExecutors++
		run.Node = node
		run.StartedAt = time.Now().Unix()
		run.Build = buildNum
		run.runDir = rd
		run.wsDir = ws
		run.archiveDir = archive
		run.homeDir = e.homeDir
		if last, ok := e.db.LastResult(run.Name); ok {
			run.lastResult = last
		}
		e.buildNums[run.Name] = buildNum

		e.log.Info("job started", "job", run.Name, "number", run.Build, "node", node.Name)

		data := map[string]any{
			"queueIndex": queueIndex,
			"name":       run.Name,
			"queued":     run.StartedAt - run.QueuedAt,
			"started":    run.StartedAt,
			"number":     run.Build,
			"reason":     run.Reason(),
			"tags":       e.tagList(run.Name),
		}
		if lastRuntime, ok := e.db.LastRuntime(run.Name); ok {
			data["etc"] = time.Now().Unix() + lastRuntime
		}
		e.broadcast(message{Type: "job_started", Data: data}, func(s MonitorScope) bool {
			// RUN scopes watching any build of this job also get the
			// event, so a run page learns a newer build exists.
			return s.WantsStatus(run.Name, run.Build) ||
				(s.Type == ScopeRun && s.Job == run.Name)
		})

		close(run.started)

		go e.supervise(run)
		return true
	}
	return false
}

// supervise drives one run to completion: start each script, drain its
// output into the log and to subscribed clients, await the reap, repeat.
func (e *Engine) supervise(run *Run) {
	for {
		e.mu.Lock()
		proc, output, done, err := run.step()
		if done {
			e.mu.Unlock()
			break
		}
		if err != nil {
			e.log.Error("script start failed", "job", run.Name, "number", run.Build, "error", err)
			run.spawnFailed()
			e.mu.Unlock()
			continue
		}
		e.mu.Unlock()

		e.drainOutput(run, output)
		waitErr := proc.Wait()

		e.mu.Lock()
		run.reaped(waitErr)
		e.mu.Unlock()
	}
	e.runFinished(run)
}

func (e *Engine) drainOutput(run *Run, output io.ReadCloser) {
	defer output.Close()
	buf := make([]byte, 4096)
	for {
		n, err := output.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			e.appendLog(run, chunk)
		}
		if err != nil {
			return
		}
	}
}

func (e *Engine) appendLog(run *Run, chunk []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	run.log.Write(chunk)
	for c := range e.clients {
		if c.Scope().WantsLog(run.Name, run.Build) {
			c.Send(chunk)
		}
	}
}

func (e *Engine) runFinished(run *Run) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if run.timeout != nil {
		run.timeout.Stop()
		run.timeout = nil
	}

	node := run.Node
	node.BusyExecutors--
	completedAt := time.Now().Unix()
	e.log.Info("run completed", "job", run.Name, "number", run.Build, "result", run.result.String())

	if err := e.db.InsertBuild(store.BuildRow{
		Name:        run.Name,
		Number:      run.Build,
		Node:        node.Name,
		QueuedAt:    run.QueuedAt,
		StartedAt:   run.StartedAt,
		CompletedAt: completedAt,
		Result:      run.result,
		ParentJob:   run.ParentName,
		ParentBuild: run.ParentBuild,
		Reason:      run.Reason(),
	}, run.log.Bytes()); err != nil {
		e.log.Error("persist build", "job", run.Name, "number", run.Build, "error", err)
	}

	e.broadcast(message{Type: "job_completed", Data: map[string]any{
		"name":      run.Name,
		"number":    run.Build,
		"queued":    run.StartedAt - run.QueuedAt,
		"started":   run.StartedAt,
		"completed": completedAt,
		"result":    run.result.String(),
		"reason":    run.Reason(),
		"tags":      e.tagList(run.Name),
		"artifacts": e.artifacts(run.Name, run.Build),
	}}, func(s MonitorScope) bool { return s.WantsStatus(run.Name, run.Build) })

	completed := CompletedRun{
		Name:   run.Name,
		Number: run.Build,
		Result: run.result,
		Reason: run.Reason(),
	}
	for w := range e.waiters {
		w.Complete(completed)
	}

	e.active.remove(run)
	e.pruneRunDirs(run.Name)
	e.assignNewJobs()
}

// pruneRunDirs removes old per-build directories of a job: after build N
// completes with no other active run of the job, directories
// 1..N-numKeepRunDirs-1 are removed, stopping at the first one that does
// not exist, so numKeepRunDirs+1 directories remain. Zero disables pruning. Older, still-active
// runs of the same job anchor the count so their directories survive.
func (e *Engine) pruneRunDirs(name string) {
	if e.numKeepRunDirs == 0 {
		return
	}
	oldestActive, ok := e.active.oldestBuild(name)
	if ok {
		oldestActive--
	} else {
		oldestActive = e.buildNums[name]
	}
	for i := oldestActive - e.numKeepRunDirs - 1; i > 0; i-- {
		dir := filepath.Join(e.homeDir, "run", name, strconv.Itoa(i))
		if !fileExists(dir) {
			break
		}
		if err := os.RemoveAll(dir); err != nil {
			e.log.Warn("prune run directory", "dir", dir, "error", err)
		}
	}
}

// SetParam sets a parameter on an active run, for scripts that hand
// values to later steps. Returns false if the run is not active.
func (e *Engine) SetParam(job string, number int, key, value string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	run := e.active.get(job, number)
	if run == nil {
		return false
	}
	run.Params[key] = value
	return true
}

// AbortRun aborts one active run. Returns false if the run is not active.
func (e *Engine) AbortRun(job string, number int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	run := e.active.get(job, number)
	if run == nil {
		return false
	}
	run.Abort()
	return true
}

// AbortAll aborts every active run.
func (e *Engine) AbortAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for run := range e.active.runs {
		run.Abort()
	}
}

// RegisterClient subscribes a client and immediately sends it the
// snapshot for its scope; subsequent matching broadcasts follow. The two
// steps happen under one lock acquisition so a LOG client never misses
// chunks between snapshot and subscription.
func (e *Engine) RegisterClient(c Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clients[c] = struct{}{}
	e.sendStatus(c)
}

// DeregisterClient removes a client; its failures never affect others.
func (e *Engine) DeregisterClient(c Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.clients, c)
}

// RegisterWaiter subscribes a waiter to all run completions.
func (e *Engine) RegisterWaiter(w Waiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.waiters[w] = struct{}{}
}

// DeregisterWaiter removes a waiter.
func (e *Engine) DeregisterWaiter(w Waiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.waiters, w)
}

type message struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func (e *Engine) broadcast(msg message, match func(MonitorScope) bool) {
	payload, err := json.Marshal(msg)
	if err != nil {
		e.log.Error("marshal broadcast", "type", msg.Type, "error", err)
		return
	}
	for c := range e.clients {
		if match(c.Scope()) {
			c.Send(payload)
		}
	}
}

func (e *Engine) tagList(job string) []string {
	tags := make([]string, 0, len(e.jobTags[job]))
	for tag := range e.jobTags[job] {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// artifacts enumerates the archived files of one build as
// {url, filename, size} entries.
func (e *Engine) artifacts(job string, number int) []map[string]any {
	root := filepath.Join(e.homeDir, "archive")
	dir := filepath.Join(root, job, strconv.Itoa(number))
	out := []map[string]any{}
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		name, _ := filepath.Rel(dir, path)
		out = append(out, map[string]any{
			"url":      e.archiveURL + "/" + filepath.ToSlash(rel),
			"filename": filepath.ToSlash(name),
			"size":     info.Size(),
		})
		return nil
	})
	return out
}

// GetArtefact returns the bytes of an archived file addressed relative
// to the archive root.
func (e *Engine) GetArtefact(path string) ([]byte, error) {
	root := filepath.Join(e.homeDir, "archive")
	full := filepath.Join(root, filepath.Clean("/"+path))
	if !strings.HasPrefix(full, root+string(os.PathSeparator)) {
		return nil, fmt.Errorf("artefact path escapes archive: %s", path)
	}
	return os.ReadFile(full)
}

// GetCustomCss returns the contents of custom/style.css, or empty.
func (e *Engine) GetCustomCss() string {
	data, err := os.ReadFile(filepath.Join(e.homeDir, "custom", "style.css"))
	if err != nil {
		return ""
	}
	return string(data)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
