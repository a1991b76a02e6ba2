package engine

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/vyvo/laminar/pkg/store"
)

// sendStatus delivers the initial snapshot for a client's scope: the
// accumulated log for LOG scopes, a status document for everything else.
// In-memory running/queued state supersedes the persisted rows. Called
// under the engine lock.
func (e *Engine) sendStatus(c Client) {
	scope := c.Scope()

	if scope.Type == ScopeLog {
		if run := e.active.get(scope.Job, scope.Num); run != nil {
			c.Send(append([]byte(nil), run.log.Bytes()...))
			return
		}
		raw, err := e.db.Log(scope.Job, scope.Num)
		if err != nil {
			// includes decode failures: log and tell this client nothing
			e.log.Error("fetch run log", "job", scope.Job, "number", scope.Num, "error", err)
			return
		}
		c.Send(raw)
		return
	}

	var data map[string]any
	switch scope.Type {
	case ScopeRun:
		data = e.runStatus(scope)
	case ScopeJob:
		data = e.jobStatus(scope)
	case ScopeAll:
		data = e.allStatus()
	default:
		data = e.homeStatus()
	}

	payload, err := json.Marshal(map[string]any{
		"type":  "status",
		"title": e.title,
		"time":  time.Now().Unix(),
		"data":  data,
	})
	if err != nil {
		e.log.Error("marshal status", "error", err)
		return
	}
	c.Send(payload)
}

func (e *Engine) runStatus(scope MonitorScope) map[string]any {
	data := map[string]any{}
	if row, err := e.db.RunInfo(scope.Job, scope.Num); err == nil {
		data["queued"] = row.StartedAt - row.QueuedAt
		data["started"] = row.StartedAt
		data["completed"] = row.CompletedAt
		data["result"] = row.Result.String()
		data["reason"] = row.Reason
	} else if !errors.Is(err, store.ErrNotFound) {
		e.log.Error("query run status", "job", scope.Job, "number", scope.Num, "error", err)
	}
	if run := e.active.get(scope.Job, scope.Num); run != nil {
		data["queued"] = run.StartedAt - run.QueuedAt
		data["started"] = run.StartedAt
		data["reason"] = run.Reason()
		data["result"] = store.RunRunning.String()
		delete(data, "completed")
		if lastRuntime, ok := e.db.LastRuntime(run.Name); ok {
			data["etc"] = run.StartedAt + lastRuntime
		}
	}
	data["latestNum"] = e.buildNums[scope.Job]
	data["artifacts"] = e.artifacts(scope.Job, scope.Num)
	return data
}

func (e *Engine) jobStatus(scope MonitorScope) map[string]any {
	data := map[string]any{}

	recent, err := e.db.Recent(scope.Job, scope.Page, scope.Field, scope.OrderDesc)
	if err != nil {
		e.log.Error("query recent builds", "job", scope.Job, "error", err)
	}
	recentDocs := make([]map[string]any, 0, len(recent))
	for _, b := range recent {
		recentDocs = append(recentDocs, map[string]any{
			"number":    b.Number,
			"started":   b.Started,
			"completed": b.Completed,
			"result":    b.Result.String(),
			"reason":    b.Reason,
		})
	}
	data["recent"] = recentDocs

	if count, err := e.db.Count(scope.Job); err == nil {
		pages := 0
		if count > 0 {
			pages = (count-1)/store.RunsPerPage + 1
		}
		data["pages"] = pages
	} else {
		e.log.Error("count builds", "job", scope.Job, "error", err)
	}
	order := "asc"
	if scope.OrderDesc {
		order = "dsc"
	}
	data["sort"] = map[string]any{
		"page":  scope.Page,
		"field": scope.Field,
		"order": order,
	}

	running := []map[string]any{}
	for _, run := range e.active.job(scope.Job) {
		running = append(running, map[string]any{
			"number":  run.Build,
			"node":    run.Node.Name,
			"started": run.StartedAt,
			"result":  store.RunRunning.String(),
			"reason":  run.Reason(),
		})
	}
	data["running"] = running

	nQueued := 0
	for _, run := range e.queue {
		if run.Name == scope.Job {
			nQueued++
		}
	}
	data["nQueued"] = nQueued

	if number, started, ok := e.db.LastSuccess(scope.Job); ok {
		data["lastSuccess"] = map[string]any{"number": number, "started": started}
	}
	if number, started, ok := e.db.LastFailed(scope.Job); ok {
		data["lastFailed"] = map[string]any{"number": number, "started": started}
	}
	return data
}

func (e *Engine) allStatus() map[string]any {
	jobs, err := e.db.JobSummaries()
	if err != nil {
		e.log.Error("query job summaries", "error", err)
	}
	jobDocs := make([]map[string]any, 0, len(jobs))
	for _, b := range jobs {
		jobDocs = append(jobDocs, map[string]any{
			"name":      b.Name,
			"number":    b.Number,
			"result":    b.Result.String(),
			"started":   b.Started,
			"completed": b.Completed,
			"tags":      e.tagList(b.Name),
		})
	}

	running := []map[string]any{}
	for _, run := range e.active.inStartOrder() {
		running = append(running, map[string]any{
			"name":    run.Name,
			"number":  run.Build,
			"node":    run.Node.Name,
			"started": run.StartedAt,
			"tags":    e.tagList(run.Name),
		})
	}
	return map[string]any{"jobs": jobDocs, "running": running}
}

func (e *Engine) homeStatus() map[string]any {
	data := map[string]any{}

	recent, err := e.db.RecentlyCompleted(15)
	if err != nil {
		e.log.Error("query recent completions", "error", err)
	}
	recentDocs := make([]map[string]any, 0, len(recent))
	for _, b := range recent {
		recentDocs = append(recentDocs, map[string]any{
			"name":      b.Name,
			"number":    b.Number,
			"node":      b.Node,
			"started":   b.Started,
			"completed": b.Completed,
			"result":    b.Result.String(),
		})
	}
	data["recent"] = recentDocs

	running := []map[string]any{}
	for _, run := range e.active.inStartOrder() {
		doc := map[string]any{
			"name":    run.Name,
			"number":  run.Build,
			"node":    run.Node.Name,
			"started": run.StartedAt,
		}
		if lastRuntime, ok := e.db.LastRuntime(run.Name); ok {
			doc["etc"] = run.StartedAt + lastRuntime
		}
		running = append(running, doc)
	}
	data["running"] = running

	queued := []map[string]any{}
	for _, run := range e.queue {
		queued = append(queued, map[string]any{"name": run.Name})
	}
	data["queued"] = queued

	execTotal, execBusy := 0, 0
	for _, name := range e.nodeOrder {
		node := e.nodes[name]
		execTotal += node.NumExecutors
		execBusy += node.BusyExecutors
	}
	data["executorsTotal"] = execTotal
	data["executorsBusy"] = execBusy

	now := time.Now()
	if perDay, err := e.db.BuildsPerDay(now); err == nil {
		data["buildsPerDay"] = perDay
	} else {
		e.log.Error("query builds per day", "error", err)
	}
	if perJob, err := e.db.BuildsPerJob(now); err == nil {
		data["buildsPerJob"] = perJob
	} else {
		e.log.Error("query builds per job", "error", err)
	}
	if timePerJob, err := e.db.TimePerJob(now); err == nil {
		data["timePerJob"] = timePerJob
	} else {
		e.log.Error("query time per job", "error", err)
	}
	return data
}
