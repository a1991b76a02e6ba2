package engine

// ScopeType selects which view of the system a client is watching.
type ScopeType int

const (
	// ScopeHome is the dashboard: recent builds, running, queued, aggregates.
	ScopeHome ScopeType = iota
	// ScopeAll is the jobs index.
	ScopeAll
	// ScopeJob is a single job's recent-builds page.
	ScopeJob
	// ScopeRun is a single run's status document.
	ScopeRun
	// ScopeLog is a single run's raw log stream.
	ScopeLog
)

// MonitorScope describes what a client wants to watch and therefore which
// broadcasts reach it. The per-variant fields are only meaningful for the
// scope types that use them.
type MonitorScope struct {
	Type ScopeType

	// Job and Num select the job/run for JOB, RUN and LOG scopes.
	Job string
	Num int

	// Pagination and sort order for JOB scope.
	Page      int
	Field     string
	OrderDesc bool
}

// WantsStatus reports whether a status broadcast concerning the given
// job/run should be delivered to this scope. Broadcasts that concern a
// job but no particular run (job_queued) pass num 0.
func (s MonitorScope) WantsStatus(job string, num int) bool {
	switch s.Type {
	case ScopeHome, ScopeAll:
		return true
	case ScopeJob:
		return s.Job == job
	case ScopeRun:
		return s.Job == job && s.Num == num
	default:
		return false
	}
}

// WantsLog reports whether log chunks of the given run should be
// delivered to this scope.
func (s MonitorScope) WantsLog(job string, num int) bool {
	return s.Type == ScopeLog && s.Job == job && s.Num == num
}
