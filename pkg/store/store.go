// Package store persists completed builds to the laminar.sqlite database
// and serves the historical queries behind the status pages.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vyvo/laminar/pkg/logenc"
)

// RunState is the lifecycle state of a run. The numeric values are
// persisted in the result column; order matters: lower is worse, so the
// cumulative result of a multi-script run is the minimum over its steps.
type RunState int

const (
	RunUnknown RunState = iota
	RunQueued
	RunRunning
	RunAborted
	RunFailed
	RunSuccess
)

func (r RunState) String() string {
	switch r {
	case RunQueued:
		return "queued"
	case RunRunning:
		return "running"
	case RunAborted:
		return "aborted"
	case RunFailed:
		return "failed"
	case RunSuccess:
		return "success"
	default:
		return "unknown"
	}
}

// ErrNotFound is returned when a requested build row does not exist.
var ErrNotFound = errors.New("build not found")

// BuildRow is one completed build.
type BuildRow struct {
	Name        string
	Number      int
	Node        string
	QueuedAt    int64
	StartedAt   int64
	CompletedAt int64
	Result      RunState
	ParentJob   string
	ParentBuild int
	Reason      string
}

// BuildSummary is the subset of a build row shown in listings.
type BuildSummary struct {
	Name      string
	Number    int
	Node      string
	Started   int64
	Completed int64
	Result    RunState
	Reason    string
}

// Store wraps the sqlite database holding completed builds.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (creating if necessary) the build database at path and
// ensures the schema.
func Open(path string, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The engine serializes all access; a single connection keeps
	// sqlite's locking out of the picture.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: log}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS builds(
		name TEXT, number INT UNSIGNED, node TEXT, queuedAt INT,
		startedAt INT, completedAt INT, result INT, output TEXT,
		outputLen INT, parentJob TEXT, parentBuild INT, reason TEXT,
		PRIMARY KEY (name, number))`); err != nil {
		return fmt.Errorf("create builds table: %w", err)
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_completion_time
		ON builds(completedAt DESC)`); err != nil {
		return fmt.Errorf("create completion index: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// BuildNums returns the last assigned build number per job.
func (s *Store) BuildNums() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT name, MAX(number) FROM builds GROUP BY name`)
	if err != nil {
		return nil, fmt.Errorf("query build numbers: %w", err)
	}
	defer rows.Close()

	nums := make(map[string]int)
	for rows.Next() {
		var name string
		var number int
		if err := rows.Scan(&name, &number); err != nil {
			return nil, err
		}
		nums[name] = number
	}
	return nums, rows.Err()
}

// InsertBuild persists a completed build with its raw log. Logs at or
// above the compression threshold are stored deflated unless deflating
// would not shrink them; outputLen always records the uncompressed size.
func (s *Store) InsertBuild(row BuildRow, rawLog []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO builds VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		row.Name, row.Number, row.Node, row.QueuedAt, row.StartedAt,
		row.CompletedAt, int(row.Result), logenc.Encode(rawLog),
		len(rawLog), row.ParentJob, row.ParentBuild, row.Reason,
	)
	if err != nil {
		return fmt.Errorf("insert build %s #%d: %w", row.Name, row.Number, err)
	}
	return nil
}

// Log fetches and decodes the persisted log of one build.
func (s *Store) Log(name string, number int) ([]byte, error) {
	var payload []byte
	var rawLen int
	err := s.db.QueryRow(
		`SELECT output, outputLen FROM builds WHERE name = ? AND number = ?`,
		name, number,
	).Scan(&payload, &rawLen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query log %s #%d: %w", name, number, err)
	}
	return logenc.Decode(payload, rawLen)
}

// RunInfo returns the timing, result and reason of one persisted build.
func (s *Store) RunInfo(name string, number int) (BuildRow, error) {
	row := BuildRow{Name: name, Number: number}
	var result int
	err := s.db.QueryRow(
		`SELECT queuedAt, startedAt, completedAt, result, reason
		 FROM builds WHERE name = ? AND number = ?`,
		name, number,
	).Scan(&row.QueuedAt, &row.StartedAt, &row.CompletedAt, &result, &row.Reason)
	if errors.Is(err, sql.ErrNoRows) {
		return BuildRow{}, ErrNotFound
	}
	if err != nil {
		return BuildRow{}, fmt.Errorf("query run info %s #%d: %w", name, number, err)
	}
	row.Result = RunState(result)
	return row, nil
}

// RunsPerPage is the page size of the per-job recent-builds listing.
const RunsPerPage = 10

// orderings is the closed allow-list for the per-job listing sort field.
// The ORDER BY fragment cannot be a bound parameter, so anything not in
// this map falls back to number DESC.
var orderings = map[string]string{
	"number":   "number",
	"result":   "result",
	"started":  "startedAt",
	"duration": "(completedAt-startedAt)",
}

// Recent returns one page of a job's completed builds.
func (s *Store) Recent(name string, page int, field string, orderDesc bool) ([]BuildSummary, error) {
	direction := "ASC"
	if orderDesc {
		direction = "DESC"
	}
	orderBy := "number DESC"
	if col, ok := orderings[field]; ok {
		orderBy = col + " " + direction
		if field != "number" {
			orderBy += ", number DESC"
		}
	}
	query := `SELECT number, startedAt, completedAt, result, reason
		 FROM builds WHERE name = ? ORDER BY ` + orderBy + ` LIMIT ? OFFSET ?`
	rows, err := s.db.Query(query, name, RunsPerPage, page*RunsPerPage)
	if err != nil {
		return nil, fmt.Errorf("query recent builds for %s: %w", name, err)
	}
	defer rows.Close()

	var out []BuildSummary
	for rows.Next() {
		b := BuildSummary{Name: name}
		var result int
		if err := rows.Scan(&b.Number, &b.Started, &b.Completed, &result, &b.Reason); err != nil {
			return nil, err
		}
		b.Result = RunState(result)
		out = append(out, b)
	}
	return out, rows.Err()
}

// Count returns the number of completed builds of a job.
func (s *Store) Count(name string) (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM builds WHERE name = ?`, name).Scan(&n); err != nil {
		return 0, fmt.Errorf("count builds for %s: %w", name, err)
	}
	return n, nil
}

// LastSuccess returns the most recently completed successful build of a job.
func (s *Store) LastSuccess(name string) (number int, started int64, ok bool) {
	return s.lastByResult(name, "=")
}

// LastFailed returns the most recently completed non-successful build of a job.
func (s *Store) LastFailed(name string) (number int, started int64, ok bool) {
	return s.lastByResult(name, "<>")
}

func (s *Store) lastByResult(name, op string) (int, int64, bool) {
	var number int
	var started int64
	err := s.db.QueryRow(
		`SELECT number, startedAt FROM builds WHERE name = ? AND result `+op+` ?
		 ORDER BY completedAt DESC LIMIT 1`,
		name, int(RunSuccess),
	).Scan(&number, &started)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.log.Error("query last build by result", "job", name, "error", err)
		}
		return 0, 0, false
	}
	return number, started, true
}

// LastRuntime returns the duration of a job's most recently completed build.
func (s *Store) LastRuntime(name string) (int64, bool) {
	var runtime int64
	err := s.db.QueryRow(
		`SELECT completedAt - startedAt FROM builds WHERE name = ?
		 ORDER BY completedAt DESC LIMIT 1`,
		name,
	).Scan(&runtime)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.log.Error("query last runtime", "job", name, "error", err)
		}
		return 0, false
	}
	return runtime, true
}

// LastResult returns the result of a job's most recently completed build.
func (s *Store) LastResult(name string) (RunState, bool) {
	var result int
	err := s.db.QueryRow(
		`SELECT result FROM builds WHERE name = ? ORDER BY completedAt DESC LIMIT 1`,
		name,
	).Scan(&result)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.log.Error("query last result", "job", name, "error", err)
		}
		return RunUnknown, false
	}
	return RunState(result), true
}

// RecentlyCompleted returns the latest n completions across all jobs.
func (s *Store) RecentlyCompleted(n int) ([]BuildSummary, error) {
	rows, err := s.db.Query(
		`SELECT name, number, node, startedAt, completedAt, result
		 FROM builds ORDER BY completedAt DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query recent completions: %w", err)
	}
	defer rows.Close()

	var out []BuildSummary
	for rows.Next() {
		var b BuildSummary
		var result int
		if err := rows.Scan(&b.Name, &b.Number, &b.Node, &b.Started, &b.Completed, &result); err != nil {
			return nil, err
		}
		b.Result = RunState(result)
		out = append(out, b)
	}
	return out, rows.Err()
}

// BuildsPerDay returns, oldest day first, the per-result completion counts
// for each of the last 7 UTC days.
func (s *Store) BuildsPerDay(now time.Time) ([]map[string]int, error) {
	day := now.Unix() / 86400
	out := make([]map[string]int, 0, 7)
	for i := 6; i >= 0; i-- {
		bucket := map[string]int{}
		rows, err := s.db.Query(
			`SELECT result, COUNT(*) FROM builds
			 WHERE completedAt > ? AND completedAt < ? GROUP BY result`,
			86400*(day-int64(i)), 86400*(day-int64(i-1)))
		if err != nil {
			return nil, fmt.Errorf("query builds per day: %w", err)
		}
		for rows.Next() {
			var result, count int
			if err := rows.Scan(&result, &count); err != nil {
				rows.Close()
				return nil, err
			}
			bucket[RunState(result).String()] = count
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
		out = append(out, bucket)
	}
	return out, nil
}

// BuildsPerJob returns the top 5 jobs by completion count in the last 24h.
func (s *Store) BuildsPerJob(now time.Time) (map[string]int, error) {
	rows, err := s.db.Query(
		`SELECT name, COUNT(*) c FROM builds WHERE completedAt > ?
		 GROUP BY name ORDER BY c DESC LIMIT 5`,
		now.Unix()-86400)
	if err != nil {
		return nil, fmt.Errorf("query builds per job: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var name string
		var count int
		if err := rows.Scan(&name, &count); err != nil {
			return nil, err
		}
		out[name] = count
	}
	return out, rows.Err()
}

// TimePerJob returns the top 5 jobs by average build duration over the
// last 7 days.
func (s *Store) TimePerJob(now time.Time) (map[string]int64, error) {
	rows, err := s.db.Query(
		`SELECT name, AVG(completedAt-startedAt) av FROM builds
		 WHERE completedAt > ? GROUP BY name ORDER BY av DESC LIMIT 5`,
		now.Unix()-7*86400)
	if err != nil {
		return nil, fmt.Errorf("query time per job: %w", err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var name string
		var avg float64
		if err := rows.Scan(&name, &avg); err != nil {
			return nil, err
		}
		out[name] = int64(avg)
	}
	return out, rows.Err()
}

// JobSummaries returns, per job name, the most recent build's summary.
func (s *Store) JobSummaries() ([]BuildSummary, error) {
	rows, err := s.db.Query(
		`SELECT b.name, b.number, b.startedAt, b.completedAt, b.result
		 FROM builds b
		 JOIN (SELECT name, MAX(number) number FROM builds GROUP BY name) latest
		   ON b.name = latest.name AND b.number = latest.number
		 ORDER BY b.name`)
	if err != nil {
		return nil, fmt.Errorf("query job summaries: %w", err)
	}
	defer rows.Close()

	var out []BuildSummary
	for rows.Next() {
		var b BuildSummary
		var result int
		if err := rows.Scan(&b.Name, &b.Number, &b.Started, &b.Completed, &result); err != nil {
			return nil, err
		}
		b.Result = RunState(result)
		out = append(out, b)
	}
	return out, rows.Err()
}
