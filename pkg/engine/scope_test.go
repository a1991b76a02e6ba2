package engine

import "testing"

func TestWantsStatus(t *testing.T) {
	tests := []struct {
		name  string
		scope MonitorScope
		job   string
		num   int
		want  bool
	}{
		{"home sees everything", MonitorScope{Type: ScopeHome}, "j", 1, true},
		{"all sees everything", MonitorScope{Type: ScopeAll}, "j", 1, true},
		{"job matches same job", MonitorScope{Type: ScopeJob, Job: "j"}, "j", 3, true},
		{"job ignores other job", MonitorScope{Type: ScopeJob, Job: "j"}, "k", 3, false},
		{"run matches exact run", MonitorScope{Type: ScopeRun, Job: "j", Num: 3}, "j", 3, true},
		{"run ignores other build", MonitorScope{Type: ScopeRun, Job: "j", Num: 3}, "j", 4, false},
		{"run ignores queued broadcast", MonitorScope{Type: ScopeRun, Job: "j", Num: 3}, "j", 0, false},
		{"log never wants status", MonitorScope{Type: ScopeLog, Job: "j", Num: 3}, "j", 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.scope.WantsStatus(tt.job, tt.num); got != tt.want {
				t.Errorf("WantsStatus(%q, %d) = %v, want %v", tt.job, tt.num, got, tt.want)
			}
		})
	}
}

func TestWantsLog(t *testing.T) {
	logScope := MonitorScope{Type: ScopeLog, Job: "j", Num: 2}
	if !logScope.WantsLog("j", 2) {
		t.Error("log scope should want its own run's log")
	}
	if logScope.WantsLog("j", 3) {
		t.Error("log scope should not want another build's log")
	}
	if logScope.WantsLog("k", 2) {
		t.Error("log scope should not want another job's log")
	}
	if (MonitorScope{Type: ScopeRun, Job: "j", Num: 2}).WantsLog("j", 2) {
		t.Error("run scope should not want logs")
	}
}
