package engine

import "sort"

// activeIndex holds the in-flight runs under three access paths: by run
// identity for O(1) removal, by job name, and ordered by start time.
// All mutation happens under the engine lock.
type activeIndex struct {
	runs    map[*Run]struct{}
	byName  map[string][]*Run
	byStart []*Run
}

func newActiveIndex() *activeIndex {
	return &activeIndex{
		runs:   make(map[*Run]struct{}),
		byName: make(map[string][]*Run),
	}
}

func (a *activeIndex) insert(r *Run) {
	a.runs[r] = struct{}{}
	a.byName[r.Name] = append(a.byName[r.Name], r)
	i := sort.Search(len(a.byStart), func(i int) bool {
		return a.byStart[i].StartedAt > r.StartedAt
	})
	a.byStart = append(a.byStart, nil)
	copy(a.byStart[i+1:], a.byStart[i:])
	a.byStart[i] = r
}

func (a *activeIndex) remove(r *Run) {
	if _, ok := a.runs[r]; !ok {
		return
	}
	delete(a.runs, r)

	named := a.byName[r.Name]
	for i, run := range named {
		if run == r {
			a.byName[r.Name] = append(named[:i], named[i+1:]...)
			break
		}
	}
	if len(a.byName[r.Name]) == 0 {
		delete(a.byName, r.Name)
	}

	for i, run := range a.byStart {
		if run == r {
			a.byStart = append(a.byStart[:i], a.byStart[i+1:]...)
			break
		}
	}
}

// job returns the active runs of one job.
func (a *activeIndex) job(name string) []*Run {
	return a.byName[name]
}

// get returns the active run with the given identity, or nil.
func (a *activeIndex) get(name string, number int) *Run {
	for _, r := range a.byName[name] {
		if r.Build == number {
			return r
		}
	}
	return nil
}

// inStartOrder returns all active runs ordered by start time.
func (a *activeIndex) inStartOrder() []*Run {
	return a.byStart
}

func (a *activeIndex) len() int {
	return len(a.runs)
}

// oldestBuild returns the lowest build number among the active runs of a
// job, and whether any such run exists.
func (a *activeIndex) oldestBuild(name string) (int, bool) {
	runs := a.byName[name]
	if len(runs) == 0 {
		return 0, false
	}
	oldest := runs[0].Build
	for _, r := range runs[1:] {
		if r.Build < oldest {
			oldest = r.Build
		}
	}
	return oldest, true
}
