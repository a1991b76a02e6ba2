package engine

import "testing"

func tags(names ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

func TestNodeCanQueue(t *testing.T) {
	tests := []struct {
		name    string
		node    *Node
		jobTags map[string]struct{}
		want    bool
	}{
		{"free untagged node accepts untagged job", &Node{NumExecutors: 1}, nil, true},
		{"free untagged node accepts tagged job", &Node{NumExecutors: 1}, tags("windows"), true},
		{"busy node rejects", &Node{NumExecutors: 1, BusyExecutors: 1}, nil, false},
		{"overbusy node rejects", &Node{NumExecutors: 1, BusyExecutors: 2}, nil, false},
		{"tagged node rejects untagged job", &Node{NumExecutors: 1, Tags: tags("linux")}, nil, false},
		{"tagged node rejects disjoint tags", &Node{NumExecutors: 1, Tags: tags("linux")}, tags("windows"), false},
		{"tagged node accepts intersecting tags", &Node{NumExecutors: 1, Tags: tags("linux", "amd64")}, tags("windows", "linux"), true},
		{"busy wins over matching tags", &Node{NumExecutors: 1, BusyExecutors: 1, Tags: tags("linux")}, tags("linux"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.node.canQueue(tt.jobTags); got != tt.want {
				t.Errorf("canQueue = %v, want %v", got, tt.want)
			}
		})
	}
}
