package engine

import "testing"

func TestActiveIndex(t *testing.T) {
	a := newActiveIndex()
	r1 := &Run{Name: "a", Build: 1, StartedAt: 30}
	r2 := &Run{Name: "a", Build: 2, StartedAt: 10}
	r3 := &Run{Name: "b", Build: 7, StartedAt: 20}

	a.insert(r1)
	a.insert(r2)
	a.insert(r3)

	if a.len() != 3 {
		t.Fatalf("len = %d, want 3", a.len())
	}
	if got := a.job("a"); len(got) != 2 {
		t.Fatalf("job(a) = %d runs, want 2", len(got))
	}
	if got := a.get("b", 7); got != r3 {
		t.Fatalf("get(b,7) = %v, want r3", got)
	}
	if got := a.get("b", 8); got != nil {
		t.Fatalf("get(b,8) = %v, want nil", got)
	}

	order := a.inStartOrder()
	if order[0] != r2 || order[1] != r3 || order[2] != r1 {
		t.Fatalf("unexpected start order: %v", order)
	}

	oldest, ok := a.oldestBuild("a")
	if !ok || oldest != 1 {
		t.Fatalf("oldestBuild(a) = %d,%v, want 1,true", oldest, ok)
	}

	a.remove(r1)
	a.remove(r1) // double remove is a no-op
	if a.len() != 2 {
		t.Fatalf("len after remove = %d, want 2", a.len())
	}
	if _, ok := a.oldestBuild("a"); !ok {
		t.Fatal("oldestBuild(a) should still find r2")
	}
	a.remove(r2)
	if _, ok := a.oldestBuild("a"); ok {
		t.Fatal("oldestBuild(a) should be empty")
	}
	if got := a.inStartOrder(); len(got) != 1 || got[0] != r3 {
		t.Fatalf("unexpected remaining runs: %v", got)
	}
}
