package opcworker

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"opclink/opcda"
)

func browseWorker(t *testing.T, srv *fakeServer) *Worker {
	t.Helper()
	return startTestWorker(t, &fakeConnector{servers: []*fakeServer{srv}})
}

func TestBrowseFlat(t *testing.T) {
	srv := &fakeServer{
		org: opcda.NamespaceFlat,
		root: &fakeNode{leaves: []fakeItem{
			{name: "Tank1.Level"},
			{name: "Tank1.Temp"},
			{name: "Tank2.Level"},
		}},
	}
	w := browseWorker(t, srv)

	tags, err := w.BrowseTags(context.Background(), "Server.1", 100, nil)
	if err != nil {
		t.Fatalf("BrowseTags() error: %v", err)
	}
	want := []string{"Tank1.Level", "Tank1.Temp", "Tank2.Level"}
	if !reflect.DeepEqual(tags, want) {
		t.Errorf("BrowseTags() = %v, want %v", tags, want)
	}
}

func TestBrowseFlatHonorsCap(t *testing.T) {
	leaves := make([]fakeItem, 10)
	for i := range leaves {
		leaves[i] = fakeItem{name: string(rune('A' + i))}
	}
	srv := &fakeServer{org: opcda.NamespaceFlat, root: &fakeNode{leaves: leaves}}
	w := browseWorker(t, srv)

	tags, err := w.BrowseTags(context.Background(), "Server.1", 4, nil)
	if err != nil {
		t.Fatalf("BrowseTags() error: %v", err)
	}
	if len(tags) != 4 {
		t.Errorf("got %d tags, want capped at 4", len(tags))
	}
}

func TestBrowseFlatIterationErrorFails(t *testing.T) {
	iterErr := errors.New("enumeration aborted")
	srv := &fakeServer{
		org: opcda.NamespaceFlat,
		root: &fakeNode{leaves: []fakeItem{
			{name: "Ok"},
			{err: iterErr},
			{name: "Never"},
		}},
	}
	w := browseWorker(t, srv)

	if _, err := w.BrowseTags(context.Background(), "Server.1", 100, nil); !errors.Is(err, iterErr) {
		t.Errorf("BrowseTags() = %v, want iteration error", err)
	}
}

func TestBrowseFlatProbe(t *testing.T) {
	t.Run("probe succeeds, no recursion", func(t *testing.T) {
		srv := &fakeServer{
			org: opcda.NamespaceHierarchical,
			flat: []fakeItem{
				{name: "Plant.Line1.Speed"},
				{err: errors.New("one bad item")},
				{name: "Plant.Line1.Count"},
			},
			root: &fakeNode{branches: []fakeBranch{{name: "Plant", node: &fakeNode{}}}},
		}
		w := browseWorker(t, srv)

		tags, err := w.BrowseTags(context.Background(), "Server.1", 100, nil)
		if err != nil {
			t.Fatalf("BrowseTags() error: %v", err)
		}
		want := []string{"Plant.Line1.Speed", "Plant.Line1.Count"}
		if !reflect.DeepEqual(tags, want) {
			t.Errorf("BrowseTags() = %v, want %v (bad item skipped)", tags, want)
		}
		if srv.browseCalls[opcda.ScopeBranch] != 0 {
			t.Errorf("branch enumeration ran %d times despite successful flat probe, want 0",
				srv.browseCalls[opcda.ScopeBranch])
		}
	})

	t.Run("probe unsupported falls back", func(t *testing.T) {
		srv := &fakeServer{
			org:     opcda.NamespaceHierarchical,
			flatErr: opcda.NewComError("browse", opcda.CodeInvalidItemID),
			root:    &fakeNode{leaves: []fakeItem{{name: "Top"}}},
		}
		w := browseWorker(t, srv)

		tags, err := w.BrowseTags(context.Background(), "Server.1", 100, nil)
		if err != nil {
			t.Fatalf("BrowseTags() error: %v", err)
		}
		if !reflect.DeepEqual(tags, []string{"Top"}) {
			t.Errorf("BrowseTags() = %v, want recursive result", tags)
		}
	})

	t.Run("probe empty falls back", func(t *testing.T) {
		srv := &fakeServer{
			org:  opcda.NamespaceHierarchical,
			root: &fakeNode{leaves: []fakeItem{{name: "Top"}}},
		}
		w := browseWorker(t, srv)

		tags, err := w.BrowseTags(context.Background(), "Server.1", 100, nil)
		if err != nil {
			t.Fatalf("BrowseTags() error: %v", err)
		}
		if !reflect.DeepEqual(tags, []string{"Top"}) {
			t.Errorf("BrowseTags() = %v, want recursive result", tags)
		}
	})
}

func TestBrowseRecursive(t *testing.T) {
	srv := &fakeServer{
		org: opcda.NamespaceHierarchical,
		root: &fakeNode{
			leaves: []fakeItem{{name: "Status"}},
			branches: []fakeBranch{
				{name: "Line1", node: &fakeNode{
					leaves: []fakeItem{{name: "Speed"}, {name: "Count"}},
					branches: []fakeBranch{
						{name: "Motor", node: &fakeNode{leaves: []fakeItem{{name: "Amps"}}}},
					},
				}},
				{name: "Line2", node: &fakeNode{leaves: []fakeItem{{name: "Speed"}}}},
			},
		},
	}
	w := browseWorker(t, srv)

	tags, err := w.BrowseTags(context.Background(), "Server.1", 100, nil)
	if err != nil {
		t.Fatalf("BrowseTags() error: %v", err)
	}
	// Leaves at each level come before descent into branches.
	want := []string{"Status", "Line1.Speed", "Line1.Count", "Line1.Motor.Amps", "Line2.Speed"}
	if !reflect.DeepEqual(tags, want) {
		t.Errorf("BrowseTags() = %v, want %v", tags, want)
	}
}

func TestBrowseRecursiveEdgeCases(t *testing.T) {
	t.Run("failed descent skips the branch", func(t *testing.T) {
		srv := &fakeServer{
			org: opcda.NamespaceHierarchical,
			root: &fakeNode{branches: []fakeBranch{
				{name: "Locked", node: &fakeNode{
					descendErr: opcda.NewComError("browse", opcda.CodeAccessDenied),
					leaves:     []fakeItem{{name: "Hidden"}},
				}},
				{name: "Open", node: &fakeNode{leaves: []fakeItem{{name: "Seen"}}}},
			}},
		}
		w := browseWorker(t, srv)

		tags, err := w.BrowseTags(context.Background(), "Server.1", 100, nil)
		if err != nil {
			t.Fatalf("BrowseTags() error: %v", err)
		}
		if !reflect.DeepEqual(tags, []string{"Open.Seen"}) {
			t.Errorf("BrowseTags() = %v, want only the reachable branch", tags)
		}
	})

	t.Run("failed ascent stops sibling traversal", func(t *testing.T) {
		srv := &fakeServer{
			org: opcda.NamespaceHierarchical,
			root: &fakeNode{branches: []fakeBranch{
				{name: "First", node: &fakeNode{
					leaves:    []fakeItem{{name: "A"}},
					ascendErr: opcda.NewComError("browse", opcda.CodeRPCCallFailed),
				}},
				{name: "Second", node: &fakeNode{leaves: []fakeItem{{name: "B"}}}},
			}},
		}
		w := browseWorker(t, srv)

		tags, err := w.BrowseTags(context.Background(), "Server.1", 100, nil)
		if err != nil {
			t.Fatalf("BrowseTags() error: %v", err)
		}
		if !reflect.DeepEqual(tags, []string{"First.A"}) {
			t.Errorf("BrowseTags() = %v, want traversal halted after lost cursor", tags)
		}
	})

	t.Run("branch enumeration errors are skipped", func(t *testing.T) {
		srv := &fakeServer{
			org: opcda.NamespaceHierarchical,
			root: &fakeNode{branches: []fakeBranch{
				{name: "", err: errors.New("unreadable entry")},
				{name: "Good", node: &fakeNode{leaves: []fakeItem{{name: "Tag"}}}},
			}},
		}
		w := browseWorker(t, srv)

		tags, err := w.BrowseTags(context.Background(), "Server.1", 100, nil)
		if err != nil {
			t.Fatalf("BrowseTags() error: %v", err)
		}
		if !reflect.DeepEqual(tags, []string{"Good.Tag"}) {
			t.Errorf("BrowseTags() = %v, want bad branch entry skipped", tags)
		}
	})

	t.Run("item id resolution falls back to browse name", func(t *testing.T) {
		srv := &fakeServer{
			org:         opcda.NamespaceHierarchical,
			root:        &fakeNode{leaves: []fakeItem{{name: "Raw"}}},
			getItemErrs: map[string]error{"Raw": opcda.NewComError("get item id", opcda.CodeUnknownItemID)},
		}
		w := browseWorker(t, srv)

		tags, err := w.BrowseTags(context.Background(), "Server.1", 100, nil)
		if err != nil {
			t.Fatalf("BrowseTags() error: %v", err)
		}
		if !reflect.DeepEqual(tags, []string{"Raw"}) {
			t.Errorf("BrowseTags() = %v, want unresolved browse name kept", tags)
		}
	})

	t.Run("cap stops mid traversal", func(t *testing.T) {
		srv := &fakeServer{
			org: opcda.NamespaceHierarchical,
			root: &fakeNode{
				leaves: []fakeItem{{name: "A"}, {name: "B"}},
				branches: []fakeBranch{
					{name: "Deep", node: &fakeNode{leaves: []fakeItem{{name: "C"}, {name: "D"}}}},
				},
			},
		}
		w := browseWorker(t, srv)

		tags, err := w.BrowseTags(context.Background(), "Server.1", 3, nil)
		if err != nil {
			t.Fatalf("BrowseTags() error: %v", err)
		}
		if len(tags) != 3 {
			t.Errorf("got %d tags, want capped at 3", len(tags))
		}
	})

	t.Run("depth limit truncates silently", func(t *testing.T) {
		// A chain deeper than the traversal limit: one leaf per level.
		bottom := &fakeNode{leaves: []fakeItem{{name: "Leaf"}}}
		node := bottom
		for i := 0; i < 60; i++ {
			node = &fakeNode{
				leaves:   []fakeItem{{name: "Leaf"}},
				branches: []fakeBranch{{name: "Sub", node: node}},
			}
		}
		srv := &fakeServer{org: opcda.NamespaceHierarchical, root: node}
		w := browseWorker(t, srv)

		tags, err := w.BrowseTags(context.Background(), "Server.1", 1000, nil)
		if err != nil {
			t.Fatalf("BrowseTags() error: %v", err)
		}
		// Levels 0 through maxBrowseDepth each contribute one leaf.
		if want := maxBrowseDepth + 1; len(tags) != want {
			t.Errorf("got %d tags from over-deep chain, want %d", len(tags), want)
		}
	})
}

func TestBrowseProgress(t *testing.T) {
	srv := &fakeServer{
		org: opcda.NamespaceFlat,
		root: &fakeNode{leaves: []fakeItem{
			{name: "T1"}, {name: "T2"}, {name: "T3"}, {name: "T4"}, {name: "T5"},
		}},
	}
	w := browseWorker(t, srv)

	progress := NewBrowseProgress()

	// Sample concurrently while the browse runs; the count must never
	// go backwards.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		last := 0
		for {
			n := progress.Count()
			if n < last {
				t.Errorf("progress count went backwards: %d after %d", n, last)
				return
			}
			last = n
			select {
			case <-stop:
				return
			default:
			}
		}
	}()

	tags, err := w.BrowseTags(context.Background(), "Server.1", 100, progress)
	close(stop)
	wg.Wait()
	if err != nil {
		t.Fatalf("BrowseTags() error: %v", err)
	}

	if progress.Count() != len(tags) {
		t.Errorf("final progress count %d, want %d", progress.Count(), len(tags))
	}
	if !reflect.DeepEqual(progress.Tags(), tags) {
		t.Errorf("progress tags %v, want %v", progress.Tags(), tags)
	}
}

func TestBrowseProgressNilSafe(t *testing.T) {
	var p *BrowseProgress
	p.record("tag")
	if p.Count() != 0 {
		t.Errorf("nil progress Count() = %d, want 0", p.Count())
	}
	if p.Tags() != nil {
		t.Errorf("nil progress Tags() = %v, want nil", p.Tags())
	}
}
