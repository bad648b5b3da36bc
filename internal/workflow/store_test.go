package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/clipforge/internal/agent"
	"github.com/mtzanidakis/clipforge/internal/config"
	"github.com/mtzanidakis/clipforge/internal/store"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := New(opts)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func threeTasks() []TaskSpec {
	return []TaskSpec{
		{Type: agent.ContentAnalysis, Weight: 1, Required: true},
		{Type: agent.VideoGeneration, HardDeps: []agent.Type{agent.ContentAnalysis}, Weight: 1, Required: true},
		{Type: agent.MusicGeneration, HardDeps: []agent.Type{agent.ContentAnalysis}, Weight: 2},
	}
}

func demoRequest() Request {
	return Request{Prompt: " demo ", Platforms: []string{"TikTok", "tiktok", "youtube"}}
}

func TestNormalize(t *testing.T) {
	req, err := demoRequest().Normalize()
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if req.Prompt != "demo" || req.Mode != ModeHybrid {
		t.Errorf("unexpected request %+v", req)
	}
	if len(req.Platforms) != 2 || req.Platforms[0] != "tiktok" {
		t.Errorf("expected deduplicated platforms, got %v", req.Platforms)
	}

	for _, bad := range []Request{
		{Prompt: "  ", Platforms: []string{"tiktok"}},
		{Prompt: "x"},
		{Prompt: "x", Platforms: []string{"tiktok"}, Mode: "round-robin"},
	} {
		if _, err := bad.Normalize(); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("expected ErrInvalidRequest for %+v, got %v", bad, err)
		}
	}
}

func TestCreateUniqueIDs(t *testing.T) {
	s := newTestStore(t, Options{})

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := s.Create(demoRequest(), threeTasks())
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[run.ID] {
				t.Errorf("duplicate id %s", run.ID)
			}
			seen[run.ID] = true
		}()
	}
	wg.Wait()
	if s.Len() != 50 {
		t.Errorf("expected 50 runs, got %d", s.Len())
	}
}

func TestCreateInitialState(t *testing.T) {
	s := newTestStore(t, Options{})
	run, err := s.Create(demoRequest(), threeTasks())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if run.Status != RunPending || run.Progress != 0 || run.Version != 1 {
		t.Errorf("unexpected run %+v", run)
	}
	for typ, rec := range run.Tasks {
		if rec.Status != TaskWaiting {
			t.Errorf("%s: expected waiting, got %s", typ, rec.Status)
		}
	}
	if run.OutputFiles == nil || run.Errors == nil {
		t.Error("expected empty, non-nil output and error lists")
	}
}

func TestTaskLifecycle(t *testing.T) {
	s := newTestStore(t, Options{})
	run, _ := s.Create(demoRequest(), threeTasks())
	id := run.ID

	if _, err := s.Start(id); err != nil {
		t.Fatalf("start: %v", err)
	}
	steps := []struct {
		typ agent.Type
		tr  Transition
	}{
		{agent.ContentAnalysis, Transition{To: TaskReady}},
		{agent.ContentAnalysis, Transition{To: TaskRunning}},
		{agent.ContentAnalysis, Transition{To: TaskDone, Result: &agent.Result{Artifacts: []string{"script.json"}}}},
		{agent.VideoGeneration, Transition{To: TaskReady}},
		{agent.MusicGeneration, Transition{To: TaskReady}},
		{agent.VideoGeneration, Transition{To: TaskRunning}},
		{agent.MusicGeneration, Transition{To: TaskRunning}},
		{agent.MusicGeneration, Transition{To: TaskFailed, Reason: "model overloaded"}},
		{agent.VideoGeneration, Transition{To: TaskDone, Result: &agent.Result{Artifacts: []string{"raw.mp4"}}}},
	}

	lastProgress := 0
	lastVersion := uint64(0)
	for _, st := range steps {
		got, err := s.ApplyTaskTransition(id, st.typ, st.tr)
		if err != nil {
			t.Fatalf("%s -> %s: %v", st.typ, st.tr.To, err)
		}
		if got.Progress < lastProgress {
			t.Fatalf("progress decreased from %d to %d", lastProgress, got.Progress)
		}
		if got.Version <= lastVersion {
			t.Fatalf("version did not increase")
		}
		lastProgress, lastVersion = got.Progress, got.Version
	}

	got, _ := s.Get(id)
	if got.Progress != 100 {
		t.Errorf("expected progress 100 once all tasks are terminal, got %d", got.Progress)
	}
	if len(got.OutputFiles) != 2 || got.OutputFiles[0] != "script.json" || got.OutputFiles[1] != "raw.mp4" {
		t.Errorf("expected outputs in completion order, got %v", got.OutputFiles)
	}
	if len(got.Errors) != 1 || got.Errors[0] != "music-generation: model overloaded" {
		t.Errorf("unexpected errors %v", got.Errors)
	}
	rec := got.Task(agent.VideoGeneration)
	if rec.ReadyAt == nil || rec.StartedAt == nil || rec.FinishedAt == nil {
		t.Fatalf("expected all timestamps set, got %+v", rec)
	}
	if !rec.StartedAt.After(*rec.ReadyAt) || !rec.FinishedAt.After(*rec.StartedAt) {
		t.Error("expected strictly increasing task timestamps")
	}

	fin, err := s.Finish(id, RunCompleted)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if fin.Status != RunCompleted || fin.CompletedAt == nil || fin.ExecutionTimeMS == nil {
		t.Errorf("unexpected finished run %+v", fin)
	}
	if _, err := s.Finish(id, RunError); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected second finish to fail, got %v", err)
	}
}

func TestInvalidTransitions(t *testing.T) {
	s := newTestStore(t, Options{})
	run, _ := s.Create(demoRequest(), threeTasks())

	cases := []Transition{
		{To: TaskRunning},
		{To: TaskDone},
		{To: TaskFailed},
		{To: TaskWaiting},
	}
	for _, tr := range cases {
		if _, err := s.ApplyTaskTransition(run.ID, agent.ContentAnalysis, tr); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("waiting -> %s: expected ErrInvalidTransition, got %v", tr.To, err)
		}
	}

	_, _ = s.ApplyTaskTransition(run.ID, agent.ContentAnalysis, Transition{To: TaskReady})
	_, _ = s.ApplyTaskTransition(run.ID, agent.ContentAnalysis, Transition{To: TaskRunning})
	if _, err := s.ApplyTaskTransition(run.ID, agent.ContentAnalysis, Transition{To: TaskSkipped}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("running -> skipped: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := s.ApplyTaskTransition(run.ID, agent.Safety, Transition{To: TaskReady}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("unknown task: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := s.ApplyTaskTransition("missing", agent.Safety, Transition{To: TaskReady}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	s := newTestStore(t, Options{})
	run, _ := s.Create(demoRequest(), threeTasks())
	id := run.ID
	_, _ = s.Start(id)
	_, _ = s.ApplyTaskTransition(id, agent.ContentAnalysis, Transition{To: TaskReady})
	_, _ = s.ApplyTaskTransition(id, agent.ContentAnalysis, Transition{To: TaskRunning})
	_, _ = s.ApplyTaskTransition(id, agent.VideoGeneration, Transition{To: TaskReady})

	got, err := s.Cancel(id)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != RunCancelled || got.CompletedAt == nil {
		t.Errorf("unexpected cancelled run %+v", got)
	}
	for _, typ := range []agent.Type{agent.VideoGeneration, agent.MusicGeneration} {
		rec := got.Task(typ)
		if rec.Status != TaskSkipped || rec.Reason != "cancelled" {
			t.Errorf("%s: expected skipped(cancelled), got %s(%s)", typ, rec.Status, rec.Reason)
		}
	}

	// The in-flight task still records its outcome.
	got, err = s.ApplyTaskTransition(id, agent.ContentAnalysis, Transition{To: TaskDone, Result: &agent.Result{Artifacts: []string{"a"}}})
	if err != nil {
		t.Fatalf("complete in-flight: %v", err)
	}
	if got.Status != RunCancelled || len(got.OutputFiles) != 1 {
		t.Errorf("unexpected run after in-flight completion %+v", got)
	}

	if _, err := s.Cancel(id); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected second cancel to fail, got %v", err)
	}
}

func TestNoDispatchAfterCancel(t *testing.T) {
	s := newTestStore(t, Options{})
	run, _ := s.Create(demoRequest(), threeTasks())
	_, _ = s.Start(run.ID)
	_, _ = s.Cancel(run.ID)
	if _, err := s.ApplyTaskTransition(run.ID, agent.ContentAnalysis, Transition{To: TaskReady}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestSnapshotsAreCopies(t *testing.T) {
	s := newTestStore(t, Options{})
	run, _ := s.Create(demoRequest(), threeTasks())

	run.Platforms[0] = "mutated"
	run.Tasks[agent.ContentAnalysis].Status = TaskDone
	run.OutputFiles = append(run.OutputFiles, "x")

	got, _ := s.Get(run.ID)
	if got.Platforms[0] != "tiktok" || got.Tasks[agent.ContentAnalysis].Status != TaskWaiting || len(got.OutputFiles) != 0 {
		t.Error("store state leaked through snapshot")
	}
}

func TestPollingIsByteIdentical(t *testing.T) {
	s := newTestStore(t, Options{})
	req := demoRequest()
	req.Parameters = map[string]any{"editing": map[string]any{"style": "fast", "cuts": 12}, "seed": 7}
	run, _ := s.Create(req, threeTasks())
	_, _ = s.Start(run.ID)
	_, _ = s.ApplyTaskTransition(run.ID, agent.ContentAnalysis, Transition{To: TaskReady})

	a, _ := s.Get(run.ID)
	b, _ := s.Get(run.ID)
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	if !bytes.Equal(ja, jb) {
		t.Errorf("snapshots differ:\n%s\n%s", ja, jb)
	}
}

func TestListFilter(t *testing.T) {
	s := newTestStore(t, Options{})
	a, _ := s.Create(Request{Prompt: "a", Mode: ModeParallel, Platforms: []string{"x"}}, nil)
	b, _ := s.Create(Request{Prompt: "b", Mode: ModeSequential, Platforms: []string{"x"}}, nil)
	_, _ = s.Start(b.ID)

	all := s.List(Filter{})
	if len(all) != 2 || all[0].ID != a.ID {
		t.Errorf("expected both runs oldest first, got %d", len(all))
	}
	if got := s.List(Filter{Status: RunRunning}); len(got) != 1 || got[0].ID != b.ID {
		t.Errorf("expected running run b, got %v", got)
	}
	if got := s.List(Filter{Mode: ModeParallel}); len(got) != 1 || got[0].ID != a.ID {
		t.Errorf("expected parallel run a, got %v", got)
	}
	if got := s.List(Filter{Limit: 1}); len(got) != 1 || got[0].ID != b.ID {
		t.Errorf("expected newest run with limit, got %v", got)
	}
}

func TestEvictToArchive(t *testing.T) {
	db, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	archive := NewSQLArchive(db)
	s := newTestStore(t, Options{Retention: time.Minute, CacheSize: 1, Archive: archive})

	done, _ := s.Create(demoRequest(), threeTasks())
	_, _ = s.Start(done.ID)
	finished, _ := s.Finish(done.ID, RunError, "required agent content-analysis failed")
	live, _ := s.Create(demoRequest(), threeTasks())

	if n := s.Evict(time.Now()); n != 0 {
		t.Fatalf("expected nothing evicted inside retention, got %d", n)
	}
	if n := s.Evict(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if s.Len() != 1 {
		t.Errorf("expected only the live run in memory, got %d", s.Len())
	}
	if _, err := s.Get(live.ID); err != nil {
		t.Errorf("live run should stay: %v", err)
	}

	got, err := s.Get(done.ID)
	if err != nil {
		t.Fatalf("get evicted run: %v", err)
	}
	if got.Status != RunError || got.Version != finished.Version {
		t.Errorf("unexpected archived run %+v", got)
	}

	// Push it out of the cache and read it back from sqlite.
	s.cache.Purge()
	got, err = s.Get(done.ID)
	if err != nil {
		t.Fatalf("get archived run: %v", err)
	}
	if got.Errors[0] != "required agent content-analysis failed" {
		t.Errorf("unexpected archived errors %v", got.Errors)
	}

	list, err := archive.List("", 0)
	if err != nil || len(list) != 1 {
		t.Errorf("expected one archived run, got %d (%v)", len(list), err)
	}
}
