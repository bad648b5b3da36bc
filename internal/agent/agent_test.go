package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestParseType(t *testing.T) {
	for _, typ := range AllTypes() {
		got, err := ParseType(string(typ))
		if err != nil {
			t.Fatalf("parse %q: %v", typ, err)
		}
		if got != typ {
			t.Errorf("expected %q, got %q", typ, got)
		}
	}
	if _, err := ParseType("subtitles"); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestDefaultDescriptorsCoverAllTypes(t *testing.T) {
	descs := DefaultDescriptors()
	if len(descs) != 10 {
		t.Fatalf("expected 10 descriptors, got %d", len(descs))
	}
	for _, typ := range AllTypes() {
		d, ok := descs[typ]
		if !ok {
			t.Fatalf("missing descriptor for %s", typ)
		}
		if !d.Priority.Valid() {
			t.Errorf("%s: invalid priority %q", typ, d.Priority)
		}
		if d.Weight != 1 {
			t.Errorf("%s: expected weight 1, got %d", typ, d.Weight)
		}
	}
	if descs[Editing].Concurrent {
		t.Error("editing should not be concurrency-capable by default")
	}
}

func TestPriorityRank(t *testing.T) {
	if !(PriorityHigh.Rank() < PriorityNormal.Rank() && PriorityNormal.Rank() < PriorityLow.Rank()) {
		t.Error("expected high < normal < low")
	}
}

func TestInstanceRunTransitions(t *testing.T) {
	started := make(chan struct{})
	finish := make(chan struct{})
	inst := NewInstance(DefaultDescriptors()[VideoGeneration], AdapterFunc(func(ctx context.Context, task Task) (Result, error) {
		close(started)
		<-finish
		return Result{Artifacts: []string{"a.mp4"}}, nil
	}))

	if st := inst.State(); st.Status != StatusIdle {
		t.Fatalf("expected idle, got %s", st.Status)
	}

	done := make(chan error, 1)
	go func() {
		_, err := inst.Run(context.Background(), Task{ID: "t1"})
		done <- err
	}()
	<-started

	st := inst.State()
	if st.Status != StatusRunning || st.CurrentTask != "t1" {
		t.Fatalf("expected running t1, got %s %q", st.Status, st.CurrentTask)
	}
	if _, err := inst.Run(context.Background(), Task{ID: "t2"}); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	close(finish)
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	st = inst.State()
	if st.Status != StatusCompleted || st.CurrentTask != "" {
		t.Fatalf("expected completed with no task, got %s %q", st.Status, st.CurrentTask)
	}
	if st.LastResult == nil || st.LastResult.Artifacts[0] != "a.mp4" {
		t.Fatalf("unexpected last result: %+v", st.LastResult)
	}

	// Mutating the snapshot must not leak back into the instance.
	st.LastResult.Artifacts[0] = "mutated"
	if inst.State().LastResult.Artifacts[0] != "a.mp4" {
		t.Error("state snapshot shares memory with instance")
	}
}

func TestInstanceRecoversPanic(t *testing.T) {
	inst := NewInstance(DefaultDescriptors()[Safety], AdapterFunc(func(ctx context.Context, task Task) (Result, error) {
		panic("boom")
	}))
	_, err := inst.Run(context.Background(), Task{ID: "t"})
	if err == nil || !IsPermanent(err) {
		t.Fatalf("expected permanent failure, got %v", err)
	}
	if st := inst.State(); st.Status != StatusError || !strings.Contains(st.LastError, "boom") {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestInstanceAcquire(t *testing.T) {
	inst := NewInstance(DefaultDescriptors()[Editing], &Simulated{Type: Editing})
	if err := inst.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := inst.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	inst.Release()
	if err := inst.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestSimulatedArtifacts(t *testing.T) {
	task := Task{ID: "t", WorkflowID: "wf1", Prompt: "demo", Platforms: []string{"youtube", "tiktok"}}

	res, err := NewSimulated(VideoGeneration, 0, 0, "out").Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(res.Artifacts) != 1 || res.Artifacts[0] != "out/wf1/video-generation-raw.mp4" {
		t.Errorf("unexpected artifacts %v", res.Artifacts)
	}

	res, err = NewSimulated(Optimization, 0, 0, "out").Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := []string{"out/wf1/optimized-tiktok.mp4", "out/wf1/optimized-youtube.mp4"}
	if strings.Join(res.Artifacts, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, res.Artifacts)
	}
}

func TestSimulatedSummaryKeepsRunes(t *testing.T) {
	prompt := strings.Repeat("é", 40)
	res, err := NewSimulated(ContentAnalysis, 0, 0, "out").Execute(context.Background(), Task{WorkflowID: "wf1", Prompt: prompt, Platforms: []string{"x"}})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !utf8.ValidString(res.Summary) {
		t.Errorf("summary is not valid UTF-8: %q", res.Summary)
	}

	for _, max := range []int{1, 2, 3, 59, 60} {
		got := truncate("日本語のプロンプト", max)
		if !utf8.ValidString(got) {
			t.Errorf("truncate(_, %d) = %q is not valid UTF-8", max, got)
		}
	}
	if got := truncate("  short  ", 10); got != "short" {
		t.Errorf("expected trimmed input, got %q", got)
	}
}

func TestSimulatedFailureAndCancel(t *testing.T) {
	_, err := NewSimulated(MusicGeneration, 0, 1, "").Execute(context.Background(), Task{})
	if err == nil || IsPermanent(err) {
		t.Fatalf("expected retryable failure, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewSimulated(MusicGeneration, time.Hour, 0, "").Execute(ctx, Task{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestHTTPAdapter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(Reply{Error: "bad token"})
			return
		}
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusOK)
			return
		}
		var task Task
		_ = json.NewDecoder(r.Body).Decode(&task)
		switch task.Prompt {
		case "flaky":
			w.WriteHeader(http.StatusBadGateway)
		default:
			_ = json.NewEncoder(w).Encode(Reply{Result: &Result{Summary: "ok " + task.Prompt}})
		}
	}))
	defer srv.Close()

	a := NewHTTPAdapter(srv.URL, "tok", time.Second)
	res, err := a.Execute(context.Background(), Task{Prompt: "demo"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Summary != "ok demo" {
		t.Errorf("unexpected summary %q", res.Summary)
	}

	_, err = a.Execute(context.Background(), Task{Prompt: "flaky"})
	if err == nil || IsPermanent(err) {
		t.Fatalf("expected retryable failure for 5xx, got %v", err)
	}

	bad := NewHTTPAdapter(srv.URL, "wrong", time.Second)
	_, err = bad.Execute(context.Background(), Task{Prompt: "demo"})
	if err == nil || !IsPermanent(err) || !strings.Contains(err.Error(), "bad token") {
		t.Fatalf("expected permanent bad token failure, got %v", err)
	}

	if err := a.Health(context.Background()); err != nil {
		t.Errorf("health: %v", err)
	}
}

func TestReplyRoundTrip(t *testing.T) {
	res, err := ReplyFor(Result{}, &Failure{Reason: "nope", Permanent: true}).unwrap()
	if err == nil || !IsPermanent(err) {
		t.Fatalf("expected permanent failure, got %v %+v", err, res)
	}
	res, err = ReplyFor(Result{Summary: "s"}, nil).unwrap()
	if err != nil || res.Summary != "s" {
		t.Fatalf("unexpected %v %+v", err, res)
	}
}
