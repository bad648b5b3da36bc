package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mtzanidakis/clipforge/internal/agent"
	"github.com/mtzanidakis/clipforge/internal/config"
	"github.com/mtzanidakis/clipforge/internal/graph"
	"github.com/mtzanidakis/clipforge/internal/metrics"
	"github.com/mtzanidakis/clipforge/internal/natsbus"
	"github.com/mtzanidakis/clipforge/internal/registry"
	"github.com/mtzanidakis/clipforge/internal/retry"
	"github.com/mtzanidakis/clipforge/internal/scheduler"
	"github.com/mtzanidakis/clipforge/internal/store"
	"github.com/mtzanidakis/clipforge/internal/trigger"
	"github.com/mtzanidakis/clipforge/internal/vault"
	"github.com/mtzanidakis/clipforge/internal/workflow"
)

type testEnv struct {
	srv   *Server
	http  *httptest.Server
	sched *scheduler.Scheduler
	store *store.Store
}

func newTestEnv(t *testing.T, auth string, block chan struct{}) *testEnv {
	t.Helper()

	descs := agent.DefaultDescriptors()
	adapters := make(map[agent.Type]agent.Adapter, len(descs))
	for ty := range descs {
		adapters[ty] = agent.AdapterFunc(func(ctx context.Context, task agent.Task) (agent.Result, error) {
			if block != nil {
				select {
				case <-block:
				case <-ctx.Done():
					return agent.Result{}, ctx.Err()
				}
			}
			return agent.Result{Artifacts: []string{"out/" + task.WorkflowID + "/" + string(ty)}}, nil
		})
	}
	reg, err := registry.New(descs, adapters, nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	g, err := graph.Resolve(reg.Descriptors(), graph.DefaultPolicy())
	if err != nil {
		t.Fatalf("graph: %v", err)
	}
	runs, err := workflow.New(workflow.Options{})
	if err != nil {
		t.Fatalf("workflow store: %v", err)
	}
	promReg := prometheus.NewRegistry()
	sched := scheduler.New(runs, g, reg, nil, scheduler.Options{
		AgentTimeout: 2 * time.Second,
		Retry:        retry.Once(),
		Metrics:      metrics.MustNew(promReg),
	})
	t.Cleanup(func() {
		if block != nil {
			select {
			case <-block:
			default:
				close(block)
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Shutdown(ctx)
	})

	db, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "web.db")})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	v, err := vault.New("web-test")
	if err != nil {
		t.Fatalf("vault: %v", err)
	}

	srv := NewServer(Deps{
		Scheduler: sched,
		Registry:  reg,
		Store:     db,
		Trigger:   trigger.New(db, sched, nil, time.Minute),
		Secrets:   vault.NewSecrets(db, v),
		Gatherer:  promReg,
	}, config.WebConfig{Port: 0, Auth: auth}, "test")

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{srv: srv, http: ts, sched: sched, store: db}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.http.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestCreateAndPollWorkflow(t *testing.T) {
	env := newTestEnv(t, "", nil)

	resp := env.do(t, http.MethodPost, "/api/workflows", `{"prompt":"A product teaser","platforms":["tiktok","youtube"],"mode":"parallel"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	run := decode[workflow.Run](t, resp)
	if run.ID == "" || run.Mode != workflow.ModeParallel {
		t.Fatalf("unexpected run %+v", run)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := env.sched.Wait(ctx, run.ID); err != nil {
		t.Fatalf("wait: %v", err)
	}

	resp = env.do(t, http.MethodGet, "/api/workflows/"+run.ID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	got := decode[workflow.Run](t, resp)
	if got.Status != workflow.RunCompleted || got.Progress != 100 {
		t.Errorf("expected completed at 100%%, got %s at %d", got.Status, got.Progress)
	}
	if len(got.Tasks) != len(agent.AllTypes()) {
		t.Errorf("expected %d task records, got %d", len(agent.AllTypes()), len(got.Tasks))
	}

	resp = env.do(t, http.MethodGet, "/api/workflows?status=completed", "")
	list := decode[[]workflow.Run](t, resp)
	if len(list) != 1 || list[0].ID != run.ID {
		t.Errorf("unexpected list %+v", list)
	}

	resp = env.do(t, http.MethodPost, "/api/workflows/"+run.ID+"/cancel", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409 cancelling a finished run, got %d", resp.StatusCode)
	}
}

func TestWorkflowErrors(t *testing.T) {
	env := newTestEnv(t, "", nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"empty prompt", http.MethodPost, "/api/workflows", `{"prompt":"  ","platforms":["tiktok"]}`, http.StatusBadRequest},
		{"no platforms", http.MethodPost, "/api/workflows", `{"prompt":"x"}`, http.StatusBadRequest},
		{"bad mode", http.MethodPost, "/api/workflows", `{"prompt":"x","platforms":["tiktok"],"mode":"turbo"}`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/workflows", `{"prompt":"x","platforms":["tiktok"],"speed":1}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/api/workflows", `{`, http.StatusBadRequest},
		{"unknown run", http.MethodGet, "/api/workflows/missing", "", http.StatusNotFound},
		{"cancel unknown", http.MethodPost, "/api/workflows/missing/cancel", "", http.StatusNotFound},
		{"bad limit", http.MethodGet, "/api/workflows?limit=x", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, tt.method, tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("expected %d, got %d", tt.want, resp.StatusCode)
			}
			body := decode[map[string]string](t, resp)
			if body["error"] == "" {
				t.Error("expected an error message")
			}
		})
	}
}

func TestCancelRunningWorkflow(t *testing.T) {
	block := make(chan struct{})
	env := newTestEnv(t, "", block)

	resp := env.do(t, http.MethodPost, "/api/workflows", `{"prompt":"teaser","platforms":["tiktok"]}`)
	run := decode[workflow.Run](t, resp)

	resp = env.do(t, http.MethodPost, "/api/workflows/"+run.ID+"/cancel", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	got := decode[workflow.Run](t, resp)
	if got.Status != workflow.RunCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
}

func TestAgentsAndStatus(t *testing.T) {
	env := newTestEnv(t, "", nil)

	resp := env.do(t, http.MethodGet, "/api/agents", "")
	agents := decode[map[string]agentView](t, resp)
	if len(agents) != len(agent.AllTypes()) {
		t.Fatalf("expected %d agents, got %d", len(agent.AllTypes()), len(agents))
	}
	if agents[string(agent.Editing)].Status != agent.StatusIdle {
		t.Errorf("expected idle editing agent, got %s", agents[string(agent.Editing)].Status)
	}

	resp = env.do(t, http.MethodGet, "/api/status", "")
	status := decode[map[string]any](t, resp)
	if status["version"] != "test" || status["nats"] != "disabled" {
		t.Errorf("unexpected status %v", status)
	}

	resp = env.do(t, http.MethodGet, "/api/pool", "")
	pool := decode[map[string]any](t, resp)
	if pool["enabled"] != false {
		t.Errorf("expected pool disabled, got %v", pool)
	}

	resp = env.do(t, http.MethodGet, "/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected metrics 200, got %d", resp.StatusCode)
	}
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t, "hunter2", nil)

	if resp := env.do(t, http.MethodGet, "/api/status", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodGet, "/metrics", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 on metrics, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, env.http.URL+"/api/status", nil)
	req.SetBasicAuth("", "hunter2")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected basic auth to pass, got %d", resp.StatusCode)
	}

	if resp := env.do(t, http.MethodPost, "/api/login", `{"password":"nope"}`); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected wrong password to fail, got %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/api/login", `{"password":"hunter2"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected login 200, got %d", resp.StatusCode)
	}
	var session *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookieName {
			session = c
		}
	}
	if session == nil {
		t.Fatal("expected session cookie")
	}

	req, _ = http.NewRequest(http.MethodGet, env.http.URL+"/api/status", nil)
	req.AddCookie(session)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected session auth to pass, got %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPost, env.http.URL+"/api/logout", nil)
	req.AddCookie(session)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	req, _ = http.NewRequest(http.MethodGet, env.http.URL+"/api/status", nil)
	req.AddCookie(session)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected logged out session to fail, got %d", resp.StatusCode)
	}
}

func TestScheduleEndpoints(t *testing.T) {
	env := newTestEnv(t, "", nil)

	resp := env.do(t, http.MethodPost, "/api/schedules", `{"schedule":"@every 1h","prompt":"Daily teaser","platforms":["tiktok"]}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	sc := decode[store.Schedule](t, resp)
	if sc.ID == "" || sc.Status != trigger.StatusActive || sc.NextRunAt == nil {
		t.Fatalf("unexpected schedule %+v", sc)
	}

	if resp := env.do(t, http.MethodPost, "/api/schedules", `{"schedule":"not a schedule","prompt":"x","platforms":["tiktok"]}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad schedule, got %d", resp.StatusCode)
	}

	if resp := env.do(t, http.MethodPost, "/api/schedules/"+sc.ID+"/pause", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("expected pause 200, got %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodPost, "/api/schedules/missing/pause", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for missing schedule, got %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodGet, "/api/schedules", "")
	list := decode[[]map[string]any](t, resp)
	if len(list) != 1 || list[0]["status"] != trigger.StatusPaused || list[0]["schedule"] != "every hour" {
		t.Errorf("unexpected schedules %v", list)
	}

	if resp := env.do(t, http.MethodDelete, "/api/schedules/"+sc.ID, ""); resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.StatusCode)
	}
	if got, _ := env.store.ListSchedules(); len(got) != 0 {
		t.Errorf("expected schedule deleted, got %d", len(got))
	}
}

func TestSecretEndpoints(t *testing.T) {
	env := newTestEnv(t, "", nil)

	resp := env.do(t, http.MethodPut, "/api/secrets/runway-token", `{"description":"video backend","value":"s3cr3t"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodGet, "/api/secrets", "")
	var raw bytes.Buffer
	if _, err := raw.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(raw.String(), "s3cr3t") {
		t.Error("secret value leaked in listing")
	}
	var list []map[string]any
	if err := json.Unmarshal(raw.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0]["ref"] != "secret:runway-token" {
		t.Errorf("unexpected secrets %v", list)
	}

	if resp := env.do(t, http.MethodPut, "/api/secrets/empty", `{"value":""}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for empty value, got %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodDelete, "/api/secrets/runway-token", ""); resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodDelete, "/api/secrets/runway-token", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 on second delete, got %d", resp.StatusCode)
	}
}

func TestWebSocketRelaysBusEvents(t *testing.T) {
	bus, err := natsbus.New(config.NATSConfig{Port: -1})
	if err != nil {
		t.Fatalf("bus: %v", err)
	}
	t.Cleanup(bus.Close)
	client, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	t.Cleanup(client.Close)

	env := newTestEnv(t, "", nil)
	env.srv.deps.Bus = client

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.srv.hub.Run(ctx)
	if err := env.srv.subscribeEvents(); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.srv.hub.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := client.PublishJSON(natsbus.TopicWorkflowEvents("wf-9"), map[string]string{"type": "workflow_started"}); err != nil {
		t.Fatal(err)
	}
	_ = client.Flush()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Topic != "events.workflow.wf-9" || !strings.Contains(string(ev.Payload), "workflow_started") {
		t.Errorf("unexpected event %s %s", ev.Topic, ev.Payload)
	}
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "0m"},
		{90 * time.Minute, "1h 30m"},
		{50 * time.Hour, "2d 2h 0m"},
	}
	for _, tt := range tests {
		if got := formatUptime(tt.d); got != tt.want {
			t.Errorf("formatUptime(%s) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
