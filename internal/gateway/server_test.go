package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/turnstile/internal/audit"
	"github.com/basket/turnstile/internal/cache"
	"github.com/basket/turnstile/internal/config"
	"github.com/basket/turnstile/internal/gateway"
	"github.com/basket/turnstile/internal/notify"
	"github.com/basket/turnstile/internal/persistence"
	"github.com/basket/turnstile/internal/queue"
	"github.com/basket/turnstile/internal/task"
)

const testToken = "operator-token-0123456789"

type fixture struct {
	srv   *httptest.Server
	m     *queue.Manager
	home  string
	audit *audit.Log
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, gw config.GatewayConfig) *fixture {
	t.Helper()
	home := t.TempDir()
	logger := quietLogger()

	store, err := persistence.Open(filepath.Join(home, "turnstile.db"), nil, logger)
	require.NoError(t, err)
	c, err := cache.New(context.Background(), store, logger)
	require.NoError(t, err)

	m, err := queue.New(c, queue.Options{
		Name:   "uploads",
		Mode:   queue.ModeParallel,
		Logger: logger,
		Handlers: map[string]queue.Handler{
			"ok": queue.HandlerFunc(func(context.Context, *queue.Execution) error { return nil }),
			"fail": queue.HandlerFunc(func(context.Context, *queue.Execution) error {
				return task.NewError("app", 7, "boom")
			}),
			"block": queue.HandlerFunc(func(ctx context.Context, _ *queue.Execution) error {
				<-ctx.Done()
				return ctx.Err()
			}),
		},
	})
	require.NoError(t, err)

	tracker := notify.New("status-bar", 0, nil)
	m.Subscribe(tracker.Observe)
	m.Start()

	al, err := audit.Open(home)
	require.NoError(t, err)

	s := gateway.New(gateway.Config{
		Manager:           m,
		Tracker:           tracker,
		Audit:             al,
		Gateway:           gw,
		ConfigFingerprint: "cfg-test",
		Logger:            logger,
	})
	srv := httptest.NewServer(s.Handler())

	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
		_ = c.Close(ctx)
		_ = store.Close()
		_ = al.Close()
	})
	return &fixture{srv: srv, m: m, home: home, audit: al}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (f *fixture) addTask(t *testing.T, kind string) task.Task {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/tasks", map[string]any{"kind": kind, "payload": map[string]int{"n": 1}})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var out task.Task
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func (f *fixture) waitState(t *testing.T, id string, want task.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, ok := f.m.Get(id)
		return ok && got.State == want
	}, 5*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
}

func decodeError(t *testing.T, body []byte) (string, string) {
	t.Helper()
	var e struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(body, &e))
	return e.Error, e.Code
}

func TestHealthzIsPublic(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{AuthToken: testToken})
	resp, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "uploads", body["manager"])
	assert.NotEmpty(t, resp.Header.Get("Content-Type"))
}

func TestTokenRequired(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{AuthToken: testToken})

	resp, err := http.Get(f.srv.URL + "/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/status", nil)
	req.Header.Set("X-API-Key", "wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAddAndCompleteTask(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{AuthToken: testToken})

	created := f.addTask(t, "ok")
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "ok", created.Kind)
	assert.JSONEq(t, `{"n":1}`, string(created.Payload))

	f.waitState(t, created.ID, task.StateCompleted)

	resp, body := f.do(t, http.MethodGet, "/tasks/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got task.Task
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, task.StateCompleted, got.State)
}

func TestAddTaskValidation(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{})

	resp, body := f.do(t, http.MethodPost, "/tasks", map[string]any{"kind": "nope"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_, code := decodeError(t, body)
	assert.Equal(t, "unknown_kind", code)

	resp, body = f.do(t, http.MethodPost, "/tasks", map[string]any{"payload": 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_, code = decodeError(t, body)
	assert.Equal(t, "invalid_request", code)

	resp, _ = f.do(t, http.MethodPost, "/tasks", "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/tasks", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAddDuplicateID(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{})
	f.m.Pause()

	resp, _ := f.do(t, http.MethodPost, "/tasks", map[string]any{"id": "t-1", "kind": "ok"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, body := f.do(t, http.MethodPost, "/tasks", map[string]any{"id": "t-1", "kind": "ok"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_, code := decodeError(t, body)
	assert.Equal(t, "task_exists", code)
}

func TestGetUnknownTask(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{})
	resp, body := f.do(t, http.MethodGet, "/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_, code := decodeError(t, body)
	assert.Equal(t, "not_found", code)
}

func TestRetryFailedTask(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{})

	failed := f.addTask(t, "fail")
	f.waitState(t, failed.ID, task.StateFailed)

	got, ok := f.m.Get(failed.ID)
	require.True(t, ok)
	require.NotNil(t, got.Error)
	assert.Equal(t, "app", got.Error.Domain)

	// Pause so the retried task stays READY long enough to observe.
	f.m.Pause()
	resp, body := f.do(t, http.MethodPost, "/tasks/"+failed.ID+"/retry", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var retried task.Task
	require.NoError(t, json.Unmarshal(body, &retried))
	assert.Equal(t, task.StateReady, retried.State)
	assert.Nil(t, retried.Error)

	resp, body = f.do(t, http.MethodPost, "/tasks/"+failed.ID+"/retry", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_, code := decodeError(t, body)
	assert.Equal(t, "not_failed", code)

	resp, _ = f.do(t, http.MethodPost, "/tasks/missing/retry", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRemoveIsIdempotentAndAudited(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{})

	running := f.addTask(t, "block")
	f.waitState(t, running.ID, task.StateRunning)

	resp, _ := f.do(t, http.MethodDelete, "/tasks/"+running.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/tasks/"+running.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, ok := f.m.Get(running.ID)
	assert.False(t, ok)

	raw, err := os.ReadFile(audit.Path(f.home))
	require.NoError(t, err)
	var outcomes []string
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var e map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		if e["action"] == "task.remove" {
			outcomes = append(outcomes, e["outcome"].(string))
			assert.Equal(t, running.ID, e["subject"])
		}
	}
	assert.Equal(t, []string{"ok", "noop"}, outcomes)
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{})

	resp, body := f.do(t, http.MethodPost, "/queue/pause", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"paused":true}`, string(body))

	held := f.addTask(t, "ok")
	time.Sleep(50 * time.Millisecond)
	got, _ := f.m.Get(held.ID)
	assert.Equal(t, task.StateReady, got.State)

	resp, body = f.do(t, http.MethodPost, "/queue/resume", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"paused":false}`, string(body))
	f.waitState(t, held.ID, task.StateCompleted)
	assert.GreaterOrEqual(t, f.audit.Count(), int64(3))
}

func TestListTasksFilter(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{})

	done := f.addTask(t, "ok")
	f.waitState(t, done.ID, task.StateCompleted)
	f.m.Pause()
	f.addTask(t, "ok")

	resp, body := f.do(t, http.MethodGet, "/tasks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all struct {
		Tasks []task.Task `json:"tasks"`
		Total int         `json:"total"`
	}
	require.NoError(t, json.Unmarshal(body, &all))
	assert.Equal(t, 2, all.Total)
	assert.Equal(t, done.ID, all.Tasks[0].ID)

	resp, body = f.do(t, http.MethodGet, "/tasks?state=completed", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &all))
	require.Equal(t, 1, all.Total)
	assert.Equal(t, done.ID, all.Tasks[0].ID)

	resp, _ = f.do(t, http.MethodGet, "/tasks?state=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClearFinished(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{})
	done := f.addTask(t, "ok")
	f.waitState(t, done.ID, task.StateCompleted)

	resp, body := f.do(t, http.MethodPost, "/queue/clear", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"removed":1}`, string(body))
	assert.Empty(t, f.m.List())
}

func TestStatusAndMetrics(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{})
	done := f.addTask(t, "ok")
	f.waitState(t, done.ID, task.StateCompleted)

	resp, body := f.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st struct {
		Queue        queue.Stats     `json:"queue"`
		Notification notify.Snapshot `json:"notification"`
		Fingerprint  string          `json:"config_fingerprint"`
	}
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, "uploads", st.Queue.Name)
	assert.Equal(t, 1, st.Queue.Completed)
	assert.Equal(t, "status-bar", st.Notification.Target)
	assert.Equal(t, "cfg-test", st.Fingerprint)

	resp, body = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "turnstile_tasks_total")
}

func TestRecovererReturns500(t *testing.T) {
	// A nil manager makes handlers panic; the router must survive it.
	s := gateway.New(gateway.Config{Logger: quietLogger()})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestBodyLimit(t *testing.T) {
	f := newFixture(t, config.GatewayConfig{MaxBodyBytes: 32})
	big := `{"kind":"ok","payload":"` + strings.Repeat("x", 128) + `"}`
	resp, _ := f.do(t, http.MethodPost, "/tasks", big)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
