package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"greetd/internal/channel"
	"greetd/internal/domain"
	"greetd/internal/queue"
	"greetd/internal/runtime/supervisor"
	"greetd/internal/scheduler"
	"greetd/internal/storage"
	"greetd/internal/task"
	logx "greetd/pkg/logx"

	"github.com/prometheus/client_golang/prometheus"
)

type nopAdapter struct{ ch domain.Channel }

func (a nopAdapter) Channel() domain.Channel { return a.ch }

func (a nopAdapter) Send(context.Context, channel.Message) channel.Result { return channel.Sent("x") }

type fakeTasks struct{ ran []string }

func (f *fakeTasks) Tasks() []task.Info  { return []task.Info{{Name: "queue", Schedule: "every 30s"}} }
func (f *fakeTasks) History() []task.Run { return nil }

func (f *fakeTasks) RunNow(_ context.Context, name string) error {
	if name != "queue" {
		return task.ErrUnknownTask
	}
	f.ran = append(f.ran, name)
	return nil
}

const token = "s3cret"

func newTestServer(t *testing.T, health func(context.Context) error) (*httptest.Server, *storage.Memory, *fakeTasks) {
	t.Helper()
	st := storage.NewMemory()
	now := func() time.Time { return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) }
	sched := scheduler.New(scheduler.Config{}, st, nil, scheduler.WithClock(now))
	reg := channel.NewRegistry(nopAdapter{ch: domain.ChannelEmail})
	q := queue.New(queue.Config{}, st, reg, logx.Nop(), queue.WithClock(now))
	tasks := &fakeTasks{}
	sup := supervisor.New(context.Background())
	sup.Go0("ticker", func(ctx context.Context) { <-ctx.Done() })
	t.Cleanup(func() { _ = sup.Stop(context.Background()) })
	s := New(Config{Token: token, Pprof: true}, Deps{
		Events:     sched,
		Queue:      q,
		Tasks:      tasks,
		Health:     health,
		Gatherer:   prometheus.NewRegistry(),
		Supervisor: sup.Snapshot,
	}, logx.Nop())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, st, tasks
}

func do(t *testing.T, method, url, body string, auth bool) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if auth {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestHealthAndAuth(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, nil)
	if code, body := do(t, http.MethodGet, srv.URL+"/healthz", "", false); code != http.StatusOK || body != "ok" {
		t.Fatalf("healthz = %d %q", code, body)
	}
	if code, _ := do(t, http.MethodGet, srv.URL+"/metrics", "", false); code != http.StatusUnauthorized {
		t.Fatalf("metrics without token = %d", code)
	}
	if code, _ := do(t, http.MethodGet, srv.URL+"/metrics?token="+token, "", false); code != http.StatusOK {
		t.Fatalf("metrics with token = %d", code)
	}
	if code, _ := do(t, http.MethodGet, srv.URL+"/debug/pprof/", "", true); code != http.StatusOK {
		t.Fatalf("pprof = %d", code)
	}

	down, _, _ := newTestServer(t, func(context.Context) error { return errors.New("db gone") })
	if code, _ := do(t, http.MethodGet, down.URL+"/healthz", "", false); code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy = %d", code)
	}
}

func TestEventRoutes(t *testing.T) {
	t.Parallel()
	srv, st, _ := newTestServer(t, nil)
	body := `{
		"account_id": "acct",
		"recipient": {"first_name": "Ada", "email": "ada@example.com"},
		"event_type": "Birthday",
		"event_date": "2025-03-10",
		"event_time": "09:00",
		"advance_notice_days": 2,
		"channels": {"email": {}}
	}`
	code, out := do(t, http.MethodPost, srv.URL+"/api/v1/events", body, true)
	if code != http.StatusCreated {
		t.Fatalf("create = %d %s", code, out)
	}
	var resp eventResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatal(err)
	}
	want := time.Date(2025, 3, 8, 9, 0, 0, 0, time.UTC)
	if resp.ID == "" || resp.NextExecution == nil || !resp.NextExecution.Equal(want) {
		t.Fatalf("resp = %+v", resp)
	}

	if code, _ := do(t, http.MethodPost, srv.URL+"/api/v1/events/"+resp.ID+"/reschedule", "", true); code != http.StatusConflict {
		t.Fatalf("reschedule pending = %d", code)
	}
	if code, _ := do(t, http.MethodPost, srv.URL+"/api/v1/events/"+resp.ID+"/cancel", "", true); code != http.StatusNoContent {
		t.Fatalf("cancel = %d", code)
	}
	ev, _ := st.GetEvent(context.Background(), resp.ID)
	if ev.Status != domain.EventCancelled {
		t.Fatalf("status = %s", ev.Status)
	}
	if code, _ := do(t, http.MethodPost, srv.URL+"/api/v1/events/missing/cancel", "", true); code != http.StatusNotFound {
		t.Fatalf("cancel missing = %d", code)
	}

	bad := []string{
		`{"account_id": "acct", "event_date": "10/03/2025", "channels": {}}`,
		`{"account_id": "acct", "event_date": "2025-03-10", "channels": {"fax": {}}}`,
		`{"event_date": "2025-03-10", "channels": {}}`,
		`{"unknown": 1}`,
	}
	for _, b := range bad {
		if code, out := do(t, http.MethodPost, srv.URL+"/api/v1/events", b, true); code != http.StatusBadRequest {
			t.Fatalf("%s => %d %s", b, code, out)
		}
	}

	bulk := `{"account_id": "acct", "event_date": "2025-03-10", "channels": {"email": {}},
		"recipients": [{"first_name": "A", "email": "a@example.com"}, {"first_name": "B", "email": "b@example.com"}]}`
	code, out = do(t, http.MethodPost, srv.URL+"/api/v1/events", bulk, true)
	if code != http.StatusCreated || !strings.Contains(out, `"ids"`) {
		t.Fatalf("bulk = %d %s", code, out)
	}
}

func TestNotificationRoutes(t *testing.T) {
	t.Parallel()
	srv, _, tasks := newTestServer(t, nil)
	body := `{"account_id": "acct", "channel": "email", "to": [{"address": "ada@example.com"}], "body": "hi", "priority": "high"}`
	code, out := do(t, http.MethodPost, srv.URL+"/api/v1/notifications", body, true)
	if code != http.StatusCreated {
		t.Fatalf("create = %d %s", code, out)
	}
	var created struct{ IDs []string }
	_ = json.Unmarshal([]byte(out), &created)
	if len(created.IDs) != 1 {
		t.Fatalf("ids = %v", created.IDs)
	}
	id := created.IDs[0]

	code, out = do(t, http.MethodGet, srv.URL+"/api/v1/notifications/"+id, "", true)
	if code != http.StatusOK || !strings.Contains(out, `"priority":"high"`) || !strings.Contains(out, `"status":"pending"`) {
		t.Fatalf("get = %d %s", code, out)
	}
	if code, _ := do(t, http.MethodPost, srv.URL+"/api/v1/notifications/"+id+"/cancel", "", true); code != http.StatusNoContent {
		t.Fatalf("cancel = %d", code)
	}
	if code, _ := do(t, http.MethodPost, srv.URL+"/api/v1/notifications/"+id+"/cancel", "", true); code != http.StatusConflict {
		t.Fatalf("second cancel = %d", code)
	}

	sms := `{"channel": "sms", "to": [{"address": "+15550100"}], "body": "hi"}`
	if code, _ := do(t, http.MethodPost, srv.URL+"/api/v1/notifications", sms, true); code != http.StatusBadRequest {
		t.Fatalf("unregistered channel = %d", code)
	}

	if code, _ := do(t, http.MethodPost, srv.URL+"/api/v1/tasks/queue/run", "", true); code != http.StatusNoContent || len(tasks.ran) != 1 {
		t.Fatalf("run task = %d ran=%v", code, tasks.ran)
	}
	if code, _ := do(t, http.MethodPost, srv.URL+"/api/v1/tasks/nope/run", "", true); code != http.StatusNotFound {
		t.Fatalf("unknown task = %d", code)
	}
}

func TestRequestValidation(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, nil)
	tests := []struct {
		path, body, want string
	}{
		{"/api/v1/events", `{"event_date": "2025-03-10"}`, "account_id is required"},
		{"/api/v1/events", `{"account_id": "a"}`, "event_date is required"},
		{"/api/v1/events", `{"account_id": "a", "event_date": "10/03/2025"}`, "does not match 2006-01-02"},
		{"/api/v1/events", `{"account_id": "a", "event_date": "2025-03-10", "recurrence": "weekly"}`, "recurrence: must be one of"},
		{"/api/v1/events", `{"account_id": "a", "event_date": "2025-03-10", "advance_notice_days": -1}`, "advance_notice_days: must be at least 0"},
		{"/api/v1/events", `{"account_id": "a", "event_date": "2025-03-10", "channels": {"fax": {}}}`, "channels[fax]"},
		{"/api/v1/notifications", `{"channel": "email", "body": "hi"}`, "to is required"},
		{"/api/v1/notifications", `{"channel": "email", "to": [], "body": "hi"}`, "to: must be at least 1"},
		{"/api/v1/notifications", `{"channel": "email", "to": [{"address": " "}], "body": "hi"}`, "to[0].address is required"},
		{"/api/v1/notifications", `{"channel": "email", "to": [{"address": "a@b.c"}]}`, "body is required without Attachments"},
		{"/api/v1/notifications", `{"channel": "fax", "to": [{"address": "a@b.c"}], "body": "hi"}`, "channel: invalid channelname"},
		{"/api/v1/notifications", `{"channel": "email", "to": [{"address": "a@b.c"}], "body": "hi", "max_attempts": -2}`, "max_attempts: must be at least 0"},
	}
	for _, tt := range tests {
		code, out := do(t, http.MethodPost, srv.URL+tt.path, tt.body, true)
		if code != http.StatusBadRequest || !strings.Contains(out, tt.want) {
			t.Fatalf("%s => %d %s, want 400 mentioning %q", tt.body, code, out, tt.want)
		}
	}
	// An attachment stands in for the body.
	ok := `{"channel": "email", "to": [{"address": "a@b.c"}], "attachments": ["https://cdn/card.png"]}`
	if code, out := do(t, http.MethodPost, srv.URL+"/api/v1/notifications", ok, true); code != http.StatusCreated {
		t.Fatalf("attachment only = %d %s", code, out)
	}
}

func TestSupervisorRoute(t *testing.T) {
	t.Parallel()
	srv, _, _ := newTestServer(t, nil)
	if code, _ := do(t, http.MethodGet, srv.URL+"/api/v1/supervisor", "", false); code != http.StatusUnauthorized {
		t.Fatalf("without token = %d", code)
	}
	code, out := do(t, http.MethodGet, srv.URL+"/api/v1/supervisor", "", true)
	if code != http.StatusOK {
		t.Fatalf("supervisor = %d %s", code, out)
	}
	var snap supervisor.Snapshot
	if err := json.Unmarshal([]byte(out), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Started != 1 || snap.Active != 1 || snap.FirstError != "" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestStartRefusesPublicAddrWithoutToken(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{}, logx.Nop())
	if err := s.Start(context.Background()); err == nil {
		s.Stop(context.Background())
		t.Fatal("expected refusal")
	}

	s = New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop(context.Background())
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}
}
