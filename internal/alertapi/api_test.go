package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/relay/internal/bus"
	"github.com/linnemanlabs/relay/internal/incident"
	"github.com/linnemanlabs/relay/internal/incident/memstore"
	"github.com/linnemanlabs/relay/internal/status"
	"github.com/linnemanlabs/relay/internal/streams"
)

type published struct {
	subject string
	data    []byte
	msgID   string
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, subject string, data []byte, opts ...bus.PublishOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	o := bus.ApplyPublishOptions(opts)
	f.msgs = append(f.msgs, published{subject: subject, data: data, msgID: o.MsgID})
	return nil
}

func (f *fakePublisher) published() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) (*incident.Report, bool, error) {
	return nil, false, errors.New("db down")
}

func (failingStore) List(context.Context, int) ([]*incident.Report, error) {
	return nil, errors.New("db down")
}

type fakeBoard []status.Record

func (b fakeBoard) Snapshot() []status.Record { return b }

func newTestRouter(t *testing.T) (chi.Router, *fakePublisher, *memstore.Store) {
	t.Helper()
	pub := &fakePublisher{}
	store := memstore.New()
	api := New(nil, pub, streams.Default(), store, fakeBoard{{ID: "orchestrator", Status: status.Active}})
	r := chi.NewRouter()
	api.RegisterRoutes(r)
	return r, pub, store
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

//  New / constructor

func TestNew_NilLogger(t *testing.T) {
	t.Parallel()

	api := New(nil, &fakePublisher{}, streams.Default(), memstore.New(), nil)
	if api.logger == nil {
		t.Fatal("New left logger nil; expected Nop logger")
	}
	api = New(log.Nop(), &fakePublisher{}, streams.Default(), memstore.New(), nil)
	if api.logger == nil {
		t.Fatal("New(logger) left logger nil")
	}
}

func TestNew_MissingDependency_Panics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fn   func()
	}{
		{"publisher", func() { New(nil, nil, streams.Default(), memstore.New(), nil) }},
		{"registry", func() { New(nil, &fakePublisher{}, nil, memstore.New(), nil) }},
		{"incidents", func() { New(nil, &fakePublisher{}, streams.Default(), nil, nil) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			defer func() {
				if r := recover(); r == nil {
					t.Fatalf("New without %s did not panic", tt.name)
				}
			}()
			tt.fn()
		})
	}
}

// Routing

func TestRegisterRoutes(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRouter(t)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{"POST valid webhook", http.MethodPost, "/api/v1/alerts", `{"alerts":[{"status":"firing","fingerprint":"abc123","labels":{"alertname":"TestAlert"}}]}`, http.StatusAccepted},
		{"POST invalid JSON", http.MethodPost, "/api/v1/alerts", `{bad`, http.StatusBadRequest},
		{"POST empty body", http.MethodPost, "/api/v1/alerts", ``, http.StatusBadRequest},
		{"GET alerts not allowed", http.MethodGet, "/api/v1/alerts", "", http.StatusMethodNotAllowed},
		{"PUT alerts not allowed", http.MethodPut, "/api/v1/alerts", "", http.StatusMethodNotAllowed},
		{"GET unknown incident", http.MethodGet, "/api/v1/incidents/nope", "", http.StatusNotFound},
		{"DELETE incident not allowed", http.MethodDelete, "/api/v1/incidents/a1", "", http.StatusMethodNotAllowed},
		{"GET incidents", http.MethodGet, "/api/v1/incidents", "", http.StatusOK},
		{"GET incidents bad limit", http.MethodGet, "/api/v1/incidents?limit=0", "", http.StatusBadRequest},
		{"GET incidents huge limit", http.MethodGet, "/api/v1/incidents?limit=100000", "", http.StatusBadRequest},
		{"GET agents", http.MethodGet, "/api/v1/agents", "", http.StatusOK},
		{"GET root", http.MethodGet, "/", "", http.StatusNotFound},
		{"GET v2", http.MethodGet, "/api/v2/alerts", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := do(r, tt.method, tt.path, tt.body)
			if rec.Code != tt.wantStatus {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.wantStatus)
			}
		})
	}
}

// Alert ingestion

func TestHandleIngestAlert_Webhook(t *testing.T) {
	t.Parallel()

	r, pub, _ := newTestRouter(t)

	body := `{
		"version": "4",
		"status": "firing",
		"alerts": [
			{"status": "firing", "fingerprint": "fp-001",
			 "labels": {"alertname": "HighCPU", "severity": "critical", "service": "checkout"},
			 "annotations": {"summary": "CPU is too high"}},
			{"status": "resolved", "fingerprint": "fp-002",
			 "labels": {"alertname": "DiskFull"}}
		]
	}`
	rec := do(r, http.MethodPost, "/api/v1/alerts", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}

	var resp struct {
		Accepted []string `json:"accepted"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Accepted) != 2 || resp.Accepted[0] != "fp-001" || resp.Accepted[1] != "fp-002" {
		t.Fatalf("accepted = %v", resp.Accepted)
	}

	msgs := pub.published()
	if len(msgs) != 2 {
		t.Fatalf("published = %d, want 2", len(msgs))
	}
	if msgs[0].subject != "alerts" || msgs[0].msgID != "fp-001:firing" {
		t.Errorf("first publish = %s %s", msgs[0].subject, msgs[0].msgID)
	}

	var got map[string]any
	if err := json.Unmarshal(msgs[0].data, &got); err != nil {
		t.Fatalf("decode published alert: %v", err)
	}
	if got["alert_id"] != "fp-001" {
		t.Errorf("alert_id = %v", got["alert_id"])
	}
	labels, _ := got["labels"].(map[string]any)
	if labels["service"] != "checkout" {
		t.Errorf("labels = %v", labels)
	}
}

func TestHandleIngestAlert_SingleAlertKeepsID(t *testing.T) {
	t.Parallel()

	r, pub, _ := newTestRouter(t)

	rec := do(r, http.MethodPost, "/api/v1/alerts", `{"id":"a1","labels":{"alertname":"X"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"a1"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
	if n := len(pub.published()); n != 1 {
		t.Errorf("published = %d, want 1", n)
	}
}

func TestHandleIngestAlert_EmptyBatch(t *testing.T) {
	t.Parallel()

	r, pub, _ := newTestRouter(t)

	rec := do(r, http.MethodPost, "/api/v1/alerts", `{"alerts":[]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"accepted":[]}` {
		t.Errorf("body = %s", rec.Body.String())
	}
	if n := len(pub.published()); n != 0 {
		t.Errorf("published = %d, want 0", n)
	}
}

func TestHandleIngestAlert_BusDown(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{err: bus.ErrNotConnected}
	r := chi.NewRouter()
	New(nil, pub, streams.Default(), memstore.New(), nil).RegisterRoutes(r)

	rec := do(r, http.MethodPost, "/api/v1/alerts", `{"alert_id":"a1","labels":{}}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if !strings.Contains(rec.Body.String(), "alert bus unavailable") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestHandleIngestAlert_TooLarge(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRouter(t)

	body := `{"alert_id":"a1","labels":{"x":"` + strings.Repeat("a", maxAlertBody) + `"}}`
	rec := do(r, http.MethodPost, "/api/v1/alerts", body)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
}

// Incidents

func TestHandleGetIncident(t *testing.T) {
	t.Parallel()

	r, _, store := newTestRouter(t)
	_, err := store.Update(context.Background(), "a1", func(rep *incident.Report) {
		rep.AlertName = "HighMemoryUsage"
		rep.Status = incident.StatusResolved
		rep.RootCause = "Memory exhaustion"
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	rec := do(r, http.MethodGet, "/api/v1/incidents/a1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var got incident.Report
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.AlertID != "a1" || got.Status != incident.StatusResolved || got.RootCause != "Memory exhaustion" {
		t.Errorf("report = %+v", got)
	}

	rec = do(r, http.MethodGet, "/api/v1/incidents", "")
	if !strings.Contains(rec.Body.String(), `"alert_id":"a1"`) {
		t.Errorf("list = %s", rec.Body.String())
	}
}

func TestHandleIncidents_StoreError(t *testing.T) {
	t.Parallel()

	r := chi.NewRouter()
	New(nil, &fakePublisher{}, streams.Default(), failingStore{}, nil).RegisterRoutes(r)

	for _, path := range []string{"/api/v1/incidents/a1", "/api/v1/incidents"} {
		rec := do(r, http.MethodGet, path, "")
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("GET %s = %d, want 500", path, rec.Code)
		}
		if strings.Contains(rec.Body.String(), "db down") {
			t.Errorf("GET %s leaked internal error: %s", path, rec.Body.String())
		}
	}
}

// Agents

func TestHandleAgents(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRouter(t)
	rec := do(r, http.MethodGet, "/api/v1/agents", "")
	var resp struct {
		Agents []status.Record `json:"agents"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Agents) != 1 || resp.Agents[0].ID != "orchestrator" || resp.Agents[0].Status != status.Active {
		t.Errorf("agents = %+v", resp.Agents)
	}

	r2 := chi.NewRouter()
	New(nil, &fakePublisher{}, streams.Default(), memstore.New(), nil).RegisterRoutes(r2)
	rec = do(r2, http.MethodGet, "/api/v1/agents", "")
	if strings.TrimSpace(rec.Body.String()) != `{"agents":[]}` {
		t.Errorf("no board body = %s", rec.Body.String())
	}
}
