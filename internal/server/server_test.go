package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/faults"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/idempotency"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/metrics"
	"github.com/pankaj-dahiya-devops/sgdrift/internal/models"
)

func init() { gin.SetMode(gin.TestMode) }

// ── fakes ─────────────────────────────────────────────────────────────────────

type fakeHandler struct {
	got []models.ChangeEvent
	res models.InvocationResult
	err error
}

func (f *fakeHandler) Handle(_ context.Context, ev models.ChangeEvent) (models.InvocationResult, error) {
	f.got = append(f.got, ev)
	res := f.res
	res.EventID = ev.EventID
	res.ObjectID = ev.ObjectID
	return res, f.err
}

type downStore struct{ *idempotency.MemoryStore }

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func newTestServer(h EventHandler, store idempotency.Store) (*Server, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return New(h, store, reg, nil), reg
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

const flatEvent = `{"event_id":"evt-1","event_name":"AuthorizeSecurityGroupIngress","object_id":"sg-1"}`

// ── POST /v1/events ───────────────────────────────────────────────────────────

func TestHandleEvent_Completed(t *testing.T) {
	h := &fakeHandler{res: models.InvocationResult{Outcome: models.OutcomeSuccess, State: models.StateCompleted}}
	s, _ := newTestServer(h, idempotency.NewMemoryStore())

	w := do(t, s, http.MethodPost, "/v1/events", flatEvent)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	if len(h.got) != 1 || h.got[0].Operation != models.OperationAuthorize {
		t.Fatalf("handler got %+v", h.got)
	}
	var res models.InvocationResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Outcome != models.OutcomeSuccess || res.EventID != "evt-1" {
		t.Errorf("result = %+v", res)
	}
}

func TestHandleEvent_PartialFailureIs200(t *testing.T) {
	h := &fakeHandler{res: models.InvocationResult{Outcome: models.OutcomePartialFailure}}
	s, _ := newTestServer(h, idempotency.NewMemoryStore())
	if w := do(t, s, http.MethodPost, "/v1/events", flatEvent); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestHandleEvent_FaultStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"transient", faults.Newf(faults.BaselineUnavailable, "load baseline", "timeout"), http.StatusServiceUnavailable},
		{"object", faults.Newf(faults.ObjectNotFound, "describe", "gone"), http.StatusUnprocessableEntity},
		{"data", faults.Newf(faults.BaselineCorrupt, "decode", "bad json"), http.StatusUnprocessableEntity},
		{"unclassified", errors.New("boom"), http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := &fakeHandler{res: models.InvocationResult{Outcome: models.OutcomeFault}, err: tc.err}
			s, _ := newTestServer(h, idempotency.NewMemoryStore())
			w := do(t, s, http.MethodPost, "/v1/events", flatEvent)
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
			if !strings.Contains(w.Body.String(), `"outcome":"fault"`) {
				t.Errorf("body should carry the result: %s", w.Body)
			}
		})
	}
}

func TestHandleEvent_MalformedIs422(t *testing.T) {
	h := &fakeHandler{}
	s, _ := newTestServer(h, idempotency.NewMemoryStore())

	for _, body := range []string{"", "not json", `{"object_id":"sg-1"}`} {
		w := do(t, s, http.MethodPost, "/v1/events", body)
		if w.Code != http.StatusUnprocessableEntity {
			t.Errorf("body %q: status = %d, want 422", body, w.Code)
		}
		if !strings.Contains(w.Body.String(), string(faults.MalformedEvent)) {
			t.Errorf("body %q: response %s lacks code", body, w.Body)
		}
	}
	if len(h.got) != 0 {
		t.Errorf("handler must not run for malformed events, got %d calls", len(h.got))
	}
}

func TestHandleEvent_TooLarge(t *testing.T) {
	h := &fakeHandler{}
	s, _ := newTestServer(h, idempotency.NewMemoryStore())
	big := `{"event_id":"` + strings.Repeat("x", maxEventBytes) + `"}`
	if w := do(t, s, http.MethodPost, "/v1/events", big); w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}
}

// ── GET /healthz ──────────────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	s, _ := newTestServer(&fakeHandler{}, idempotency.NewMemoryStore())
	w := do(t, s, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"healthy"`) {
		t.Errorf("healthz = %d %s", w.Code, w.Body)
	}
}

func TestHealth_StoreDown(t *testing.T) {
	s, _ := newTestServer(&fakeHandler{}, downStore{idempotency.NewMemoryStore()})
	w := do(t, s, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if !strings.Contains(w.Body.String(), "connection refused") {
		t.Errorf("body = %s", w.Body)
	}
}

// ── GET /metrics ──────────────────────────────────────────────────────────────

func TestMetrics_ServesRegistry(t *testing.T) {
	s, reg := newTestServer(&fakeHandler{}, idempotency.NewMemoryStore())
	m := metrics.New(reg)
	m.RecordInvocation(string(models.OutcomeNoDrift), 20*time.Millisecond)

	w := do(t, s, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `sgdrift_invocations_total{outcome="no-drift"} 1`) {
		t.Errorf("metrics output missing invocation counter:\n%s", w.Body)
	}
}

func TestNoRoute(t *testing.T) {
	s, _ := newTestServer(&fakeHandler{}, idempotency.NewMemoryStore())
	if w := do(t, s, http.MethodGet, "/v2/events", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
