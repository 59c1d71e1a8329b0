package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/manenim/adaptive-rate-limiter/pkg/limiter"
)

// fakeDecider returns a fixed decision and remembers what it was asked.
type fakeDecider struct {
	dec    limiter.Decision
	ids    []string
	suffix []string
}

func (f *fakeDecider) Decide(_ context.Context, identity, keySuffix string) limiter.Decision {
	f.ids = append(f.ids, identity)
	f.suffix = append(f.suffix, keySuffix)
	return f.dec
}

type recorder struct {
	mu       sync.Mutex
	counters map[string][]map[string]string
	observed map[string]int
}

func newRecorder() *recorder {
	return &recorder{counters: map[string][]map[string]string{}, observed: map[string]int{}}
}

func (r *recorder) Add(name string, _ float64, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name] = append(r.counters[name], tags)
}

func (r *recorder) Observe(name string, _ float64, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observed[name]++
}

func okHandler(calls *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})
}

func newEngine(t *testing.T, base, min int64) *limiter.Engine {
	t.Helper()
	engine, err := limiter.NewEngine(limiter.NewMemoryStore(nil),
		limiter.WithLimits(base, min),
		limiter.WithWindow(time.Minute),
	)
	if err != nil {
		t.Fatal(err)
	}
	return engine
}

func TestMiddleware_AllowsThenRejectsSameKey(t *testing.T) {
	calls := 0
	h := Middleware(newEngine(t, 1, 1), Options{AddRateLimitHeaders: true})(okHandler(&calls))

	r1 := httptest.NewRequest(http.MethodGet, "http://example/", nil)
	r1.RemoteAddr = "10.0.0.1:1234"
	w1 := httptest.NewRecorder()
	h.ServeHTTP(w1, r1)
	if w1.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w1.Code)
	}
	if got := w1.Header().Get("X-RateLimit-Limit"); got != "1" {
		t.Fatalf("expected X-RateLimit-Limit 1, got %q", got)
	}
	if got := w1.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("expected X-RateLimit-Remaining 0, got %q", got)
	}

	r2 := httptest.NewRequest(http.MethodGet, "http://example/", nil)
	r2.RemoteAddr = "10.0.0.1:1234"
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, r2)
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w2.Code)
	}
	if got := w2.Header().Get("Retry-After"); got != "60" {
		t.Fatalf("expected Retry-After 60, got %q", got)
	}

	var body ErrorBody
	if err := json.NewDecoder(w2.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error != "rate_limit_exceeded" || body.Detail != "Limit of 1 per 60s exceeded" {
		t.Errorf("unexpected body: %+v", body)
	}

	if calls != 1 {
		t.Fatalf("expected next handler to be called once, got %d", calls)
	}
}

func TestMiddleware_DifferentClientsHaveOwnCounters(t *testing.T) {
	calls := 0
	h := Middleware(newEngine(t, 1, 1), Options{KeyHeader: "X-Api-Key"})(okHandler(&calls))

	for _, key := range []string{"k1", "k2"} {
		r := httptest.NewRequest(http.MethodGet, "http://example/", nil)
		r.Header.Set("X-Api-Key", key)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("key %s: expected 200, got %d", key, w.Code)
		}
	}
}

func TestMiddleware_PerEndpointSuffix(t *testing.T) {
	fake := &fakeDecider{dec: limiter.Decision{Allowed: true, Status: limiter.StatusAllow}}
	calls := 0

	Middleware(fake, Options{})(okHandler(&calls)).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/add_to_cart", nil))
	Middleware(fake, Options{PerEndpoint: true})(okHandler(&calls)).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/add_to_cart", nil))

	if fake.suffix[0] != "" || fake.suffix[1] != "/add_to_cart" {
		t.Errorf("unexpected suffixes %q", fake.suffix)
	}
	if fake.ids[0] != "192.0.2.1" {
		t.Errorf("expected httptest remote host, got %q", fake.ids[0])
	}
}

func TestMiddleware_ErrorIsInternalServerError(t *testing.T) {
	var logs bytes.Buffer
	fake := &fakeDecider{dec: limiter.Decision{
		Status: limiter.StatusError,
		Err:    &limiter.StoreError{Op: "limit check", Key: "rate:x", Err: errors.New("dial tcp: connection refused")},
	}}
	calls := 0
	h := Middleware(fake, Options{
		AddRateLimitHeaders: true,
		Logger:              slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})(okHandler(&calls))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if calls != 0 {
		t.Fatal("next must not run on ERROR")
	}
	if strings.Contains(w.Body.String(), "connection refused") {
		t.Errorf("store details leaked to the client: %s", w.Body.String())
	}
	if w.Header().Get("X-RateLimit-Limit") != "" {
		t.Error("no rate-limit headers expected on ERROR")
	}
	if !strings.Contains(logs.String(), "level=DEBUG") || !strings.Contains(logs.String(), "connection refused") {
		t.Errorf("expected the cause logged at DEBUG, got %q", logs.String())
	}
}

// downStore fails every operation the way an unreachable Redis does.
type downStore struct{}

var errDown = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")

func (downStore) IncrementCheck(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, errDown
}

func (downStore) SlidingWindowCheck(context.Context, string, int64, time.Duration, time.Time) (int64, error) {
	return 0, errDown
}

func (downStore) Get(context.Context, string) (int64, bool, error) { return 0, false, errDown }

func (downStore) IncrementWithTTL(context.Context, string, time.Duration) (int64, error) {
	return 0, errDown
}

func TestMiddleware_StoreOutageLogsStayWithinBurst(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	engine, err := limiter.NewEngine(downStore{},
		limiter.WithLogger(logger),
		limiter.WithWarnRate(0.0001, 2),
	)
	if err != nil {
		t.Fatal(err)
	}

	calls := 0
	h := Middleware(engine, Options{Logger: logger})(okHandler(&calls))
	for range 50 {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", w.Code)
		}
	}

	if lines := strings.Count(logs.String(), "\n"); lines > 2 {
		t.Fatalf("expected at most 2 log lines for 50 failing requests, got %d:\n%s", lines, logs.String())
	}
	if calls != 0 {
		t.Errorf("next must not run during an outage, ran %d times", calls)
	}
}

func TestMiddleware_EndpointFn(t *testing.T) {
	fake := &fakeDecider{dec: limiter.Decision{Allowed: true, Status: limiter.StatusAllow}}
	rec := newRecorder()
	calls := 0

	h := Middleware(fake, Options{
		PerEndpoint: true,
		EndpointFn:  func(*http.Request) string { return "/items/{id}" },
		Recorder:    rec,
	})(okHandler(&calls))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/42", nil))

	if fake.suffix[0] != "/items/{id}" {
		t.Errorf("expected suffix from EndpointFn, got %q", fake.suffix[0])
	}
	if got := rec.counters["request_count_total"][0]["endpoint"]; got != "/items/{id}" {
		t.Errorf("expected endpoint label from EndpointFn, got %q", got)
	}
}

func TestMiddleware_RoutePatternSharesCounterAcrossPathParams(t *testing.T) {
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(Middleware(newEngine(t, 1, 1), Options{PerEndpoint: true, EndpointFn: RoutePattern}))
		r.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
		r.Get("/other", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	})

	codes := make([]int, 0, 3)
	for _, path := range []string{"/items/1", "/items/2", "/other"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "10.0.0.1:1"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	want := []int{http.StatusOK, http.StatusTooManyRequests, http.StatusOK}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, codes)
		}
	}
}

func TestRoutePattern_FallsBackToPath(t *testing.T) {
	if got := RoutePattern(httptest.NewRequest(http.MethodGet, "/items/7", nil)); got != "/items/7" {
		t.Errorf("expected raw path outside chi, got %q", got)
	}
}

func TestMiddleware_RecordsRequestMetrics(t *testing.T) {
	rec := newRecorder()
	h := Middleware(newEngine(t, 1, 1), Options{Recorder: rec})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
		}),
	)

	for range 2 {
		r := httptest.NewRequest(http.MethodPost, "/add_to_cart", nil)
		r.RemoteAddr = "10.0.0.1:1"
		h.ServeHTTP(httptest.NewRecorder(), r)
	}

	counts := rec.counters["request_count_total"]
	if len(counts) != 2 || counts[0]["method"] != "POST" || counts[0]["endpoint"] != "/add_to_cart" || counts[0]["ip"] != "10.0.0.1" {
		t.Errorf("unexpected request_count_total samples: %v", counts)
	}

	statuses := rec.counters["request_status_total"]
	if len(statuses) != 2 || statuses[0]["status"] != "201" || statuses[1]["status"] != "429" {
		t.Errorf("unexpected request_status_total samples: %v", statuses)
	}
	if rec.observed["request_latency_seconds"] != 2 {
		t.Errorf("expected 2 latency observations, got %d", rec.observed["request_latency_seconds"])
	}
}

func TestDenyBody_SubSecondWindow(t *testing.T) {
	b := DenyBody(limiter.Decision{Status: limiter.StatusDeny, Limit: 3, Window: 250 * time.Millisecond})
	if b.Detail != "Limit of 3 per 1s exceeded" {
		t.Errorf("unexpected detail %q", b.Detail)
	}
}
