package observe

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const incomingTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"

// newRouter mounts a few admin-style routes behind Middleware.
func newRouter(m *Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(Middleware(m))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Route("/api", func(r chi.Router) {
		r.Post("/commands/{group}/trigger", func(w http.ResponseWriter, r *http.Request) {
			if chi.URLParam(r, "group") == "missing" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
	})
	return r
}

func serve(h http.Handler, method, path string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_CorrelationHeader(t *testing.T) {
	useTracer(t)
	m, _ := newTestMetrics(t)
	h := newRouter(m)

	rec := serve(h, http.MethodGet, "/healthz", nil)
	if cid := rec.Header().Get(CorrelationHeader); len(cid) != 32 {
		t.Errorf("%s = %q, want a fresh trace ID", CorrelationHeader, cid)
	}

	rec = serve(h, http.MethodGet, "/healthz", map[string]string{
		"traceparent": "00-" + incomingTraceID + "-00f067aa0ba902b7-01",
	})
	if cid := rec.Header().Get(CorrelationHeader); cid != incomingTraceID {
		t.Errorf("%s = %q, want the incoming trace ID", CorrelationHeader, cid)
	}
}

func TestMiddleware_SpanUsesRoutePattern(t *testing.T) {
	exp := useTracer(t)
	m, _ := newTestMetrics(t)
	h := newRouter(m)

	rec := serve(h, http.MethodPost, "/api/commands/missing/trigger", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if want := "POST /api/commands/{group}/trigger"; spans[0].Name != want {
		t.Errorf("span name = %q, want %q", spans[0].Name, want)
	}
	var status int64
	for _, a := range spans[0].Attributes {
		if a.Key == "http.response.status_code" {
			status = a.Value.AsInt64()
		}
	}
	if status != http.StatusNotFound {
		t.Errorf("status attribute = %d, want 404", status)
	}
}

func TestMiddleware_DurationByRoute(t *testing.T) {
	useTracer(t)
	m, reader := newTestMetrics(t)
	h := newRouter(m)

	for _, g := range []string{"start", "stop", "mark"} {
		serve(h, http.MethodPost, "/api/commands/"+g+"/trigger", nil)
	}

	met := findMetric(collect(t, reader), "voxcmd.http.request.duration")
	if met == nil {
		t.Fatal("duration metric not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("data is %T, want a float histogram", met.Data)
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("got %d series, want one per route", len(hist.DataPoints))
	}
	dp := hist.DataPoints[0]
	if dp.Count != 3 {
		t.Errorf("count = %d, want 3", dp.Count)
	}
	if v, _ := dp.Attributes.Value("path"); v.AsString() != "/api/commands/{group}/trigger" {
		t.Errorf("path label = %q", v.AsString())
	}
}

func TestMiddleware_OutsideChi(t *testing.T) {
	useTracer(t)
	m, reader := newTestMetrics(t)
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	if rec := serve(h, http.MethodGet, "/raw", nil); rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
	hist := findMetric(collect(t, reader), "voxcmd.http.request.duration").Data.(metricdata.Histogram[float64])
	if v, _ := hist.DataPoints[0].Attributes.Value("path"); v.AsString() != "/raw" {
		t.Errorf("path label = %q, want the raw path", v.AsString())
	}
}
