package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/metrics"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestNormalizePath(t *testing.T) {
	tests := map[string]string{
		"/indexes":                               "/indexes",
		"/indexes/movies":                        "/indexes/:uid",
		"/indexes/movies/documents/42":           "/indexes/:uid/documents/:id",
		"/indexes/movies/documents/delete-batch": "/indexes/:uid/documents/delete-batch",
		"/indexes/movies/updates/3":              "/indexes/:uid/updates/:id",
		"/updates/17":                            "/updates/:id",
		"/health/ready":                          "/health/ready",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizePath(in), in)
	}
}

func TestMetricsRecordsNormalizedPath(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	h := Metrics(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	serve(h, httptest.NewRequest(http.MethodPost, "/indexes/movies/documents", nil))
	serve(h, httptest.NewRequest(http.MethodPost, "/indexes/books/documents", nil))

	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != "http_requests_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "path" {
					assert.Equal(t, "/indexes/:uid/documents", label.GetValue())
				}
			}
			total += metric.GetCounter().GetValue()
		}
	}
	assert.Equal(t, 2.0, total)
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logger.RequestID(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/indexes", nil)
	r.Header.Set(RequestIDHeader, "abc")
	rec := serve(h, r)
	assert.Equal(t, "abc", seen)
	assert.Equal(t, "abc", rec.Header().Get(RequestIDHeader))

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/indexes", nil))
	assert.Len(t, seen, 36)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
}

func TestCORS(t *testing.T) {
	h := CORS(DefaultCORSConfig("https://app.example"))(ok)

	r := httptest.NewRequest(http.MethodOptions, "/indexes", nil)
	r.Header.Set("Origin", "https://app.example")
	r.Header.Set("Access-Control-Request-Method", "POST")
	rec := serve(h, r)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	r = httptest.NewRequest(http.MethodGet, "/indexes", nil)
	r.Header.Set("Origin", "https://evil.example")
	rec = serve(h, r)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMasterKey(t *testing.T) {
	h := MasterKey("s3cret")(ok)

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		path   string
		status int
	}{
		{"missing", func(*http.Request) {}, "/indexes", http.StatusUnauthorized},
		{"wrong", func(r *http.Request) { r.Header.Set("X-API-Key", "nope") }, "/indexes", http.StatusForbidden},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer s3cret") }, "/indexes", http.StatusOK},
		{"header", func(r *http.Request) { r.Header.Set("X-API-Key", "s3cret") }, "/indexes", http.StatusOK},
		{"query", func(*http.Request) {}, "/indexes?api_key=s3cret", http.StatusOK},
		{"health exempt", func(*http.Request) {}, "/health/ready", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.path, nil)
			tt.setup(r)
			assert.Equal(t, tt.status, serve(h, r).Code)
		})
	}

	assert.Equal(t, http.StatusOK, serve(MasterKey("")(ok), httptest.NewRequest(http.MethodGet, "/indexes", nil)).Code)
}

func TestRateLimit(t *testing.T) {
	l := NewLimiter(2, time.Minute)
	now := time.Now()
	l.now = func() time.Time { return now }
	h := RateLimit(l)(ok)

	req := func(addr string) int {
		r := httptest.NewRequest(http.MethodGet, "/indexes", nil)
		r.RemoteAddr = addr
		return serve(h, r).Code
	}
	assert.Equal(t, http.StatusOK, req("10.0.0.1:1000"))
	assert.Equal(t, http.StatusOK, req("10.0.0.1:1001"))
	assert.Equal(t, http.StatusTooManyRequests, req("10.0.0.1:1002"))
	assert.Equal(t, http.StatusOK, req("10.0.0.2:1000"))

	now = now.Add(30 * time.Second)
	assert.Equal(t, http.StatusOK, req("10.0.0.1:1003"))
	assert.Equal(t, http.StatusTooManyRequests, req("10.0.0.1:1004"))
}

func TestTimeout(t *testing.T) {
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	rec := serve(Timeout(10*time.Millisecond)(slow), httptest.NewRequest(http.MethodGet, "/indexes", nil))
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)

	waited := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasDeadline := r.Context().Deadline()
		require.False(t, hasDeadline)
		w.WriteHeader(http.StatusAccepted)
	})
	rec = serve(Timeout(10*time.Millisecond)(waited), httptest.NewRequest(http.MethodPost, "/indexes/movies/documents?wait=5s", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	serve(Chain(ok, mw("outer"), mw("inner")), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner"}, order)
}
