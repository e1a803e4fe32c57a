package api

import (
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/metrics"
	pkgmw "github.com/Adithya-Monish-Kumar-K/searchcore/pkg/middleware"
)

// RouterOptions configures the middleware chain around the routes.
type RouterOptions struct {
	MaxPayloadBytes int64
	MaxWait         time.Duration
	RequestTimeout  time.Duration
	MasterKey       string
	CORSOrigins     []string
	// RateLimiter is optional; nil disables rate limiting.
	RateLimiter *pkgmw.Limiter
}

// NewRouter builds the HTTP handler of the API.
func NewRouter(svc Service, checker *health.Checker, m *metrics.Metrics, opts RouterOptions) http.Handler {
	h := NewHandler(svc, opts.MaxPayloadBytes, opts.MaxWait)
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	mux.HandleFunc("GET /indexes", h.ListIndexes)
	mux.HandleFunc("POST /indexes", h.CreateIndex)
	mux.HandleFunc("GET /indexes/{uid}", h.GetIndex)
	mux.HandleFunc("PATCH /indexes/{uid}", h.RenameIndex)
	mux.HandleFunc("DELETE /indexes/{uid}", h.DeleteIndex)
	mux.HandleFunc("GET /indexes/{uid}/stats", h.Stats)

	mux.HandleFunc("GET /indexes/{uid}/documents", h.ListDocuments)
	mux.HandleFunc("POST /indexes/{uid}/documents", h.AddDocuments)
	mux.HandleFunc("PUT /indexes/{uid}/documents", h.UpdateDocuments)
	mux.HandleFunc("DELETE /indexes/{uid}/documents", h.ClearDocuments)
	mux.HandleFunc("GET /indexes/{uid}/documents/{id}", h.GetDocument)
	mux.HandleFunc("DELETE /indexes/{uid}/documents/{id}", h.DeleteDocument)
	mux.HandleFunc("POST /indexes/{uid}/documents/delete-batch", h.DeleteDocuments)
	mux.HandleFunc("POST /indexes/{uid}/documents/delete", h.DeleteByFilter)

	mux.HandleFunc("GET /indexes/{uid}/search", h.Search)
	mux.HandleFunc("POST /indexes/{uid}/search", h.Search)

	mux.HandleFunc("GET /indexes/{uid}/settings", h.GetSettings)
	mux.HandleFunc("POST /indexes/{uid}/settings", h.UpdateSettings)
	mux.HandleFunc("DELETE /indexes/{uid}/settings", h.ResetSettings)

	mux.HandleFunc("GET /indexes/{uid}/updates", h.ListIndexUpdates)
	mux.HandleFunc("GET /indexes/{uid}/updates/{id}", h.GetIndexUpdate)
	mux.HandleFunc("GET /updates", h.ListUpdates)
	mux.HandleFunc("GET /updates/{id}", h.GetUpdate)
	mux.HandleFunc("DELETE /updates/{id}", h.CancelUpdate)

	mux.HandleFunc("POST /snapshots", h.CreateSnapshot)
	mux.HandleFunc("GET /snapshots", h.ListSnapshots)
	mux.HandleFunc("POST /snapshots/restore", h.RestoreSnapshot)

	chain := []func(http.Handler) http.Handler{
		pkgmw.RequestID,
		pkgmw.Metrics(m),
		pkgmw.CORS(pkgmw.DefaultCORSConfig(opts.CORSOrigins...)),
		pkgmw.MasterKey(opts.MasterKey),
	}
	if opts.RateLimiter != nil {
		chain = append(chain, pkgmw.RateLimit(opts.RateLimiter))
	}
	if opts.RequestTimeout > 0 {
		chain = append(chain, pkgmw.Timeout(opts.RequestTimeout))
	}
	return pkgmw.Chain(mux, chain...)
}
