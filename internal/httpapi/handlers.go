package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"elimu.org/internal/audit"
	"elimu.org/internal/auth"
	"elimu.org/internal/obs"
	"elimu.org/internal/receipt"
	"elimu.org/internal/stream"
	"elimu.org/internal/sync"
)

// ReadyProbe reports readiness (pings the database when one is configured).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the sync and receipt services.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	sync     *sync.Service
	receipts *receipt.Ledger
	devices  auth.DeviceStore
	stream   *stream.Stream
}

type Config struct {
	ReadyProbe ReadyProbe
	Version    string
	Sync       *sync.Service
	Receipts   *receipt.Ledger
	Devices    auth.DeviceStore
	Stream     *stream.Stream
}

func New(cfg Config) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: cfg.ReadyProbe,
		version:    cfg.Version,
		sync:       cfg.Sync,
		receipts:   cfg.Receipts,
		devices:    cfg.Devices,
		stream:     cfg.Stream,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// sync
	a.mux.HandleFunc("/v1/sync/batch", a.handleSyncBatch)
	a.mux.HandleFunc("/v1/sync/conflicts", a.handleConflictsCollection)
	a.mux.HandleFunc("/v1/sync/conflicts/", a.handleConflictResource)
	a.mux.HandleFunc("/v1/sync/stream", a.Stream)

	// receipts
	a.mux.HandleFunc("/v1/receipts", a.handleReceiptsCollection)
	a.mux.HandleFunc("/v1/receipts/", a.handleReceiptResource)

	// admin
	a.mux.HandleFunc("/v1/admin/sync/conflicts", a.handleAdminConflicts)
	a.mux.HandleFunc("/v1/admin/receipts/chain/", a.handleAdminChain)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.withAuth(a.mux))
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "elimu-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "elimu-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func (a *API) audit(ctx context.Context, event, entityType, entityID string, meta map[string]string) {
	fields := map[string]any{
		"entity_type": entityType,
		"entity_id":   entityID,
	}
	for k, v := range meta {
		fields[k] = v
	}
	_ = audit.LogEvent(ctx, event, fields)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
