package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"elimu.org/internal/auth"
	"elimu.org/internal/stream"
	"elimu.org/internal/sync"
)

const maxBatchActions = 100

type syncBatchRequest struct {
	DeviceID    string        `json:"device_id"`
	DeviceToken string        `json:"device_token"`
	Actions     []sync.Action `json:"actions"`
}

type syncBatchResponse struct {
	Results   []sync.BatchResult `json:"results"`
	Processed int                `json:"processed"`
	Succeeded int                `json:"succeeded"`
	AsOf      time.Time          `json:"as_of"`
}

type conflictListResponse struct {
	Items []sync.SyncConflict `json:"items"`
}

type resolveConflictRequest struct {
	Strategy string `json:"strategy"`
}

func (a *API) handleSyncBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	tenantID, userID, ok := identity(w, r)
	if !ok {
		return
	}

	var req syncBatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		writeError(w, r, http.StatusBadRequest, "device_id is required")
		return
	}
	if len(req.Actions) == 0 {
		writeError(w, r, http.StatusBadRequest, "actions must not be empty")
		return
	}
	if len(req.Actions) > maxBatchActions {
		writeError(w, r, http.StatusBadRequest, "batch exceeds "+strconv.Itoa(maxBatchActions)+" actions")
		return
	}
	for i, action := range req.Actions {
		if strings.TrimSpace(action.EntityType) == "" || strings.TrimSpace(action.Action) == "" {
			writeError(w, r, http.StatusBadRequest, "action "+strconv.Itoa(i)+": entity_type and action are required")
			return
		}
		if strings.TrimSpace(action.IdempotencyKey) == "" {
			writeError(w, r, http.StatusBadRequest, "action "+strconv.Itoa(i)+": idempotency_key is required")
			return
		}
	}

	// Device trust gates the whole batch; nothing is processed on failure.
	trusted, err := auth.VerifyDeviceTrust(r.Context(), a.devices, req.DeviceID, req.DeviceToken)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "device trust check failed")
		return
	}
	if !trusted {
		writeError(w, r, http.StatusUnauthorized, "device not trusted")
		return
	}

	results, err := a.sync.ProcessBatch(r.Context(), tenantID, userID, req.Actions)
	if err != nil {
		handleSyncError(w, r, err)
		return
	}

	succeeded := 0
	for i, res := range results {
		if res.Success {
			succeeded++
		}
		if a.stream != nil {
			outcome := "error"
			switch {
			case res.Success:
				outcome = "success"
			case res.Conflict != nil:
				outcome = "conflict"
			}
			a.stream.Publish(stream.SyncEvent{
				TenantID:    tenantID,
				UserID:      userID,
				EntityType:  req.Actions[i].EntityType,
				Action:      req.Actions[i].Action,
				Outcome:     outcome,
				ReceiptCode: res.ReceiptCode,
				Timestamp:   time.Now().UTC(),
			})
		}
	}

	a.audit(r.Context(), "sync.batch.process", "sync_batch", req.DeviceID, map[string]string{
		"actions":   strconv.Itoa(len(req.Actions)),
		"succeeded": strconv.Itoa(succeeded),
	})

	writeJSON(w, http.StatusOK, syncBatchResponse{
		Results:   results,
		Processed: len(results),
		Succeeded: succeeded,
		AsOf:      time.Now().UTC(),
	})
}

func (a *API) handleConflictsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	tenantID, userID, ok := identity(w, r)
	if !ok {
		return
	}
	items, err := a.sync.UnresolvedConflicts(r.Context(), tenantID, userID)
	if err != nil {
		handleSyncError(w, r, err)
		return
	}
	if items == nil {
		items = []sync.SyncConflict{}
	}
	writeJSON(w, http.StatusOK, conflictListResponse{Items: items})
}

func (a *API) handleConflictResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/sync/conflicts/")
	id, rest, _ := strings.Cut(path, "/")
	if id == "" || rest != "resolve" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	tenantID, userID, ok := identity(w, r)
	if !ok {
		return
	}

	strategy := strings.TrimSpace(r.URL.Query().Get("strategy"))
	if strategy == "" {
		var req resolveConflictRequest
		if err := decodeJSON(w, r, &req); err == nil {
			strategy = strings.TrimSpace(req.Strategy)
		}
	}
	if strategy == "" {
		writeError(w, r, http.StatusBadRequest, "strategy is required")
		return
	}

	resolved, err := a.sync.ResolveConflict(r.Context(), tenantID, id, userID, strategy)
	if err != nil {
		handleSyncError(w, r, err)
		return
	}

	a.audit(r.Context(), "sync.conflict.resolve", "sync_conflict", id, map[string]string{
		"strategy": strategy,
	})
	writeJSON(w, http.StatusOK, resolved)
}

func (a *API) handleAdminConflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	tenantID, _, ok := identity(w, r)
	if !ok {
		return
	}
	if !a.requireAdmin(w, r) {
		return
	}
	unresolvedOnly := r.URL.Query().Get("unresolved") == "true"
	items, err := a.sync.TenantConflicts(r.Context(), tenantID, unresolvedOnly)
	if err != nil {
		handleSyncError(w, r, err)
		return
	}
	if items == nil {
		items = []sync.SyncConflict{}
	}
	writeJSON(w, http.StatusOK, conflictListResponse{Items: items})
}

// identity pulls the authenticated principal; withAuth guarantees it for
// non-public routes, so a miss here is a programming error.
func identity(w http.ResponseWriter, r *http.Request) (tenantID, userID string, ok bool) {
	tenantID, tok := auth.TenantIDFromContext(r.Context())
	userID, uok := auth.UserIDFromContext(r.Context())
	if !tok || !uok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return "", "", false
	}
	return tenantID, userID, true
}

func handleSyncError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, sync.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, sync.ErrConflictResolved):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, sync.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
	}
	return val, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
