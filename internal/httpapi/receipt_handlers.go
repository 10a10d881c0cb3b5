package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"elimu.org/internal/receipt"
)

type receiptListResponse struct {
	Items []receipt.Receipt `json:"items"`
	AsOf  time.Time         `json:"as_of"`
}

type verifyResponse struct {
	Valid               bool   `json:"valid"`
	ReceiptCode         string `json:"receipt_code"`
	ReceiptHash         string `json:"receipt_hash"`
	PreviousReceiptHash string `json:"previous_receipt_hash,omitempty"`
}

type chainResponse struct {
	UserID string            `json:"user_id"`
	Items  []receipt.Receipt `json:"items"`
	Length int               `json:"length"`
	Intact bool              `json:"intact"`
}

func (a *API) handleReceiptsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	tenantID, userID, ok := identity(w, r)
	if !ok {
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, err := a.receipts.ListByUser(r.Context(), tenantID, userID, limit)
	if err != nil {
		handleReceiptError(w, r, err)
		return
	}
	if items == nil {
		items = []receipt.Receipt{}
	}
	writeJSON(w, http.StatusOK, receiptListResponse{Items: items, AsOf: time.Now().UTC()})
}

func (a *API) handleReceiptResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/receipts/")
	code, rest, _ := strings.Cut(path, "/")
	if code == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch rest {
	case "":
		a.getReceipt(w, r, code)
	case "verify":
		a.verifyReceipt(w, r, code)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) getReceipt(w http.ResponseWriter, r *http.Request, code string) {
	tenantID, _, ok := identity(w, r)
	if !ok {
		return
	}
	rcpt, err := a.receipts.ByCode(r.Context(), tenantID, code)
	if err != nil {
		handleReceiptError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rcpt)
}

func (a *API) verifyReceipt(w http.ResponseWriter, r *http.Request, code string) {
	tenantID, _, ok := identity(w, r)
	if !ok {
		return
	}
	rcpt, err := a.receipts.ByCode(r.Context(), tenantID, code)
	if err != nil {
		handleReceiptError(w, r, err)
		return
	}

	valid := receipt.Verify(rcpt)
	a.audit(r.Context(), "receipt.verify", "receipt", rcpt.ID, map[string]string{
		"receipt_code": rcpt.ReceiptCode,
		"valid":        boolString(valid),
	})
	writeJSON(w, http.StatusOK, verifyResponse{
		Valid:               valid,
		ReceiptCode:         rcpt.ReceiptCode,
		ReceiptHash:         rcpt.ReceiptHash,
		PreviousReceiptHash: rcpt.PreviousReceiptHash,
	})
}

func (a *API) handleAdminChain(w http.ResponseWriter, r *http.Request) {
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
	userID := strings.TrimPrefix(r.URL.Path, "/v1/admin/receipts/chain/")
	if userID == "" || strings.Contains(userID, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	chain, err := a.receipts.Chain(r.Context(), tenantID, userID)
	if err != nil {
		handleReceiptError(w, r, err)
		return
	}
	if chain == nil {
		chain = []receipt.Receipt{}
	}
	writeJSON(w, http.StatusOK, chainResponse{
		UserID: userID,
		Items:  chain,
		Length: len(chain),
		Intact: receipt.VerifyChain(chain) == nil,
	})
}

func handleReceiptError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, receipt.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, receipt.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
