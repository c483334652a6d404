package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"stablepay/internal/ledger"
)

type paymentRoutes struct {
	store  ledger.Store
	logger zerolog.Logger
}

func (pr *paymentRoutes) mount(r chi.Router) {
	r.Post("/payments", pr.create)
	r.Get("/payments", pr.query)
	r.Get("/payments/pending", pr.pending)
	r.Get("/payments/{txIdentifier}", pr.get)
	r.Patch("/payments/{txIdentifier}", pr.update)
}

type updateRequest struct {
	ExpectedStatus ledger.Status  `json:"expectedStatus"`
	Status         *ledger.Status `json:"status,omitempty"`
	Recipient      *string        `json:"recipient,omitempty"`
	OrderRef       *string        `json:"orderRef,omitempty"`
}

type listResponse struct {
	Records []ledger.PaymentRecord `json:"records"`
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, requestLimit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func (pr *paymentRoutes) create(w http.ResponseWriter, r *http.Request) {
	var rec ledger.PaymentRecord
	if err := decodeBody(r, &rec); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalid, err.Error())
		return
	}
	rec.UpdatedAt = time.Time{}

	stored, created, err := pr.store.Create(r.Context(), rec)
	if err != nil {
		writeLedgerError(w, pr.logger, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, stored)
}

func (pr *paymentRoutes) update(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalid, err.Error())
		return
	}
	upd := ledger.Update{Status: req.Status, Recipient: req.Recipient, OrderRef: req.OrderRef}
	stored, err := pr.store.UpdateByIdentifier(r.Context(), chi.URLParam(r, "txIdentifier"), req.ExpectedStatus, upd)
	if err != nil {
		writeLedgerError(w, pr.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (pr *paymentRoutes) get(w http.ResponseWriter, r *http.Request) {
	stored, err := pr.store.GetByIdentifier(r.Context(), chi.URLParam(r, "txIdentifier"))
	if err != nil {
		writeLedgerError(w, pr.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (pr *paymentRoutes) query(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	owner := strings.TrimSpace(q.Get("ownerId"))
	if owner == "" {
		writeError(w, http.StatusBadRequest, codeInvalid, "ownerId is required")
		return
	}
	filter, err := parseFilter(q.Get("status"), q.Get("currency"), q.Get("from"), q.Get("to"), q.Get("limit"), q.Get("offset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalid, err.Error())
		return
	}
	records, err := pr.store.QueryByOwner(r.Context(), owner, filter)
	if err != nil {
		writeLedgerError(w, pr.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Records: nonNil(records)})
}

func (pr *paymentRoutes) pending(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	olderThan := time.Now()
	if v := q.Get("olderThan"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalid, "olderThan must be RFC3339")
			return
		}
		olderThan = t
	}
	limit, err := parseInt(q.Get("limit"), "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalid, err.Error())
		return
	}
	records, err := pr.store.ListPending(r.Context(), olderThan, limit)
	if err != nil {
		writeLedgerError(w, pr.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Records: nonNil(records)})
}

func parseFilter(status, currency, from, to, limit, offset string) (ledger.Filter, error) {
	var f ledger.Filter
	if status != "" {
		s, err := ledger.ParseStatus(status)
		if err != nil {
			return f, err
		}
		f.Status = s
	}
	f.Currency = strings.ToUpper(strings.TrimSpace(currency))
	for _, p := range []struct {
		raw  string
		dst  **time.Time
		name string
	}{{from, &f.From, "from"}, {to, &f.To, "to"}} {
		if p.raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, p.raw)
		if err != nil {
			return f, fmt.Errorf("%s must be RFC3339", p.name)
		}
		*p.dst = &t
	}
	var err error
	if f.Limit, err = parseInt(limit, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = parseInt(offset, "offset"); err != nil {
		return f, err
	}
	return f, nil
}

func parseInt(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func nonNil(records []ledger.PaymentRecord) []ledger.PaymentRecord {
	if records == nil {
		return []ledger.PaymentRecord{}
	}
	return records
}
