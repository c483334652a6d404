package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"stablepay/internal/fetcher"
)

type rateRoutes struct {
	rates RateReader
}

func (rr *rateRoutes) mount(r chi.Router) {
	r.Get("/rates/{currency}", rr.get)
}

type rateResponse struct {
	Currency  string    `json:"currency"`
	Rate      string    `json:"rate"`
	FetchedAt time.Time `json:"fetchedAt"`
	Stale     bool      `json:"stale"`
}

func (rr *rateRoutes) get(w http.ResponseWriter, r *http.Request) {
	entry, stale, err := rr.rates.Get(r.Context(), chi.URLParam(r, "currency"))
	if err != nil {
		if errors.Is(err, fetcher.ErrRateUnavailable) {
			writeError(w, http.StatusServiceUnavailable, codeUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, codeInvalid, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rateResponse{
		Currency:  entry.Currency,
		Rate:      entry.Rate.String(),
		FetchedAt: entry.FetchedAt,
		Stale:     stale,
	})
}
