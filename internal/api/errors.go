package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/crewready/secwatch/pkg/types"
)

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

// writeError maps domain errors to status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *types.ValidationError
		nf *types.NotFoundError
		is *types.InvalidStateError
	)
	switch {
	case errors.As(err, &ve):
		jsonResp(w, http.StatusBadRequest, errorResponse{Error: ve.Error(), Field: ve.Field})
	case errors.As(err, &nf):
		jsonResp(w, http.StatusNotFound, errorResponse{Error: nf.Error()})
	case errors.As(err, &is):
		jsonResp(w, http.StatusConflict, errorResponse{Error: is.Error()})
	default:
		slog.Error("api: request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		jsonErr(w, http.StatusInternalServerError, "internal error")
	}
}
