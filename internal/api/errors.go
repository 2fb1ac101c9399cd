package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"opsqueue/internal/domain"
)

// errMalformed marks a request the server could not decode at all.
var errMalformed = errors.New("malformed request")

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to write response")
	}
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

// writeError maps ledger errors onto HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errMalformed):
		writeJSONError(w, http.StatusBadRequest, "MALFORMED_REQUEST", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		writeJSONError(w, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, domain.ErrClaimConflict):
		writeJSONError(w, http.StatusConflict, "CLAIM_CONFLICT", err.Error())
	case errors.Is(err, domain.ErrValidation):
		writeJSONError(w, http.StatusUnprocessableEntity, "VALIDATION_FAILURE", err.Error())
	default:
		log.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}
