package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/adtruth/server/internal/logging"
)

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Err(err).Msg("failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}

// requestError carries the status a decode failure should be answered with.
type requestError struct {
	status int
	msg    string
}

func (e *requestError) Error() string { return e.msg }

// decode reads a size-limited JSON body into dst. prepare, if non-nil, runs
// between decoding and validation.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}, prepare func()) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Security.MaxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &requestError{http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)}
		}
		return &requestError{http.StatusBadRequest, "failed to read request body"}
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &requestError{http.StatusBadRequest, "invalid request body"}
	}
	if prepare != nil {
		prepare()
	}
	if err := s.validate.Struct(dst); err != nil {
		return &requestError{http.StatusBadRequest, validationMessage(err)}
	}
	return nil
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "validation failed"
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
	}
	return "validation failed: " + strings.Join(fields, ", ")
}

func respondDecodeError(w http.ResponseWriter, err error) {
	var re *requestError
	if errors.As(err, &re) {
		respondError(w, re.status, re.msg)
		return
	}
	respondError(w, http.StatusBadRequest, err.Error())
}
