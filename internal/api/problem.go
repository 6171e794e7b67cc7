package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/muniplan/internal/snapshot"
	"github.com/hyperengineering/muniplan/internal/store"
	"github.com/hyperengineering/muniplan/internal/validation"
)

// retryAfterSeconds is sent with 503 responses for transient conflicts and
// with 429 responses from the delete limiter.
const retryAfterSeconds = "1"

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail"`
	Instance  string `json:"instance,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type problemType struct {
	typeURI string
	title   string
}

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]problemType{
	http.StatusUnauthorized: {
		typeURI: "https://muniplan.dev/errors/unauthorized",
		title:   "Unauthorized",
	},
	http.StatusBadRequest: {
		typeURI: "https://muniplan.dev/errors/bad-request",
		title:   "Bad Request",
	},
	http.StatusNotFound: {
		typeURI: "https://muniplan.dev/errors/not-found",
		title:   "Not Found",
	},
	http.StatusInternalServerError: {
		typeURI: "https://muniplan.dev/errors/internal-error",
		title:   "Internal Server Error",
	},
	http.StatusServiceUnavailable: {
		typeURI: "https://muniplan.dev/errors/service-unavailable",
		title:   "Service Unavailable",
	},
	http.StatusTooManyRequests: {
		typeURI: "https://muniplan.dev/errors/rate-limit",
		title:   "Too Many Requests",
	},
}

// validationProblem is the type used for 400 responses that carry field errors.
var validationProblem = problemType{
	typeURI: "https://muniplan.dev/errors/validation-error",
	title:   "Validation Error",
}

func newProblem(r *http.Request, pt problemType, status int, detail string) Problem {
	return Problem{
		Type:      pt.typeURI,
		Title:     pt.title,
		Status:    status,
		Detail:    detail,
		Instance:  r.URL.Path,
		RequestID: GetRequestID(r.Context()),
	}
}

func lookupProblemType(status int) problemType {
	if pt, ok := problemTypes[status]; ok {
		return pt
	}
	return problemType{
		typeURI: "https://muniplan.dev/errors/unknown",
		title:   http.StatusText(status),
	}
}

func writeProblemBody(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeProblemBody(w, status, newProblem(r, lookupProblemType(status), status, detail))
}

// ProblemWithErrors extends Problem with validation error details.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

// WriteProblemWithErrors writes a 400 Problem Details response with field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	p := ProblemWithErrors{
		Problem: newProblem(r, validationProblem, http.StatusBadRequest, detail),
		Errors:  errs,
	}
	writeProblemBody(w, http.StatusBadRequest, p)
}

// WriteProblemUnavailable writes a 503 with a Retry-After hint.
func WriteProblemUnavailable(w http.ResponseWriter, r *http.Request, detail string) {
	w.Header().Set("Retry-After", retryAfterSeconds)
	WriteProblem(w, r, http.StatusServiceUnavailable, detail)
}

// MapError converts domain errors to Problem Details responses.
func MapError(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validation.Errors
	var verr *validation.ValidationError

	switch {
	case errors.As(err, &verrs):
		WriteProblemWithErrors(w, r, "Request contains invalid fields", verrs)
	case errors.As(err, &verr):
		WriteProblemWithErrors(w, r, "Request contains invalid fields", []validation.ValidationError{*verr})
	case errors.Is(err, store.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Resource not found")
	case errors.Is(err, store.ErrConflict):
		WriteProblemUnavailable(w, r, "Concurrent update in progress, retry the request")
	case errors.Is(err, store.ErrSnapshotUnavailable), errors.Is(err, snapshot.ErrNotConfigured):
		WriteProblem(w, r, http.StatusNotFound, "Snapshot not available")
	default:
		// Never expose internal error details to client
		slog.Error("request failed",
			"component", "api",
			"path", r.URL.Path,
			"request_id", GetRequestID(r.Context()),
			"error", err,
		)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
