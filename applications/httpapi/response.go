package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	gwerrors "github.com/toolsgateway/toolsgw/infrastructure/errors"
	"github.com/toolsgateway/toolsgw/readmodel"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits spec.md §7's `{error: {kind, message, detail?}}` shape.
func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"kind": kind, "message": message},
	})
}

// writeServiceError translates a gwerrors.ServiceError (or any other error)
// into the spec's error envelope, setting Retry-After when the error
// carries one (circuit-open/transient responses).
func writeServiceError(w http.ResponseWriter, err error) {
	se := gwerrors.GetServiceError(err)
	if se == nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	if se.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(se.RetryAfter))
	}
	body := map[string]any{"kind": string(se.Code), "message": se.Message}
	if len(se.Details) > 0 {
		body["detail"] = se.Details
	}
	writeJSON(w, se.HTTPStatus, map[string]any{"error": body})
}

// writeCommandError reports a command-handler error. Domain rejections
// (the aggregates' own ErrBusinessRule types) aren't gwerrors.ServiceError
// values, so they fall back to a plain 400; everything already classified
// via gwerrors (not found, conflict, concurrency exhaustion) keeps its own
// status.
func writeCommandError(w http.ResponseWriter, err error) {
	if gwerrors.IsServiceError(err) {
		writeServiceError(w, err)
		return
	}
	writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
}

func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// pageFromQuery reads page/page_size per spec.md §4.8, clamped by
// readmodel.Page.Normalize.
func pageFromQuery(r *http.Request) readmodel.Page {
	q := r.URL.Query()
	num, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("page_size"))
	return readmodel.Page{Number: num, Size: size}.Normalize()
}
