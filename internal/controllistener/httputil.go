package controllistener

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/inferfleet/clusterctl/internal/errs"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	http.Error(w, msg, http.StatusBadRequest)
}

// writeErr maps a dispatch/admission failure to its spec.md §7 HTTP status,
// falling back to 500 for an error this repo didn't originate as an
// *errs.Error.
func writeErr(w http.ResponseWriter, err error) {
	var e *errs.Error
	status := http.StatusInternalServerError
	if errors.As(err, &e) {
		if s := e.Kind.HTTPStatus(); s != 0 {
			status = s
		}
	}
	http.Error(w, err.Error(), status)
}
