package autherr

import (
	"encoding/json"
	"net/http"
)

// Body is the JSON error response.
type Body struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Respond writes err as a JSON error with the status from HTTPStatus.
func Respond(w http.ResponseWriter, err error) {
	RespondStatus(w, HTTPStatus(err), err)
}

// RespondStatus writes err as a JSON error with an explicit status.
func RespondStatus(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Body{
		Error:   string(KindOf(err)),
		Message: PublicMessage(err),
	})
}
