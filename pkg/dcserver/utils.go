package dcserver

import (
	"encoding/json"
	"net/http"
)

func ignoreError(err error) {}

func outJson(w http.ResponseWriter, out interface{}) error {
	return outJsonWithStatus(w, http.StatusOK, out)
}

func outJsonWithStatus(w http.ResponseWriter, status int, out interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}
