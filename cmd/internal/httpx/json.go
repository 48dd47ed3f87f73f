// Package httpx holds the JSON response helpers shared by the REST handlers.
package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// Status values carried in the "status" field of every REST response.
const (
	StatusSuccess = "success"
	StatusFail    = "fail"
	StatusError   = "error"
)

// DefaultMaxBody bounds JSON request bodies.
const DefaultMaxBody int64 = 1 << 20

// ErrEmptyBody is returned by DecodeJSON for a request without a body.
var ErrEmptyBody = errors.New("empty body")

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// WriteJSON writes v with status and no-store caching.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteStatus writes a {"status","message"} body.
func WriteStatus(w http.ResponseWriter, code int, status, msg string) {
	WriteJSON(w, code, statusResponse{Status: status, Message: msg})
}

// WriteFail reports a client-side problem (400, status "fail").
func WriteFail(w http.ResponseWriter, msg string) {
	WriteStatus(w, http.StatusBadRequest, StatusFail, msg)
}

// WriteError reports a server-side problem (500, status "error").
func WriteError(w http.ResponseWriter, msg string) {
	WriteStatus(w, http.StatusInternalServerError, StatusError, msg)
}

// DecodeJSON decodes exactly one JSON object of at most maxBytes into dst.
func DecodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return ErrEmptyBody
	}
	defer func() { _ = r.Body.Close() }()

	if maxBytes <= 0 {
		maxBytes = DefaultMaxBody
	}
	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}
