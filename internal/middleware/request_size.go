package middleware

import (
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
)

const CodePayloadTooLarge = "PAYLOAD_TOO_LARGE"

type requestError struct {
	Message    string            `json:"message"`
	Extensions map[string]string `json:"extensions"`
}

// RequestSize caps the request body at bytes. Requests announcing a larger
// Content-Length are answered with 413 right away; bodies that only turn out to
// be too large while reading fail with *http.MaxBytesError.
func RequestSize(bytes int64) func(http.Handler) http.Handler {
	f := func(h http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > bytes {
				WritePayloadTooLarge(w, bytes)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, bytes)
			h.ServeHTTP(w, r)
		}
		return http.HandlerFunc(fn)
	}
	return f
}

// WritePayloadTooLarge writes a GraphQL response with a single error and status 413.
func WritePayloadTooLarge(w http.ResponseWriter, limit int64) {
	writeRequestError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge,
		"request body too large, limit is "+humanize.Bytes(uint64(limit)))
}

func writeRequestError(w http.ResponseWriter, status int, code, message string) {
	body, _ := json.Marshal(map[string][]requestError{
		"errors": {
			{
				Message:    message,
				Extensions: map[string]string{"code": code},
			},
		},
	})
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
