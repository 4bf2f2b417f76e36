package middleware

import (
	"net/http"
)

// Sealed entry payloads arrive base64-encoded, so the default cap
// leaves headroom over the largest ciphertext a client may submit.
const DefaultMaxBodySize = 1 << 20

type BodyLimitMiddleware struct {
	maxSize int64
}

func NewBodyLimitMiddleware(maxSize int64) *BodyLimitMiddleware {
	if maxSize <= 0 {
		maxSize = DefaultMaxBodySize
	}
	return &BodyLimitMiddleware{maxSize: maxSize}
}

// Handler rejects requests that declare an oversized body up front and
// caps the rest with MaxBytesReader, so a misreported Content-Length
// cannot slip a larger body past the limit.
func (m *BodyLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > m.maxSize {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
				"error": "request body exceeds the allowed size",
			})
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, m.maxSize)
		next.ServeHTTP(w, r)
	})
}
