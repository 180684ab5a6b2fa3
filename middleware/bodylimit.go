package middleware

import "net/http"

// BodyLimit rejects request bodies larger than maxBytes, mirroring
// net/http's http.MaxBytesReader so an oversized upload fails fast
// with a clear error instead of exhausting memory mid-decode.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
