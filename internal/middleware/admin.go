// Package middleware provides HTTP middleware for the personagate API.
package middleware

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// AdminKeyHeader carries the admin key as an alternative to the key query
// parameter.
const AdminKeyHeader = "X-Admin-Key"

const maxKeyBodySize = 64 << 10

// AdminKey guards admin endpoints. When secret is empty every request is
// rejected with "<endpoint> not configured". The key is taken from the
// key query parameter, the X-Admin-Key header or a JSON body field named
// key, in that order; the body is restored for the next handler.
func AdminKey(secret, endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				writeForbidden(w, endpoint+" not configured")
				return
			}
			if subtle.ConstantTimeCompare([]byte(requestKey(r)), []byte(secret)) != 1 {
				writeForbidden(w, "Invalid key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestKey(r *http.Request) string {
	if k := r.URL.Query().Get("key"); k != "" {
		return k
	}
	if k := r.Header.Get(AdminKeyHeader); k != "" {
		return k
	}
	if r.Body == nil || !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return ""
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxKeyBodySize))
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	var payload struct {
		Key string `json:"key"`
	}
	if json.Unmarshal(body, &payload) != nil {
		return ""
	}
	return payload.Key
}

func writeForbidden(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
