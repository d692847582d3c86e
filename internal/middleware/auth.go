package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"wgsync/internal/models"
)

// BearerAuth — Authorization: Bearer <token> для webhook/admin/status.
// Пустой token отключает проверку (dev-режим).
func BearerAuth(token string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			const p = "Bearer "
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, p) ||
				subtle.ConstantTimeCompare([]byte(strings.TrimPrefix(auth, p)), []byte(token)) != 1 {
				models.WriteUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
