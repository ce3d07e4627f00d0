package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS answers browser pre-flight requests for the producer endpoints.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key", "X-API-Key", "apikey", "X-Client-Info"},
		ExposedHeaders: []string{"Location"},
		MaxAge:         300,
	})
}
