package httpapi

import (
	"net/http"

	"github.com/go-chi/cors"
)

// withCORS wraps next with permissive-but-scoped CORS for the operator
// dashboard and service-to-service callers listed in origins. An empty
// origins list disables cross-origin requests entirely.
func withCORS(origins []string, next http.Handler) http.Handler {
	if len(origins) == 0 {
		return next
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Idempotency-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	})(next)
}
