package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// OwnerIDHeader carries the caller's identity, resolved by an upstream
// gateway before the request reaches this service.
const OwnerIDHeader = "X-Owner-ID"

type contextKey string

const ownerIDKey contextKey = "owner_id"

// RequireOwner extracts the owner id header and stores it on the request
// context. Requests without a parseable owner id are rejected.
func RequireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(OwnerIDHeader)
		if raw == "" {
			http.Error(w, "missing "+OwnerIDHeader+" header", http.StatusUnauthorized)
			return
		}
		ownerID, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "malformed "+OwnerIDHeader+" header", http.StatusBadRequest)
			return
		}

		ctx := context.WithValue(r.Context(), ownerIDKey, ownerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OwnerID returns the owner id stored by RequireOwner. The boolean is false
// on routes that skipped the middleware.
func OwnerID(ctx context.Context) (uuid.UUID, bool) {
	ownerID, ok := ctx.Value(ownerIDKey).(uuid.UUID)
	return ownerID, ok
}
