package middleware

import (
	"context"
	"net/http"
	"strings"

	"consignment-sync-server/pkg/jwt"
	"consignment-sync-server/pkg/response"
)

type contextKey string

const (
	OperatorIDKey     contextKey = "operatorID"
	operatorHolderKey contextKey = "operatorHolder"
)

func AuthMiddleware(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				response.Unauthorized(w, "Missing authorization header")
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				response.Unauthorized(w, "Invalid authorization header format")
				return
			}

			claims, err := jwt.ValidateToken(parts[1], jwtSecret)
			if err != nil {
				response.Unauthorized(w, "Invalid or expired token")
				return
			}

			recordOperator(r.Context(), claims.OperatorID)
			next.ServeHTTP(w, r.WithContext(WithOperatorID(r.Context(), claims.OperatorID)))
		})
	}
}

func WithOperatorID(ctx context.Context, operatorID string) context.Context {
	return context.WithValue(ctx, OperatorIDKey, operatorID)
}

func GetOperatorID(r *http.Request) string {
	operatorID, ok := r.Context().Value(OperatorIDKey).(string)
	if !ok {
		return ""
	}
	return operatorID
}

// operatorHolder lets an outer middleware see who the request ran as.
type operatorHolder struct {
	id string
}

func withOperatorHolder(ctx context.Context, h *operatorHolder) context.Context {
	return context.WithValue(ctx, operatorHolderKey, h)
}

func recordOperator(ctx context.Context, operatorID string) {
	if h, ok := ctx.Value(operatorHolderKey).(*operatorHolder); ok {
		h.id = operatorID
	}
}
