package middlewares

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/arcsync/arcsync/internal/server/auth"
	"github.com/arcsync/arcsync/internal/server/handlers/api"
)

const (
	bearerPrefix   = "Bearer "
	authHeader     = "Authorization"
	userContextKey = "user"
)

// JWTAuth validates bearer tokens. With role set to auth.RoleAdmin only
// admin tokens pass. Verified claims are attached to the request context.
func JWTAuth(authService *auth.AuthService, role auth.Role) gin.HandlerFunc {
	if !authService.IsEnabled() {
		slog.Info("auth middleware disabled")
		return func(ctx *gin.Context) {
			ctx.Next()
		}
	}
	return func(ctx *gin.Context) {
		authHeaderValue := ctx.GetHeader(authHeader)
		if authHeaderValue == "" {
			api.AbortWithError(ctx, http.StatusUnauthorized, api.CodeAuthInvalidCredentials,
				fmt.Errorf("authorization header is missing"))
			return
		}

		if !strings.HasPrefix(authHeaderValue, bearerPrefix) {
			api.AbortWithError(ctx, http.StatusUnauthorized, api.CodeAuthInvalidCredentials,
				fmt.Errorf("authorization header format must be Bearer {token}"))
			return
		}

		claims, err := authService.ValidateToken(strings.TrimPrefix(authHeaderValue, bearerPrefix))
		if err != nil {
			api.AbortWithError(ctx, http.StatusUnauthorized, api.CodeAuthInvalidCredentials, err)
			return
		}

		if role == auth.RoleAdmin && claims.Role != auth.RoleAdmin {
			api.AbortWithError(ctx, http.StatusForbidden, api.CodeAccessDenied,
				fmt.Errorf("%w: admin token required", auth.ErrForbidden))
			return
		}

		ctx.Set(userContextKey, claims.Subject)
		ctx.Request = ctx.Request.WithContext(auth.WithClaims(ctx.Request.Context(), claims))
		ctx.Next()
	}
}
