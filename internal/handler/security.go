package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/trip-promo/internal/domain/auth"
)

type apiKeyCtxKey struct{}

// APIKeyFromContext returns the authenticated key of the request, if any.
func APIKeyFromContext(ctx context.Context) (*auth.APIKeyInfo, bool) {
	info, ok := ctx.Value(apiKeyCtxKey{}).(*auth.APIKeyInfo)
	return info, ok
}

// requireScope authenticates the api_key header and checks the key carries
// scope. Unknown keys get 401, keys without the scope 403.
func (h *Handler) requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			info, err := h.authn.Authenticate(ctx, r.Header.Get(APIKeyHeader))
			switch {
			case errors.Is(err, auth.ErrUnauthorized):
				writeMessage(w, http.StatusUnauthorized, "unauthorized")
				return
			case err != nil:
				zctx.From(ctx).Error("Authenticate API key", zap.Error(err))
				writeMessage(w, http.StatusInternalServerError, "internal server error")
				return
			case !info.HasScope(scope):
				writeMessage(w, http.StatusForbidden, auth.ErrForbidden.Error()+": missing scope "+scope)
				return
			}

			ctx = context.WithValue(ctx, apiKeyCtxKey{}, info)
			ctx = zctx.With(ctx, zap.String("api_key_id", info.ID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
