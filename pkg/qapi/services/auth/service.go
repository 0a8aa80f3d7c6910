package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/quatton/qmesh/pkg/qlog"
	"github.com/quatton/qmesh/pkg/qsdk"
)

type ctxKey string

const principalKey ctxKey = "qmesh.principal"

// Service verifies bearer tokens signed with the daemon secret. A Service
// without a secret lets every request through.
type Service struct {
	secret []byte
	logger *slog.Logger
}

func NewService(secret []byte, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{secret: secret, logger: qlog.WithComponent(logger, "auth")}
}

func (s *Service) Enabled() bool {
	return len(s.secret) > 0
}

// Middleware rejects operations that declare a security requirement unless
// the request carries a valid token. Read-only methods need runs:read,
// everything else runs:write.
func (s *Service) Middleware(api huma.API) func(ctx huma.Context, next func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		if !s.Enabled() || len(ctx.Operation().Security) == 0 {
			next(ctx)
			return
		}

		authHeader := ctx.Header("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			_ = huma.WriteErr(api, ctx, http.StatusUnauthorized, "Authentication required")
			return
		}

		user, err := qsdk.VerifyToken(s.secret, parts[1])
		if err != nil {
			s.logger.Warn("invalid token", "error", err)
			_ = huma.WriteErr(api, ctx, http.StatusUnauthorized, "Invalid token")
			return
		}

		scope := qsdk.ScopeWrite
		if m := ctx.Method(); m == http.MethodGet || m == http.MethodHead {
			scope = qsdk.ScopeRead
		}
		if !user.HasScope(scope) {
			_ = huma.WriteErr(api, ctx, http.StatusForbidden, "Token lacks scope "+scope)
			return
		}

		s.logger.Debug("authenticated", "sub", user.ID, "scope", user.Scope)
		next(huma.WithValue(ctx, principalKey, user))
	}
}

// Principal returns the claims of the authenticated caller.
func Principal(ctx context.Context) (*qsdk.UserClaims, bool) {
	if v := ctx.Value(principalKey); v != nil {
		if p, ok := v.(*qsdk.UserClaims); ok {
			return p, true
		}
	}
	return nil, false
}
