package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mandihq/mandi/errs"
)

type actorKey struct{}

// ActorFrom returns the authenticated principal stored by the auth
// middleware, or "" on unauthenticated routes.
func ActorFrom(ctx context.Context) string {
	var s, _ = ctx.Value(actorKey{}).(string)
	return s
}

// authenticate verifies the bearer token and stashes its subject as the
// acting principal for audit trails. Only HMAC tokens are accepted; an
// attacker must not be able to downgrade to alg=none or confuse key types.
func (a args) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var header = r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, r, errs.New(errs.Unauthorized, "missing bearer token"))
			return
		}

		var claims jwt.RegisteredClaims
		var token, err = jwt.ParseWithClaims(strings.TrimPrefix(header, "Bearer "), &claims,
			func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
				}
				return a.secret, nil
			})
		if err != nil || !token.Valid {
			writeError(w, r, errs.Wrap(errs.Unauthorized, err, "invalid bearer token"))
			return
		}
		if claims.Subject == "" {
			writeError(w, r, errs.New(errs.Unauthorized, "token has no subject"))
			return
		}

		next.ServeHTTP(w, r.WithContext(
			context.WithValue(r.Context(), actorKey{}, claims.Subject)))
	})
}
