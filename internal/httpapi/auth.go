package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tgcast/internal/broadcast"
)

type ctxKey string

const ctxActor ctxKey = "actor"

// authenticate accepts either the static bearer token or an HS256 JWT whose
// "sub" claim names the caller. With neither configured every request passes.
func authenticate(token, secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" && secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get("Authorization")
			if header == "" {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "missing Authorization header")
				return
			}
			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "invalid Authorization header")
				return
			}
			raw := strings.TrimSpace(parts[1])

			if token != "" && subtle.ConstantTimeCompare([]byte(raw), []byte(token)) == 1 {
				next.ServeHTTP(w, r.WithContext(withActor(r.Context(), "token")))
				return
			}
			if secret == "" {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}

			sub, err := parseJWT(raw, secret)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(withActor(r.Context(), sub)))
		})
	}
}

func parseJWT(raw, secret string) (string, error) {
	tok, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(30*time.Second))
	if err != nil || tok == nil || !tok.Valid {
		return "", jwt.ErrTokenUnverifiable
	}
	sub, err := tok.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", jwt.ErrTokenInvalidClaims
	}
	return sub, nil
}

func withActor(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ctxActor, name)
}

func actorFrom(ctx context.Context) broadcast.Actor {
	name, _ := ctx.Value(ctxActor).(string)
	return broadcast.Actor{Source: "http", Username: name}
}
