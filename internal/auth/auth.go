package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strings"

	"github.com/Cypherspark/notify-gateway/internal/core"
	"github.com/Cypherspark/notify-gateway/internal/logger"
	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthorized = errors.New("unauthorized")

// Revocations reports tokens that were logged out before they expired.
type Revocations interface {
	IsRevoked(ctx context.Context, token string) (bool, error)
}

// LoadPublicKey reads a PEM encoded RSA public key.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("parse public key %s: %w", path, err)
	}
	return key, nil
}

// Verifier checks RS256 session tokens issued by the portal's login service.
type Verifier struct {
	key     *rsa.PublicKey
	revoked Revocations
}

// NewVerifier builds a verifier; revoked may be nil.
func NewVerifier(key *rsa.PublicKey, revoked Revocations) *Verifier {
	return &Verifier{key: key, revoked: revoked}
}

// Verify returns the actor a token was issued to. The actor id comes from
// the "id" claim, or "_id", and the kind from "role".
func (v *Verifier) Verify(ctx context.Context, token string) (core.ActorRef, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if err != nil {
		return core.ActorRef{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	id, _ := claims["id"].(string)
	if id == "" {
		id, _ = claims["_id"].(string)
	}
	role, _ := claims["role"].(string)
	if id == "" || role == "" {
		return core.ActorRef{}, fmt.Errorf("%w: token lacks id or role", ErrUnauthorized)
	}
	kind, err := core.ParseActorKind(role)
	if err != nil {
		return core.ActorRef{}, fmt.Errorf("%w: role %q", ErrUnauthorized, role)
	}

	if v.revoked != nil {
		revoked, err := v.revoked.IsRevoked(ctx, token)
		if err != nil {
			return core.ActorRef{}, fmt.Errorf("%w: revocation check: %v", ErrUnauthorized, err)
		}
		if revoked {
			return core.ActorRef{}, fmt.Errorf("%w: token revoked", ErrUnauthorized)
		}
	}
	return core.ActorRef{ID: id, Kind: kind}, nil
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p core.ActorRef) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func FromContext(ctx context.Context) (core.ActorRef, bool) {
	p, ok := ctx.Value(principalKey{}).(core.ActorRef)
	return p, ok
}

func deny(w http.ResponseWriter, status int, kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": kind, "message": msg})
}

// Middleware requires a valid bearer token and stores its principal.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || token == "" {
			deny(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		p, err := v.Verify(r.Context(), token)
		if err != nil {
			logger.From(r.Context()).Info("token rejected", "error", err)
			deny(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

// RequireKind lets only the listed actor kinds through.
func RequireKind(kinds ...core.ActorKind) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := FromContext(r.Context())
			if !ok {
				deny(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}
			if !slices.Contains(kinds, p.Kind) {
				deny(w, http.StatusForbidden, core.ErrForbidden.Error(), fmt.Sprintf("role %s is not allowed here", p.Kind))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
