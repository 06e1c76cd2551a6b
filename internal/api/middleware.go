/**
 * @description
 * This file contains the identity middleware for the HTTP router. Tokens are
 * HS256 JWTs signed with the shared secret of the platform's auth service and
 * carry one of three identities: a recycling user, a facility, or an admin.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: Token parsing and signature verification.
 * - github.com/google/uuid: For parsing identity claims.
 */

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	roleAdmin    = "admin"
	typeFacility = "facility"
)

var (
	errMissingToken = errors.New("authorization header required")
	errBadHeader    = errors.New("invalid authorization header format")
)

// Identity is the verified caller extracted from a bearer token.
type Identity struct {
	UserID     *uuid.UUID
	Email      string
	FacilityID *uuid.UUID
	Admin      bool
}

// IdentityContextKey is a custom type for the context key to avoid collisions.
type IdentityContextKey string

const identityKey IdentityContextKey = "rewardsIdentity"

// Authenticator verifies bearer tokens against a shared HMAC secret.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// RequireUser rejects requests that do not carry a user identity.
func (a *Authenticator) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := a.authenticate(r)
		if err != nil {
			writeUnauthorized(w, err.Error())
			return
		}
		if identity.UserID == nil {
			writeUnauthorized(w, "user token required")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// OptionalUser lets anonymous requests through. A token that is present must
// still be valid.
func (a *Authenticator) OptionalUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(r.Header.Get("Authorization")) == "" {
			next.ServeHTTP(w, r)
			return
		}
		identity, err := a.authenticate(r)
		if err != nil {
			writeUnauthorized(w, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// RequireFacilityOrAdmin guards the confirmation endpoint.
func (a *Authenticator) RequireFacilityOrAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := a.authenticate(r)
		if err != nil {
			writeUnauthorized(w, err.Error())
			return
		}
		if identity.FacilityID == nil && !identity.Admin {
			writeUnauthorized(w, "facility or admin token required")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

func (a *Authenticator) authenticate(r *http.Request) (*Identity, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, errMissingToken
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader || strings.TrimSpace(tokenString) == "" {
		return nil, errBadHeader
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid token claims")
	}
	return identityFromClaims(claims)
}

func identityFromClaims(claims jwt.MapClaims) (*Identity, error) {
	identity := &Identity{}
	if role, _ := claims["role"].(string); role == roleAdmin {
		identity.Admin = true
	}

	if kind, _ := claims["type"].(string); kind == typeFacility {
		raw, _ := claims["facilityId"].(string)
		facilityID, err := uuid.Parse(raw)
		if err != nil {
			return nil, errors.New("facility id not found in token")
		}
		identity.FacilityID = &facilityID
		return identity, nil
	}

	raw, _ := claims["userId"].(string)
	if raw == "" {
		raw, _ = claims["sub"].(string)
	}
	if raw != "" {
		userID, err := uuid.Parse(raw)
		if err != nil {
			return nil, errors.New("invalid user id in token")
		}
		identity.UserID = &userID
		identity.Email, _ = claims["email"].(string)
	}
	if identity.UserID == nil && !identity.Admin {
		return nil, errors.New("user id not found in token")
	}
	return identity, nil
}

// WithIdentity stores the verified identity on ctx.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// GetIdentity retrieves the verified identity from the request context.
func GetIdentity(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey).(*Identity)
	return identity, ok && identity != nil
}
