package api

import (
	"errors"
	"fmt"

	"supportcall/native/internal/domain"

	"github.com/golang-jwt/jwt/v5"
)

// Identity reads the caller's id and role from the bearer token's claims.
// The token is not verified here; the relay does that on every request.
// Explicit id and role override the claims.
func Identity(token, id string, role domain.Role) (domain.Identity, error) {
	ident := domain.Identity{Token: token, ID: id, Role: role}
	if ident.ID != "" && ident.Role.Valid() {
		return ident, nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return domain.Identity{}, fmt.Errorf("parse token: %w", err)
	}

	if ident.ID == "" {
		ident.ID = stringClaim(claims, "id")
	}
	if ident.ID == "" {
		if sub, err := claims.GetSubject(); err == nil {
			ident.ID = sub
		}
	}
	if !ident.Role.Valid() {
		ident.Role = domain.Role(stringClaim(claims, "role"))
	}

	if ident.ID == "" {
		return domain.Identity{}, errors.New("token carries no id or sub claim")
	}
	if !ident.Role.Valid() {
		return domain.Identity{}, fmt.Errorf("token role %q is not user or staff", ident.Role)
	}
	return ident, nil
}

func stringClaim(claims jwt.MapClaims, key string) string {
	switch v := claims[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}
