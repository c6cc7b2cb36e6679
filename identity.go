package campusrooms

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidCredential is returned when a credential is absent, cannot be
	// decoded, or has expired. No connection is attempted for it.
	ErrInvalidCredential = errors.New("invalid credential")

	ErrUnknownRole = errors.New("unknown role")
)

// Claims is the payload the marketplace backend signs into its bearer tokens.
type Claims struct {
	UserID string `json:"id"`
	Role   string `json:"role"`
	Name   string `json:"name,omitempty"`
	Nom    string `json:"nom,omitempty"`
	jwt.RegisteredClaims
}

// ParseCredential decodes a bearer token into the identity it carries.
// The signature is checked server-side; only expiry is enforced here.
func ParseCredential(credential string, now time.Time) (*Identity, *Claims, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, nil, fmt.Errorf("%w: empty", ErrInvalidCredential)
	}

	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(credential, claims); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(now) {
		return nil, nil, fmt.Errorf("%w: expired at %s", ErrInvalidCredential, claims.ExpiresAt.Format(time.RFC3339))
	}

	id := claims.UserID
	if id == "" {
		id = claims.Subject
	}
	if id == "" {
		return nil, nil, fmt.Errorf("%w: missing user id", ErrInvalidCredential)
	}
	role, err := ParseRole(claims.Role)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	name := claims.Name
	if name == "" {
		name = claims.Nom
	}
	return &Identity{ID: id, Role: role, DisplayName: strings.TrimSpace(name)}, claims, nil
}
