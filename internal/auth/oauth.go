// Package auth provides OIDC bearer-token authentication and request rate
// limiting for the clusterflow API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Provider verifies tokens issued by an OIDC provider.
type Provider struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
}

// Config holds OIDC provider configuration.
type Config struct {
	// Issuer is the OIDC provider URL (e.g., https://auth.example.com)
	Issuer string

	// ClientID is the expected audience of ID tokens
	ClientID string

	// SkipIssuerCheck disables issuer validation (use only for testing)
	SkipIssuerCheck bool
}

// NewProvider fetches the issuer's discovery document and builds a verifier.
func NewProvider(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		return nil, errors.New("auth: config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("auth: issuer is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("auth: client_id is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("create oidc provider: %w", err)
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID:        cfg.ClientID,
		SkipIssuerCheck: cfg.SkipIssuerCheck,
	})

	return &Provider{provider: provider, verifier: verifier}, nil
}

// Authenticate accepts either a signed ID token or an opaque access token,
// which is checked against the userinfo endpoint.
func (p *Provider) Authenticate(ctx context.Context, token string) (*Claims, error) {
	claims, err := p.VerifyToken(ctx, token)
	if err == nil {
		return claims, nil
	}
	claims, uerr := p.VerifyAccessToken(ctx, token)
	if uerr != nil {
		return nil, errors.Join(err, uerr)
	}
	return claims, nil
}

// VerifyToken verifies an ID token and returns claims.
func (p *Provider) VerifyToken(ctx context.Context, rawToken string) (*Claims, error) {
	rawToken = trimBearer(rawToken)

	idToken, err := p.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	var extra profileClaims
	if err := idToken.Claims(&extra); err != nil {
		return nil, fmt.Errorf("extract claims: %w", err)
	}

	return &Claims{
		Subject:  idToken.Subject,
		Name:     extra.Name,
		Email:    extra.Email,
		Username: extra.PreferredUsername,
		Groups:   extra.Groups,
		Roles:    extra.Roles,
		Issuer:   idToken.Issuer,
		Expiry:   idToken.Expiry,
	}, nil
}

// VerifyAccessToken verifies an access token using the userinfo endpoint.
func (p *Provider) VerifyAccessToken(ctx context.Context, accessToken string) (*Claims, error) {
	userInfo, err := p.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: trimBearer(accessToken),
	}))
	if err != nil {
		return nil, fmt.Errorf("userinfo: %w", err)
	}

	claims := &Claims{
		Subject: userInfo.Subject,
		Email:   userInfo.Email,
	}
	var extra profileClaims
	if err := userInfo.Claims(&extra); err == nil {
		claims.Name = extra.Name
		claims.Username = extra.PreferredUsername
		claims.Groups = extra.Groups
		claims.Roles = extra.Roles
	}
	return claims, nil
}

func trimBearer(token string) string {
	token = strings.TrimPrefix(token, "Bearer ")
	return strings.TrimPrefix(token, "bearer ")
}

// profileClaims are the non-standard claims read from tokens and userinfo.
type profileClaims struct {
	Name              string   `json:"name"`
	Email             string   `json:"email"`
	PreferredUsername string   `json:"preferred_username"`
	Groups            []string `json:"groups"`
	Roles             []string `json:"roles"`
}

// Claims identify the caller of a request.
type Claims struct {
	Subject  string    `json:"sub"`
	Name     string    `json:"name,omitempty"`
	Email    string    `json:"email,omitempty"`
	Username string    `json:"preferred_username,omitempty"`
	Groups   []string  `json:"groups,omitempty"`
	Roles    []string  `json:"roles,omitempty"`
	Issuer   string    `json:"iss,omitempty"`
	Expiry   time.Time `json:"-"`
}

// HasRole checks if the user has a specific role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsExpired checks if the token has expired.
func (c *Claims) IsExpired() bool {
	if c.Expiry.IsZero() {
		return false
	}
	return time.Now().After(c.Expiry)
}
