// Package identity wraps the external identity provider. The gateway talks to
// it through the Provider interface; the concrete implementation speaks OIDC.
package identity

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Provider is the identity-provider client consumed by the authorization
// gateway. Implementations must be safe for concurrent use.
type Provider interface {
	// FetchUserInfo resolves live user info for an access token. A nil
	// UserInfo or one without a UserID signals an expired access token.
	FetchUserInfo(ctx context.Context, accessToken string) (*UserInfo, error)

	// RenewTokens exchanges a refresh token for a fresh token pair.
	RenewTokens(ctx context.Context, refreshToken string) (*TokenPair, error)
}

// OIDCConfig holds the provider connection settings.
type OIDCConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// OIDCProvider implements Provider against an OpenID Connect issuer.
type OIDCProvider struct {
	provider     *oidc.Provider
	oauth2Config *oauth2.Config
}

// NewOIDCProvider discovers the issuer and builds the client.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("issuer URL is required")
	}
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	return &OIDCProvider{
		provider: provider,
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			Scopes:       scopes,
		},
	}, nil
}

// FetchUserInfo queries the issuer's userinfo endpoint with the access token.
func (p *OIDCProvider) FetchUserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	userInfo, err := p.provider.UserInfo(ctx, tokenSource)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}

	var claims struct {
		Subject    string `json:"sub"`
		Role       string `json:"role"`
		IPN        string `json:"ipn"`
		Name       string `json:"name"`
		GivenName  string `json:"given_name"`
		FamilyName string `json:"family_name"`
		Email      string `json:"email"`
	}
	if err := userInfo.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse userinfo claims: %w", err)
	}

	return &UserInfo{
		UserID:    claims.Subject,
		Role:      claims.Role,
		IPN:       claims.IPN,
		Name:      claims.Name,
		FirstName: claims.GivenName,
		LastName:  claims.FamilyName,
		Email:     claims.Email,
	}, nil
}

// RenewTokens performs a refresh-token grant against the issuer.
func (p *OIDCProvider) RenewTokens(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token is empty")
	}
	source := p.oauth2Config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh exchange failed: %w", err)
	}

	pair := &TokenPair{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
	}
	// Some issuers do not rotate the refresh token; keep the old one then.
	if pair.RefreshToken == "" {
		pair.RefreshToken = refreshToken
	}
	return pair, nil
}
