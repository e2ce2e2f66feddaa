package identity

import "strings"

// TokenPair holds the upstream provider's token pair. Both values are opaque
// strings owned by the identity provider; the access token carries a
// provider-defined expiry and the refresh token exchanges for a new pair.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// UserInfo is the provider's view of a user, fetched fresh per request and
// never cached beyond a single request's lifetime. Role is a ";"-joined list
// of role names as delivered by the provider.
type UserInfo struct {
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	IPN       string `json:"ipn,omitempty"`
	Name      string `json:"name,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Email     string `json:"email,omitempty"`
}

// Roles splits the ";"-joined role string, discarding empty entries.
func (u *UserInfo) Roles() []string {
	if u == nil || u.Role == "" {
		return nil
	}
	parts := strings.Split(u.Role, ";")
	roles := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			roles = append(roles, p)
		}
	}
	return roles
}

// DisplayName returns the best available human-readable name.
func (u *UserInfo) DisplayName() string {
	if u == nil {
		return ""
	}
	if u.Name != "" {
		return u.Name
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	return u.Email
}
