package gateway

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/opsdeck/opsdeck/pkg/identity"
	"github.com/opsdeck/opsdeck/pkg/observability"
	"github.com/opsdeck/opsdeck/pkg/session"
	"github.com/opsdeck/opsdeck/pkg/units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	fetch func(ctx context.Context, accessToken string) (*identity.UserInfo, error)
	renew func(ctx context.Context, refreshToken string) (*identity.TokenPair, error)
}

func (f *fakeProvider) FetchUserInfo(ctx context.Context, accessToken string) (*identity.UserInfo, error) {
	return f.fetch(ctx, accessToken)
}

func (f *fakeProvider) RenewTokens(ctx context.Context, refreshToken string) (*identity.TokenPair, error) {
	if f.renew == nil {
		return nil, errors.New("renewal not expected")
	}
	return f.renew(ctx, refreshToken)
}

type staticDirectory []units.Unit

func (d staticDirectory) ListUnits(ctx context.Context) ([]units.Unit, error) {
	return d, nil
}

type failingDirectory struct{}

func (failingDirectory) ListUnits(ctx context.Context) ([]units.Unit, error) {
	return nil, errors.New("directory unavailable")
}

const serverSecret = "machine-secret"

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestGateway(t *testing.T, provider identity.Provider, directory units.Directory) (*Gateway, session.Codec) {
	t.Helper()
	codec, err := session.NewSecretboxCodec(testKey)
	require.NoError(t, err)
	logger := observability.NewLogger(observability.ErrorLevel, nil)
	gw := New(provider, codec, units.NewResolver(directory), Config{ServerSecret: serverSecret}, logger, nil)
	return gw, codec
}

func issueToken(t *testing.T, codec session.Codec, pair identity.TokenPair) string {
	t.Helper()
	token, err := codec.Issue(session.Payload{Tokens: pair})
	require.NoError(t, err)
	return token
}

func supportUser() *identity.UserInfo {
	return &identity.UserInfo{UserID: "u1", Role: "support", Name: "Sam Support"}
}

func providerFor(info *identity.UserInfo) *fakeProvider {
	return &fakeProvider{
		fetch: func(ctx context.Context, accessToken string) (*identity.UserInfo, error) {
			return info, nil
		},
	}
}

func TestAuthorize_Preflight(t *testing.T) {
	gw, _ := newTestGateway(t, providerFor(nil), staticDirectory{})

	outcome := gw.Authorize(context.Background(), Call{Method: "OPTIONS", Preflight: true}, Policy{RequiredRoles: []string{"admin"}})

	assert.True(t, outcome.Admitted)
	assert.Empty(t, outcome.Context.UserID)
}

func TestAuthorize_MissingToken(t *testing.T) {
	gw, _ := newTestGateway(t, providerFor(nil), staticDirectory{})

	t.Run("best-effort route admits anonymously", func(t *testing.T) {
		outcome := gw.Authorize(context.Background(), Call{}, Policy{})
		assert.True(t, outcome.Admitted)
		require.NotNil(t, outcome.Context)
		assert.Empty(t, outcome.Context.UserID)
	})

	t.Run("protected route rejects 401", func(t *testing.T) {
		outcome := gw.Authorize(context.Background(), Call{}, Policy{RequiredRoles: []string{"admin"}})
		assert.False(t, outcome.Admitted)
		assert.Equal(t, ReasonMissingToken, outcome.Reason)
		assert.Equal(t, http.StatusUnauthorized, outcome.Status)
	})
}

// The empty-roles quirk: a non-nil empty RequiredRoles list is meant to lock a
// route down to the server secret, but a tokenless call slips through because
// the missing-token check runs first. Preserved behavior, not a bug fix.
func TestAuthorize_EmptyRequiredRolesQuirk(t *testing.T) {
	gw, codec := newTestGateway(t, providerFor(supportUser()), staticDirectory{})
	emptyRoles := Policy{RequiredRoles: []string{}}

	t.Run("tokenless call is waved through unauthenticated", func(t *testing.T) {
		outcome := gw.Authorize(context.Background(), Call{}, emptyRoles)
		assert.True(t, outcome.Admitted)
		assert.Empty(t, outcome.Context.UserID)
	})

	t.Run("any bearer token is rejected with MissingRole", func(t *testing.T) {
		token := issueToken(t, codec, identity.TokenPair{AccessToken: "a", RefreshToken: "r"})
		outcome := gw.Authorize(context.Background(), Call{Token: token}, emptyRoles)
		assert.False(t, outcome.Admitted)
		assert.Equal(t, ReasonMissingRole, outcome.Reason)
		assert.Equal(t, http.StatusForbidden, outcome.Status)
	})

	t.Run("server secret still passes", func(t *testing.T) {
		outcome := gw.Authorize(context.Background(), Call{Token: serverSecret}, emptyRoles)
		assert.True(t, outcome.Admitted)
		assert.True(t, outcome.Context.Service)
	})
}

func TestAuthorize_ServerSecretBypass(t *testing.T) {
	gw, _ := newTestGateway(t, providerFor(nil), staticDirectory{})

	// Roles and units that would otherwise deny are ignored for the secret.
	outcome := gw.Authorize(context.Background(), Call{Token: serverSecret}, Policy{
		RequiredRoles: []string{"admin"},
		RequiredUnits: []string{"42"},
	})

	assert.True(t, outcome.Admitted)
	assert.True(t, outcome.Context.Service)
	assert.Empty(t, outcome.NewToken)
}

func TestAuthorize_ServiceOnly(t *testing.T) {
	gw, codec := newTestGateway(t, providerFor(supportUser()), staticDirectory{})
	policy := Policy{RequiredRoles: []string{"admin"}, ServiceOnly: true}

	t.Run("secret passes", func(t *testing.T) {
		outcome := gw.Authorize(context.Background(), Call{Token: serverSecret}, policy)
		assert.True(t, outcome.Admitted)
	})

	t.Run("session token rejected", func(t *testing.T) {
		token := issueToken(t, codec, identity.TokenPair{AccessToken: "a"})
		outcome := gw.Authorize(context.Background(), Call{Token: token}, policy)
		assert.False(t, outcome.Admitted)
		assert.Equal(t, ReasonNotAServiceToken, outcome.Reason)
		assert.Equal(t, http.StatusUnauthorized, outcome.Status)
	})
}

func TestAuthorize_InvalidToken(t *testing.T) {
	gw, _ := newTestGateway(t, providerFor(nil), staticDirectory{})

	t.Run("best-effort route admits anonymously", func(t *testing.T) {
		outcome := gw.Authorize(context.Background(), Call{Token: "garbage"}, Policy{})
		assert.True(t, outcome.Admitted)
		assert.Empty(t, outcome.Context.UserID)
	})

	t.Run("protected route rejects 401", func(t *testing.T) {
		outcome := gw.Authorize(context.Background(), Call{Token: "garbage"}, Policy{RequiredRoles: []string{"admin"}})
		assert.False(t, outcome.Admitted)
		assert.Equal(t, ReasonInvalidToken, outcome.Reason)
		assert.Equal(t, http.StatusUnauthorized, outcome.Status)
	})
}

func TestAuthorize_IdentityLookupFailure(t *testing.T) {
	provider := &fakeProvider{
		fetch: func(ctx context.Context, accessToken string) (*identity.UserInfo, error) {
			return nil, errors.New("provider unreachable")
		},
	}
	gw, codec := newTestGateway(t, provider, staticDirectory{})
	token := issueToken(t, codec, identity.TokenPair{AccessToken: "a"})

	t.Run("best-effort route admits anonymously", func(t *testing.T) {
		outcome := gw.Authorize(context.Background(), Call{Token: token}, Policy{})
		assert.True(t, outcome.Admitted)
		assert.Empty(t, outcome.Context.UserID)
	})

	t.Run("protected route rejects 401", func(t *testing.T) {
		outcome := gw.Authorize(context.Background(), Call{Token: token}, Policy{RequiredRoles: []string{"admin"}})
		assert.False(t, outcome.Admitted)
		assert.Equal(t, ReasonIdentityLookupFailed, outcome.Reason)
	})
}

func TestAuthorize_NoRenewalNoNewToken(t *testing.T) {
	gw, codec := newTestGateway(t, providerFor(supportUser()), staticDirectory{})
	token := issueToken(t, codec, identity.TokenPair{AccessToken: "a", RefreshToken: "r"})

	outcome := gw.Authorize(context.Background(), Call{Token: token}, Policy{RequiredRoles: []string{"support"}})

	assert.True(t, outcome.Admitted)
	assert.Empty(t, outcome.NewToken)
	assert.Equal(t, "a", outcome.Context.AccessToken)
}

func TestAuthorize_TransparentRenewal(t *testing.T) {
	renewed := &identity.UserInfo{UserID: "u2", Role: "admin", Name: "Renee Renewed"}
	provider := &fakeProvider{
		fetch: func(ctx context.Context, accessToken string) (*identity.UserInfo, error) {
			if accessToken == "fresh-access" {
				return renewed, nil
			}
			// Expired upstream: userinfo succeeds but carries no user ID.
			return &identity.UserInfo{}, nil
		},
		renew: func(ctx context.Context, refreshToken string) (*identity.TokenPair, error) {
			require.Equal(t, "old-refresh", refreshToken)
			return &identity.TokenPair{AccessToken: "fresh-access", RefreshToken: "fresh-refresh"}, nil
		},
	}
	gw, codec := newTestGateway(t, provider, staticDirectory{})
	token := issueToken(t, codec, identity.TokenPair{AccessToken: "old-access", RefreshToken: "old-refresh"})

	outcome := gw.Authorize(context.Background(), Call{Token: token}, Policy{RequiredRoles: []string{"admin"}})

	require.True(t, outcome.Admitted)
	require.NotEmpty(t, outcome.NewToken)
	assert.Equal(t, "u2", outcome.Context.UserID)
	assert.Equal(t, "fresh-access", outcome.Context.AccessToken)

	// The superseding token must wrap the new pair, not the original.
	payload, err := codec.Open(outcome.NewToken)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", payload.Tokens.AccessToken)
	assert.Equal(t, "fresh-refresh", payload.Tokens.RefreshToken)
	require.NotNil(t, payload.User)
	assert.Equal(t, "u2", payload.User.UserID)
}

func TestAuthorize_RenewalFailure(t *testing.T) {
	provider := &fakeProvider{
		fetch: func(ctx context.Context, accessToken string) (*identity.UserInfo, error) {
			return &identity.UserInfo{}, nil
		},
		renew: func(ctx context.Context, refreshToken string) (*identity.TokenPair, error) {
			return nil, errors.New("refresh grant rejected")
		},
	}
	gw, codec := newTestGateway(t, provider, staticDirectory{})
	token := issueToken(t, codec, identity.TokenPair{AccessToken: "a", RefreshToken: "r"})

	t.Run("protected route rejects 401", func(t *testing.T) {
		outcome := gw.Authorize(context.Background(), Call{Token: token}, Policy{RequiredRoles: []string{"admin"}})
		assert.False(t, outcome.Admitted)
		assert.Equal(t, ReasonRenewalFailed, outcome.Reason)
		assert.Equal(t, http.StatusUnauthorized, outcome.Status)
	})

	t.Run("best-effort route admits anonymously", func(t *testing.T) {
		outcome := gw.Authorize(context.Background(), Call{Token: token}, Policy{})
		assert.True(t, outcome.Admitted)
		assert.Empty(t, outcome.Context.UserID)
	})
}

func TestAuthorize_RoleCheckORSemantics(t *testing.T) {
	gw, codec := newTestGateway(t, providerFor(&identity.UserInfo{UserID: "u1", Role: "A"}), staticDirectory{})
	token := issueToken(t, codec, identity.TokenPair{AccessToken: "a"})

	t.Run("one shared role admits", func(t *testing.T) {
		outcome := gw.Authorize(context.Background(), Call{Token: token}, Policy{RequiredRoles: []string{"A", "B"}})
		assert.True(t, outcome.Admitted)
	})

	t.Run("no shared role denies", func(t *testing.T) {
		outcome := gw.Authorize(context.Background(), Call{Token: token}, Policy{RequiredRoles: []string{"B", "C"}})
		assert.False(t, outcome.Admitted)
		assert.Equal(t, ReasonMissingRole, outcome.Reason)
		assert.Equal(t, http.StatusForbidden, outcome.Status)
	})
}

func TestAuthorize_RoleStringSplitting(t *testing.T) {
	gw, codec := newTestGateway(t, providerFor(&identity.UserInfo{UserID: "u1", Role: "support;;admin;"}), staticDirectory{})
	token := issueToken(t, codec, identity.TokenPair{AccessToken: "a"})

	outcome := gw.Authorize(context.Background(), Call{Token: token}, Policy{RequiredRoles: []string{"admin"}})

	require.True(t, outcome.Admitted)
	assert.Equal(t, []string{"support", "admin"}, outcome.Context.Roles)
}

func TestAuthorize_UnitChecks(t *testing.T) {
	directory := staticDirectory{
		{ID: "ops", Heads: []string{"u1"}},
		{ID: "audit", Members: []string{"u1"}},
		{ID: "finance", Members: []string{"someone-else"}},
	}
	gw, codec := newTestGateway(t, providerFor(&identity.UserInfo{UserID: "u1", Role: "admin"}), directory)
	token := issueToken(t, codec, identity.TokenPair{AccessToken: "a"})

	t.Run("intersecting required units admit", func(t *testing.T) {
		outcome := gw.Authorize(context.Background(), Call{Token: token}, Policy{
			RequiredRoles: []string{"admin"},
			RequiredUnits: []string{"audit", "finance"},
		})
		require.True(t, outcome.Admitted)
		assert.Equal(t, []string{"ops"}, outcome.Context.Units.Head)
		assert.Equal(t, []string{"audit"}, outcome.Context.Units.Member)
		assert.ElementsMatch(t, []string{"ops", "audit"}, outcome.Context.Units.All)
	})

	t.Run("disjoint required units deny", func(t *testing.T) {
		outcome := gw.Authorize(context.Background(), Call{Token: token}, Policy{
			RequiredRoles: []string{"admin"},
			RequiredUnits: []string{"finance"},
		})
		assert.False(t, outcome.Admitted)
		assert.Equal(t, ReasonUnitAccessDenied, outcome.Reason)
		assert.Equal(t, http.StatusForbidden, outcome.Status)
	})
}

func TestAuthorize_GlobalAllowList(t *testing.T) {
	directory := staticDirectory{{ID: "ops", Members: []string{"u1"}}}
	codec, err := session.NewSecretboxCodec(testKey)
	require.NoError(t, err)
	logger := observability.NewLogger(observability.ErrorLevel, nil)

	gw := New(providerFor(&identity.UserInfo{UserID: "u1", Role: "admin"}), codec,
		units.NewResolver(directory),
		Config{ServerSecret: serverSecret, AllowedUnits: []string{"hq"}}, logger, nil)
	token := issueToken(t, codec, identity.TokenPair{AccessToken: "a"})

	t.Run("caller outside the allow-list is denied", func(t *testing.T) {
		outcome := gw.Authorize(context.Background(), Call{Token: token}, Policy{RequiredRoles: []string{"admin"}})
		assert.False(t, outcome.Admitted)
		assert.Equal(t, ReasonUnitNotAllowed, outcome.Reason)
		assert.Equal(t, http.StatusForbidden, outcome.Status)
	})

	t.Run("server secret ignores the allow-list", func(t *testing.T) {
		outcome := gw.Authorize(context.Background(), Call{Token: serverSecret}, Policy{RequiredRoles: []string{"admin"}})
		assert.True(t, outcome.Admitted)
	})
}

func TestAuthorize_LogsDecisions(t *testing.T) {
	codec, err := session.NewSecretboxCodec(testKey)
	require.NoError(t, err)

	t.Run("rejection is logged with the reason", func(t *testing.T) {
		var buf bytes.Buffer
		logger := observability.NewLogger(observability.InfoLevel, &buf)
		gw := New(providerFor(nil), codec, units.NewResolver(staticDirectory{}),
			Config{ServerSecret: serverSecret}, logger, nil)

		gw.Authorize(context.Background(), Call{Method: "GET"}, Policy{RequiredRoles: []string{"admin"}})

		assert.Contains(t, buf.String(), "call rejected")
		assert.Contains(t, buf.String(), string(ReasonMissingToken))
	})

	t.Run("renewal is logged with the user", func(t *testing.T) {
		provider := &fakeProvider{
			fetch: func(ctx context.Context, accessToken string) (*identity.UserInfo, error) {
				if accessToken == "fresh" {
					return &identity.UserInfo{UserID: "u9", Role: "admin"}, nil
				}
				return &identity.UserInfo{}, nil
			},
			renew: func(ctx context.Context, refreshToken string) (*identity.TokenPair, error) {
				return &identity.TokenPair{AccessToken: "fresh", RefreshToken: "r2"}, nil
			},
		}
		var buf bytes.Buffer
		logger := observability.NewLogger(observability.InfoLevel, &buf)
		gw := New(provider, codec, units.NewResolver(staticDirectory{}),
			Config{ServerSecret: serverSecret}, logger, nil)
		token := issueToken(t, codec, identity.TokenPair{AccessToken: "stale", RefreshToken: "r"})

		outcome := gw.Authorize(context.Background(), Call{Token: token}, Policy{RequiredRoles: []string{"admin"}})

		require.True(t, outcome.Admitted)
		assert.Contains(t, buf.String(), "session token renewed")
		assert.Contains(t, buf.String(), "u9")
	})
}

func TestAuthorize_DirectoryFailure(t *testing.T) {
	gw, codec := newTestGateway(t, providerFor(supportUser()), failingDirectory{})
	token := issueToken(t, codec, identity.TokenPair{AccessToken: "a"})

	t.Run("protected route rejects 401", func(t *testing.T) {
		outcome := gw.Authorize(context.Background(), Call{Token: token}, Policy{RequiredRoles: []string{"support"}})
		assert.False(t, outcome.Admitted)
		assert.Equal(t, ReasonIdentityLookupFailed, outcome.Reason)
	})

	t.Run("best-effort route admits anonymously", func(t *testing.T) {
		outcome := gw.Authorize(context.Background(), Call{Token: token}, Policy{})
		assert.True(t, outcome.Admitted)
	})
}
