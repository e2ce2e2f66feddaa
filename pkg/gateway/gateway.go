// Package gateway implements the authorization gateway: a single decision
// procedure that validates the opaque session token, transparently renews the
// wrapped provider tokens when they expire, resolves unit membership and
// enforces role- and unit-scoped policies, all before business logic runs.
//
// Authorize is a pure function of its inputs plus collaborator state. Both
// the HTTP middleware (middleware.go) and the log relay's socket handshake
// consume it directly, so neither transport has to fake the other's shape.
package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/opsdeck/opsdeck/pkg/identity"
	"github.com/opsdeck/opsdeck/pkg/observability"
	"github.com/opsdeck/opsdeck/pkg/session"
	"github.com/opsdeck/opsdeck/pkg/units"
)

// Reason identifies why a call was rejected.
type Reason string

const (
	ReasonMissingToken         Reason = "MissingToken"
	ReasonInvalidToken         Reason = "InvalidToken"
	ReasonIdentityLookupFailed Reason = "IdentityLookupFailed"
	ReasonRenewalFailed        Reason = "RenewalFailed"
	ReasonNotAServiceToken     Reason = "NotAServiceToken"
	ReasonMissingRole          Reason = "MissingRole"
	ReasonUnitAccessDenied     Reason = "UnitAccessDenied"
	ReasonUnitNotAllowed       Reason = "UnitNotAllowed"
)

// Call is the transport-neutral shape of an inbound call.
type Call struct {
	Method string
	Token  string
	// Preflight marks a CORS probe, which is always admitted unauthorized.
	Preflight bool
}

// Policy is the per-route authorization requirement.
type Policy struct {
	// RequiredRoles semantics depend on nil-ness:
	//   nil: best-effort identify, never block (anonymous-friendly).
	//   non-empty: caller must hold at least one listed role (OR).
	//   empty, non-nil: historical quirk, a tokenless call is waved through
	//   unauthenticated, but any call bearing a token is rejected with
	//   MissingRole. Preserved deliberately; see the package tests.
	RequiredRoles []string
	// RequiredUnits admits only callers whose resolved unit set intersects it.
	RequiredUnits []string
	// ServiceOnly admits only the configured server secret.
	ServiceOnly bool
}

// BestEffort reports whether the policy never blocks a caller.
func (p Policy) BestEffort() bool {
	return p.RequiredRoles == nil
}

// UnitIDs is the unit-scope slice of an authorization context.
type UnitIDs struct {
	Head   []string
	Member []string
	All    []string
}

// Context is the request-scoped authorization context populated on admission.
// It is created fresh per call and never persisted.
type Context struct {
	AccessToken string
	UserInfo    *identity.UserInfo
	UserID      string
	Roles       []string
	Units       UnitIDs
	// Service marks the machine-to-machine bypass (server secret token).
	Service bool
}

// UserName returns the display name for audit metadata.
func (c *Context) UserName() string {
	if c == nil {
		return ""
	}
	return c.UserInfo.DisplayName()
}

// Outcome is the explicit admit/deny result. Callers never see a raised
// error: every collaborator failure is folded into a Denied outcome or a
// best-effort admission with an empty context.
type Outcome struct {
	Admitted bool
	// Context is non-nil on admission; empty (anonymous) for best-effort
	// admissions and preflight probes.
	Context *Context
	// NewToken is set when transparent renewal occurred; transports must
	// surface it to the caller (HTTP: the new_token response header).
	NewToken string
	Reason   Reason
	Status   int
}

func admitted(ctx *Context, newToken string) Outcome {
	return Outcome{Admitted: true, Context: ctx, NewToken: newToken}
}

func denied(reason Reason, status int) Outcome {
	return Outcome{Reason: reason, Status: status}
}

// Config holds the gateway-wide settings.
type Config struct {
	// ServerSecret is the machine-to-machine bypass token.
	ServerSecret string
	// AllowedUnits, when non-empty, is a global allow-list: every
	// authenticated caller must belong to at least one listed unit.
	AllowedUnits []string
}

// Gateway decides pass/deny for inbound calls. All dependencies are injected;
// there is no process-wide state.
type Gateway struct {
	provider identity.Provider
	codec    session.Codec
	resolver *units.Resolver
	cfg      Config
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// New constructs a gateway. metrics may be nil.
func New(provider identity.Provider, codec session.Codec, resolver *units.Resolver, cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Gateway {
	return &Gateway{
		provider: provider,
		codec:    codec,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
	}
}

// Authorize runs the ordered decision procedure. First match wins.
func (g *Gateway) Authorize(ctx context.Context, call Call, policy Policy) Outcome {
	outcome := g.authorize(ctx, call, policy)
	g.record(call, outcome)
	return outcome
}

func (g *Gateway) authorize(ctx context.Context, call Call, policy Policy) Outcome {
	// 1. CORS probes never authenticate.
	if call.Preflight {
		return admitted(&Context{}, "")
	}

	// 2. Tokenless calls pass on best-effort and (quirk) empty-role routes.
	if call.Token == "" {
		if len(policy.RequiredRoles) == 0 {
			return admitted(&Context{}, "")
		}
		return denied(ReasonMissingToken, http.StatusUnauthorized)
	}

	// 3. Machine-to-machine bypass: the server secret passes everything.
	if g.cfg.ServerSecret != "" && call.Token == g.cfg.ServerSecret {
		return admitted(&Context{Service: true}, "")
	}

	// 4. Service-only routes accept nothing else.
	if policy.ServiceOnly {
		return denied(ReasonNotAServiceToken, http.StatusUnauthorized)
	}

	// 5. Open the session token.
	payload, err := g.codec.Open(call.Token)
	if err != nil {
		if policy.BestEffort() {
			return admitted(&Context{}, "")
		}
		return denied(ReasonInvalidToken, http.StatusUnauthorized)
	}

	// 6. Resolve live user info from the wrapped access token. The snapshot
	// inside the payload is advisory only and never consulted here.
	userInfo, err := g.provider.FetchUserInfo(ctx, payload.Tokens.AccessToken)
	if err != nil {
		if policy.BestEffort() {
			return admitted(&Context{}, "")
		}
		return denied(ReasonIdentityLookupFailed, http.StatusUnauthorized)
	}

	// 7. Expired access token upstream: transparently renew, re-fetch, and
	// issue a superseding session token for the caller to adopt.
	accessToken := payload.Tokens.AccessToken
	newToken := ""
	if userInfo == nil || userInfo.UserID == "" {
		userInfo, accessToken, newToken, err = g.renew(ctx, payload.Tokens.RefreshToken)
		if err != nil {
			if g.metrics != nil {
				g.metrics.TokenRenewalsTotal.WithLabelValues("failure").Inc()
			}
			if policy.BestEffort() {
				return admitted(&Context{}, "")
			}
			return denied(ReasonRenewalFailed, http.StatusUnauthorized)
		}
		if g.metrics != nil {
			g.metrics.TokenRenewalsTotal.WithLabelValues("success").Inc()
		}
		g.logger.WithField("user_id", userInfo.UserID).Info("session token renewed")
	}

	// 8. Role set from the ";"-joined provider role string.
	roles := userInfo.Roles()

	membership, err := g.resolver.Resolve(ctx, userInfo.UserID)
	if err != nil {
		// Membership is part of identity resolution; fold store failures
		// into the same recovery as a failed identity lookup.
		if policy.BestEffort() {
			return admitted(&Context{}, "")
		}
		return denied(ReasonIdentityLookupFailed, http.StatusUnauthorized)
	}
	allUnitIDs := units.IDs(membership.All)

	// 9. Global unit allow-list.
	if len(g.cfg.AllowedUnits) > 0 && !intersects(allUnitIDs, g.cfg.AllowedUnits) {
		return denied(ReasonUnitNotAllowed, http.StatusForbidden)
	}

	// 10. Role check, OR semantics. A non-nil empty list can never
	// intersect, so token-bearing calls on empty-role routes always fail
	// here (the preserved quirk from step 2).
	if policy.RequiredRoles != nil && !intersects(roles, policy.RequiredRoles) {
		return denied(ReasonMissingRole, http.StatusForbidden)
	}

	// 11. Route unit check.
	if len(policy.RequiredUnits) > 0 && !intersects(allUnitIDs, policy.RequiredUnits) {
		return denied(ReasonUnitAccessDenied, http.StatusForbidden)
	}

	// 12. Admit.
	return admitted(&Context{
		AccessToken: accessToken,
		UserInfo:    userInfo,
		UserID:      userInfo.UserID,
		Roles:       roles,
		Units: UnitIDs{
			Head:   units.IDs(membership.Head),
			Member: units.IDs(membership.Member),
			All:    allUnitIDs,
		},
	}, newToken)
}

// renew exchanges the refresh token, re-fetches user info with the new access
// token, and issues a superseding session token. Renewal strictly precedes
// the role and unit checks.
func (g *Gateway) renew(ctx context.Context, refreshToken string) (*identity.UserInfo, string, string, error) {
	pair, err := g.provider.RenewTokens(ctx, refreshToken)
	if err != nil {
		return nil, "", "", err
	}
	userInfo, err := g.provider.FetchUserInfo(ctx, pair.AccessToken)
	if err != nil {
		return nil, "", "", err
	}
	if userInfo == nil || userInfo.UserID == "" {
		return nil, "", "", errors.New("renewed access token yielded no user")
	}
	token, err := g.codec.Issue(session.Payload{Tokens: *pair, User: userInfo})
	if err != nil {
		return nil, "", "", err
	}
	return userInfo, pair.AccessToken, token, nil
}

func (g *Gateway) record(call Call, outcome Outcome) {
	if outcome.Admitted {
		if g.metrics != nil {
			g.metrics.AuthDecisionsTotal.WithLabelValues("admit", "").Inc()
		}
		return
	}
	if g.metrics != nil {
		g.metrics.AuthDecisionsTotal.WithLabelValues("deny", string(outcome.Reason)).Inc()
	}
	g.logger.WithFields(map[string]interface{}{
		"method": call.Method,
		"reason": string(outcome.Reason),
		"status": outcome.Status,
	}).Info("call rejected")
}

// intersects reports whether a and b share at least one element.
func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
