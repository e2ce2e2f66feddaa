package gateway

import (
	"net/http"

	"github.com/opsdeck/opsdeck/pkg/contextkeys"
	"github.com/opsdeck/opsdeck/pkg/httputil"
)

// Wire headers shared with sibling services and clients.
const (
	// HeaderToken is the inbound call header carrying either the server
	// secret or an opaque session token.
	HeaderToken = "token"
	// HeaderNewToken carries a superseding session token after transparent
	// renewal; clients must adopt it for subsequent calls.
	HeaderNewToken = "new_token"
	// HeaderUserID / HeaderUserName are response metadata for downstream
	// audit logging.
	HeaderUserID   = "X-User-ID"
	HeaderUserName = "X-User-Name"
)

// Middleware adapts Authorize to HTTP. Rejections are written as JSON with
// the rejection's status code and reason; admissions populate the request
// context and audit headers.
func (g *Gateway) Middleware(policy Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			call := Call{
				Method:    r.Method,
				Token:     r.Header.Get(HeaderToken),
				Preflight: r.Method == http.MethodOptions,
			}

			outcome := g.Authorize(r.Context(), call, policy)
			if !outcome.Admitted {
				httputil.WriteErrorMessage(w, outcome.Status, string(outcome.Reason))
				return
			}

			if outcome.NewToken != "" {
				w.Header().Set(HeaderNewToken, outcome.NewToken)
			}

			ctx := contextkeys.WithAuth(r.Context(), outcome.Context)
			if authCtx := outcome.Context; authCtx != nil && authCtx.UserID != "" {
				w.Header().Set(HeaderUserID, authCtx.UserID)
				w.Header().Set(HeaderUserName, authCtx.UserName())
				ctx = contextkeys.WithUserID(ctx, authCtx.UserID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// FromRequest extracts the authorization context populated by Middleware.
// Returns nil when the request was not admitted through the gateway.
func FromRequest(r *http.Request) *Context {
	v := r.Context().Value(contextkeys.AuthKey)
	if v == nil {
		return nil
	}
	authCtx, ok := v.(*Context)
	if !ok {
		return nil
	}
	return authCtx
}
