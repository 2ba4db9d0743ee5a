/*
Copyright 2025 The CloudPaste Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package auth implements the gateway's two identities (admin sessions
// and API keys), the permission checks layered on them, and the HMAC
// signing primitives for share links, tickets, and path tokens.
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"cloudpaste.org/pkg/httputil"
	"cloudpaste.org/pkg/types"
)

// KeySource looks up API keys. Implemented by the store; an interface
// here so auth carries no database dependency.
type KeySource interface {
	APIKeyBySecret(ctx context.Context, secret string) (*types.APIKey, error)
	TouchAPIKey(ctx context.Context, id string, when time.Time) error
}

// Identity is the resolved caller of a request: the admin, an API key,
// or nobody.
type Identity struct {
	Admin bool
	Key   *types.APIKey // nil for admin and anonymous
}

// Anonymous is the identity of unauthenticated requests. It holds no
// permissions; public surfaces (shares, signed URLs) do their own
// gating.
var Anonymous = &Identity{}

func (id *Identity) IsAnonymous() bool { return !id.Admin && id.Key == nil }

// Can reports whether the identity holds all bits of p. The admin
// holds every permission.
func (id *Identity) Can(p types.Permission) bool {
	if id.Admin {
		return true
	}
	if id.Key == nil {
		return false
	}
	return id.Key.Permissions.Has(p)
}

// BasicPath returns the path sandbox the identity is confined to,
// "/" when unconfined.
func (id *Identity) BasicPath() string {
	if id.Key == nil || id.Key.BasicPath == "" {
		return "/"
	}
	return types.NormalizePath(id.Key.BasicPath)
}

// CheckPath verifies that p lies inside the identity's basic path.
func (id *Identity) CheckPath(p string) error {
	basic := id.BasicPath()
	if basic == "/" {
		return nil
	}
	if !types.PathInBasicPath(p, basic) {
		return types.NewBasicPathDenied("path %q is outside the key's base path", p).WithField("path")
	}
	return nil
}

// Name returns a log- and audit-friendly name for the identity.
func (id *Identity) Name() string {
	switch {
	case id.Admin:
		return "admin"
	case id.Key != nil:
		return "apikey:" + id.Key.ID
	}
	return "anonymous"
}

// AllowsStorage reports whether the identity may touch the given
// storage config. Admin always may; keys consult their ACL.
func (id *Identity) AllowsStorage(configID string) bool {
	if id.Admin || id.Key == nil {
		return id.Admin
	}
	return id.Key.AllowsStorage(configID)
}

type ctxKey struct{}

// NewContext returns ctx carrying id.
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity in ctx, Anonymous if none.
func FromContext(ctx context.Context) *Identity {
	if id, ok := ctx.Value(ctxKey{}).(*Identity); ok {
		return id
	}
	return Anonymous
}

// Authenticator resolves HTTP credentials to an Identity.
// It accepts "Authorization: Bearer <token>" for admin sessions and
// "Authorization: ApiKey <secret>" for API keys.
type Authenticator struct {
	Sessions *SessionTokens
	Keys     KeySource

	// Now is the clock, replaceable in tests. Nil means time.Now.
	Now func() time.Time
}

func (a *Authenticator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Identify resolves the request's credentials. Requests without
// credentials resolve to Anonymous without error; bad credentials are
// an Unauthenticated error. An API key secret may also travel in the
// X-Custom-Auth-Key header for clients that cannot set Authorization.
func (a *Authenticator) Identify(req *http.Request) (*Identity, error) {
	h := req.Header.Get("Authorization")
	if h == "" {
		if secret := req.Header.Get("X-Custom-Auth-Key"); secret != "" {
			return a.identifyKey(req, secret)
		}
		return Anonymous, nil
	}
	scheme, rest, ok := strings.Cut(h, " ")
	if !ok {
		return nil, types.NewUnauthenticated("malformed Authorization header")
	}
	rest = strings.TrimSpace(rest)
	switch {
	case strings.EqualFold(scheme, "Bearer"):
		if err := a.Sessions.Check(rest, a.now()); err != nil {
			return nil, err
		}
		return &Identity{Admin: true}, nil
	case strings.EqualFold(scheme, "ApiKey"):
		return a.identifyKey(req, rest)
	}
	return nil, types.NewUnauthenticated("unsupported Authorization scheme %q", scheme)
}

func (a *Authenticator) identifyKey(req *http.Request, secret string) (*Identity, error) {
	key, err := a.Keys.APIKeyBySecret(req.Context(), secret)
	if err != nil {
		if types.IsKind(err, types.KindNotFound) {
			return nil, types.NewUnauthenticated("unknown API key")
		}
		return nil, err
	}
	if key.Expired(a.now()) {
		return nil, types.NewUnauthenticated("API key expired")
	}
	// Last-used bookkeeping is advisory; ignore failures.
	_ = a.Keys.TouchAPIKey(req.Context(), key.ID, a.now())
	return &Identity{Key: key}, nil
}

// Require wraps h, resolving the identity, rejecting callers that do
// not hold perm, and installing the identity in the request context.
// perm 0 only requires a valid (possibly anonymous) identity.
func (a *Authenticator) Require(perm types.Permission, h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, req *http.Request) {
		id, err := a.Identify(req)
		if err != nil {
			httputil.ServeError(rw, req, err)
			return
		}
		if perm != 0 && !id.Can(perm) {
			if id.IsAnonymous() {
				httputil.ServeError(rw, req, types.NewUnauthenticated("authentication required"))
			} else {
				httputil.ServeError(rw, req, types.NewPermissionDenied("missing permission"))
			}
			return
		}
		h(rw, req.WithContext(NewContext(req.Context(), id)))
	}
}

// RequireAdmin wraps h, admitting only admin sessions.
func (a *Authenticator) RequireAdmin(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, req *http.Request) {
		id, err := a.Identify(req)
		if err != nil {
			httputil.ServeError(rw, req, err)
			return
		}
		if !id.Admin {
			httputil.ServeError(rw, req, types.NewPermissionDenied("admin only"))
			return
		}
		h(rw, req.WithContext(NewContext(req.Context(), id)))
	}
}
