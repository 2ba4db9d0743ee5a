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

package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"cloudpaste.org/pkg/types"
)

// DefaultSessionTTL is how long an admin login stays valid without
// re-authenticating.
const DefaultSessionTTL = 24 * time.Hour

// SessionTokens mints and verifies admin session tokens. Tokens are
// compact HS256 JWTs so they survive restarts; revocation (logout) is
// an in-memory set, so a restart forgets revocations along with the
// sessions list, which is fine: revoked-then-restarted tokens are rare
// and still expire on their own.
type SessionTokens struct {
	secret []byte
	ttl    time.Duration

	mu      sync.Mutex
	revoked map[string]time.Time // jti -> exp, for GC
}

func NewSessionTokens(secret string, ttl time.Duration) *SessionTokens {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionTokens{
		secret:  []byte(secret),
		ttl:     ttl,
		revoked: make(map[string]time.Time),
	}
}

type sessionClaims struct {
	Sub string `json:"sub"`
	Iat int64  `json:"iat"`
	Exp int64  `json:"exp"`
	Jti string `json:"jti"`
}

var jwtHeader = base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))

// Issue mints a new admin session token valid for the configured TTL.
func (s *SessionTokens) Issue(now time.Time) (token string, exp time.Time, err error) {
	jti := make([]byte, 16)
	if _, err := rand.Read(jti); err != nil {
		return "", time.Time{}, err
	}
	exp = now.Add(s.ttl)
	claims := sessionClaims{
		Sub: "admin",
		Iat: now.Unix(),
		Exp: exp.Unix(),
		Jti: fmt.Sprintf("%x", jti),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", time.Time{}, err
	}
	signing := jwtHeader + "." + base64.RawURLEncoding.EncodeToString(payload)
	return signing + "." + s.mac(signing), exp, nil
}

func (s *SessionTokens) mac(signing string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(signing))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// Check verifies token. It returns an Unauthenticated error for
// anything malformed, forged, revoked, or expired.
func (s *SessionTokens) Check(token string, now time.Time) error {
	claims, err := s.parse(token)
	if err != nil {
		return err
	}
	if now.Unix() >= claims.Exp {
		return types.NewUnauthenticated("session expired")
	}
	s.mu.Lock()
	_, revoked := s.revoked[claims.Jti]
	s.mu.Unlock()
	if revoked {
		return types.NewUnauthenticated("session revoked")
	}
	return nil
}

// Revoke invalidates token (logout). Unknown or malformed tokens are
// a no-op.
func (s *SessionTokens) Revoke(token string) {
	claims, err := s.parse(token)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[claims.Jti] = time.Unix(claims.Exp, 0)
	// Drop revocations for tokens that have expired anyway.
	if len(s.revoked) > 128 {
		now := time.Now()
		for jti, exp := range s.revoked {
			if now.After(exp) {
				delete(s.revoked, jti)
			}
		}
	}
}

func (s *SessionTokens) parse(token string) (*sessionClaims, error) {
	header, rest, ok := strings.Cut(token, ".")
	if !ok || header != jwtHeader {
		return nil, types.NewUnauthenticated("malformed session token")
	}
	payload, sig, ok := strings.Cut(rest, ".")
	if !ok {
		return nil, types.NewUnauthenticated("malformed session token")
	}
	if !hmac.Equal([]byte(sig), []byte(s.mac(header+"."+payload))) {
		return nil, types.NewUnauthenticated("bad session signature")
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, types.NewUnauthenticated("malformed session token")
	}
	var claims sessionClaims
	if err := json.Unmarshal(raw, &claims); err != nil || claims.Sub != "admin" {
		return nil, types.NewUnauthenticated("malformed session token")
	}
	return &claims, nil
}

// HashPassword returns the bcrypt hash of password for storage.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckPassword compares a stored bcrypt hash with a candidate
// password, returning an Unauthenticated error on mismatch.
func CheckPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return types.NewUnauthenticated("wrong password")
	}
	return nil
}
