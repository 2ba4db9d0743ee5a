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
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"cloudpaste.org/pkg/types"
)

// Signer produces and verifies the HMAC signatures used for signed
// content URLs, short-lived tickets, and directory path tokens. All
// three ride on the same keyed MAC; the purpose string keeps them from
// being exchangeable.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// TicketTTL is the lifetime of a mint-and-redeem ticket. Tickets exist
// so a URL can be handed to a third party (an office preview service,
// a media player) without leaking a long-lived credential.
const TicketTTL = 60 * time.Second

func (s *Signer) mac(parts ...string) string {
	h := hmac.New(sha256.New, s.secret)
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{'\n'})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Sign returns the hex MAC over (method, path, exp). exp is unix
// seconds; 0 means no expiry. On the wire the MAC travels in a "sign"
// query parameter alongside "exp".
func (s *Signer) Sign(method, path string, exp int64) string {
	return s.mac("url", method, path, strconv.FormatInt(exp, 10))
}

// SignedQuery signs path for GET access expiring after ttl (0 =
// never) and returns the query fragment "sign=...&exp=...".
func (s *Signer) SignedQuery(path string, ttl time.Duration, now time.Time) string {
	var exp int64
	if ttl > 0 {
		exp = now.Add(ttl).Unix()
	}
	return "sign=" + s.Sign("GET", path, exp) + "&exp=" + strconv.FormatInt(exp, 10)
}

// Verify checks mac against (method, path, exp). Expired signatures
// return SignatureExpired; forged ones PermissionDenied.
func (s *Signer) Verify(method, path string, exp int64, mac string, now time.Time) error {
	want := s.mac("url", method, path, strconv.FormatInt(exp, 10))
	if !hmac.Equal([]byte(mac), []byte(want)) {
		return types.NewPermissionDenied("bad signature")
	}
	if exp != 0 && now.Unix() >= exp {
		return types.NewSignatureExpired("signature expired")
	}
	return nil
}

// MintTicket returns a ticket granting purpose-scoped access to path
// for TicketTTL.
func (s *Signer) MintTicket(purpose, path string, now time.Time) string {
	exp := now.Add(TicketTTL).Unix()
	expStr := strconv.FormatInt(exp, 10)
	return s.mac("ticket", purpose, path, expStr) + ":" + expStr
}

// CheckTicket verifies a ticket minted by MintTicket for the same
// purpose and path.
func (s *Signer) CheckTicket(ticket, purpose, path string, now time.Time) error {
	macHex, expStr, ok := strings.Cut(ticket, ":")
	if !ok {
		return types.NewPermissionDenied("malformed ticket")
	}
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return types.NewPermissionDenied("malformed ticket")
	}
	if !hmac.Equal([]byte(macHex), []byte(s.mac("ticket", purpose, path, expStr))) {
		return types.NewPermissionDenied("bad ticket")
	}
	if now.Unix() >= exp {
		return types.NewSignatureExpired("ticket expired")
	}
	return nil
}

// MintPathToken returns a token proving the caller has passed the
// password gate for the directory prefix. The prefix rides inside the
// token so verification needs no storage.
func (s *Signer) MintPathToken(prefix string, ttl time.Duration, now time.Time) string {
	prefix = types.NormalizePath(prefix)
	exp := now.Add(ttl).Unix()
	expStr := strconv.FormatInt(exp, 10)
	enc := base64.RawURLEncoding.EncodeToString([]byte(prefix))
	return enc + ":" + expStr + ":" + s.mac("pathpw", prefix, expStr)
}

// CheckPathToken verifies token and reports whether it covers path
// (path inside the token's prefix). It returns the proven prefix.
func (s *Signer) CheckPathToken(token, path string, now time.Time) (prefix string, err error) {
	enc, rest, ok := strings.Cut(token, ":")
	if !ok {
		return "", types.NewPermissionDenied("malformed path token")
	}
	expStr, macHex, ok := strings.Cut(rest, ":")
	if !ok {
		return "", types.NewPermissionDenied("malformed path token")
	}
	raw, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return "", types.NewPermissionDenied("malformed path token")
	}
	prefix = string(raw)
	if !hmac.Equal([]byte(macHex), []byte(s.mac("pathpw", prefix, expStr))) {
		return "", types.NewPermissionDenied("bad path token")
	}
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return "", types.NewPermissionDenied("malformed path token")
	}
	if now.Unix() >= exp {
		return "", types.NewSignatureExpired("path token expired")
	}
	if !types.PathInBasicPath(path, prefix) {
		return "", types.NewPermissionDenied("path token does not cover %q", path)
	}
	return prefix, nil
}
