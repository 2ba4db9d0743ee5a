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

// Package share is the slug-addressed sharing layer: file shares
// backed by a storage config and text pastes stored inline. Both live
// behind optional passwords, expiry, and atomically-enforced view
// limits. Content always streams same-origin through /api/s/:slug;
// the record's linkType is informational only.
package share

import (
	"context"
	"crypto/rand"
	"io"
	"net/url"
	"regexp"
	"strings"
	"time"

	"cloudpaste.org/pkg/auth"
	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/store"
	"cloudpaste.org/pkg/types"
)

const (
	// GeneratedSlugLength is the length of auto-assigned slugs.
	GeneratedSlugLength = 6

	// slugRetries bounds collision retries for generated slugs.
	slugRetries = 5

	// verifyTokenTTL is how long a password verification stays good.
	verifyTokenTTL = 24 * time.Hour
)

var slugPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Service is the share and paste service.
type Service struct {
	db     *store.Store
	reg    *driver.Registry
	signer *auth.Signer
}

func New(db *store.Store, reg *driver.Registry, signer *auth.Signer) *Service {
	return &Service{db: db, reg: reg, signer: signer}
}

const slugAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomSlug() string {
	b := make([]byte, GeneratedSlugLength)
	rand.Read(b)
	for i := range b {
		b[i] = slugAlphabet[int(b[i])%len(slugAlphabet)]
	}
	return string(b)
}

// CreateReq describes a new share record.
type CreateReq struct {
	Slug            string     `json:"slug,omitempty"` // empty generates one
	Kind            types.ShareKind
	FileName        string     `json:"name,omitempty"`
	Target          string     `json:"-"` // storage key (file) or content (text)
	Size            int64      `json:"size,omitempty"`
	ContentType     string     `json:"contentType,omitempty"`
	StorageConfigID string     `json:"storage_config_id,omitempty"`
	Password        string     `json:"password,omitempty"`
	MaxViews        int        `json:"max_views,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	CreatedBy       string     `json:"-"`
}

// Create persists a new share. A custom slug collision is a Conflict;
// generated slugs retry internally.
func (s *Service) Create(ctx context.Context, req CreateReq) (*types.ShareRecord, error) {
	switch req.Kind {
	case types.ShareFile:
		if req.Target == "" || req.StorageConfigID == "" {
			return nil, types.NewInvalidInput("file share needs a storage key and config")
		}
	case types.ShareText:
		if req.Target == "" {
			return nil, types.NewInvalidInput("text share needs content")
		}
	default:
		return nil, types.NewInvalidInput("unknown share type %q", req.Kind).WithField("type")
	}
	if req.Slug != "" && !slugPattern.MatchString(req.Slug) {
		return nil, types.NewInvalidInput("slug must match %s", slugPattern).WithField("slug")
	}
	hash := ""
	if req.Password != "" {
		var err error
		hash, err = auth.HashPassword(req.Password)
		if err != nil {
			return nil, err
		}
	}

	r := &types.ShareRecord{
		Slug:            req.Slug,
		Kind:            req.Kind,
		Target:          req.Target,
		FileName:        req.FileName,
		Size:            req.Size,
		ContentType:     req.ContentType,
		StorageConfigID: req.StorageConfigID,
		PasswordHash:    hash,
		MaxViews:        req.MaxViews,
		ExpiresAt:       req.ExpiresAt,
		CreatedBy:       req.CreatedBy,
	}
	if r.Slug != "" {
		return r, s.db.CreateShare(ctx, r)
	}
	for i := 0; i < slugRetries; i++ {
		r.Slug = randomSlug()
		err := s.db.CreateShare(ctx, r)
		if err == nil {
			return r, nil
		}
		if !types.IsKind(err, types.KindConflict) {
			return nil, err
		}
	}
	return nil, types.NewInternal(nil, "could not find a free slug after %d tries", slugRetries)
}

// View is the public JSON of a share. PreviewURL and DownloadURL stay
// null until a protected share is verified.
type View struct {
	Slug             string     `json:"slug"`
	Kind             types.ShareKind `json:"type"`
	Name             string     `json:"name,omitempty"`
	Size             int64      `json:"size,omitempty"`
	ContentType      string     `json:"contentType,omitempty"`
	Views            int        `json:"views"`
	MaxViews         int        `json:"max_views,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	RequiresPassword bool       `json:"requiresPassword"`
	Verified         bool       `json:"verified"`
	LinkType         types.LinkType `json:"linkType,omitempty"`
	PreviewURL       *string    `json:"previewUrl"`
	DownloadURL      *string    `json:"downloadUrl"`
	// Content carries text-share bodies, only once verified.
	Content string `json:"content,omitempty"`
	// Token proves verification on later content requests.
	Token string `json:"token,omitempty"`
}

func (s *Service) view(ctx context.Context, r *types.ShareRecord, verified bool) *View {
	v := &View{
		Slug:             r.Slug,
		Kind:             r.Kind,
		Name:             r.FileName,
		Size:             r.Size,
		ContentType:      r.ContentType,
		Views:            r.Views,
		MaxViews:         r.MaxViews,
		ExpiresAt:        r.ExpiresAt,
		RequiresPassword: r.Protected(),
		Verified:         verified,
	}
	if r.Protected() && !verified {
		return v
	}
	v.Verified = true
	if r.Kind == types.ShareText {
		v.Content = r.Target
	}
	v.LinkType = types.LinkProxy
	if r.Kind == types.ShareFile {
		if _, caps, ok := s.capsOf(ctx, r.StorageConfigID); ok && caps.Share.URL {
			v.LinkType = types.LinkDirect
		}
	}
	base := "/api/s/" + url.PathEscape(r.Slug)
	preview, download := base, base+"?download=true"
	if r.Protected() {
		v.Token = s.signer.MintPathToken("/s/"+r.Slug, verifyTokenTTL, time.Now())
		preview += "?token=" + url.QueryEscape(v.Token)
		download += "&token=" + url.QueryEscape(v.Token)
	}
	v.PreviewURL, v.DownloadURL = &preview, &download
	return v
}

func (s *Service) capsOf(ctx context.Context, cfgID string) (driver.Driver, driver.Capabilities, bool) {
	drv, _, err := s.reg.Driver(ctx, cfgID)
	if err != nil {
		return nil, driver.Capabilities{}, false
	}
	return drv, drv.Capabilities(), true
}

// Get returns the public view. Expiry is checked but no view is
// consumed; only content access counts.
func (s *Service) Get(ctx context.Context, slug string) (*View, error) {
	r, err := s.db.Share(ctx, slug)
	if err != nil {
		return nil, err
	}
	if r.Expired(time.Now()) {
		return nil, types.NewGone("share %q has expired", slug)
	}
	return s.view(ctx, r, false), nil
}

// Verify checks the password and answers with the unlocked view.
func (s *Service) Verify(ctx context.Context, slug, password string) (*View, error) {
	r, err := s.db.Share(ctx, slug)
	if err != nil {
		return nil, err
	}
	if r.Expired(time.Now()) {
		return nil, types.NewGone("share %q has expired", slug)
	}
	if r.Protected() {
		if err := auth.CheckPassword(r.PasswordHash, password); err != nil {
			return nil, types.NewPermissionDenied("wrong password")
		}
	}
	return s.view(ctx, r, true), nil
}

// checkAccess admits a content request by verification token or
// plaintext password.
func (s *Service) checkAccess(r *types.ShareRecord, token, password string) error {
	if !r.Protected() {
		return nil
	}
	if token != "" {
		if _, err := s.signer.CheckPathToken(token, "/s/"+r.Slug, time.Now()); err == nil {
			return nil
		}
	}
	if password != "" {
		if err := auth.CheckPassword(r.PasswordHash, password); err == nil {
			return nil
		}
	}
	return types.NewPermissionDenied("share %q requires a password", r.Slug)
}

// Content is an opened share body for same-origin streaming.
type Content struct {
	Reader      io.ReadCloser
	Name        string
	ContentType string
	// Size is the full body size even when a range was applied.
	Size         int64
	ContentRange string
	ETag         string
}

// Open consumes one view and opens the share's content, honoring a
// byte range for file shares. offset/length follow driver.Open
// semantics: length < 0 reads to the end.
func (s *Service) Open(ctx context.Context, slug, token, password string, offset, length int64) (*Content, error) {
	r, err := s.db.Share(ctx, slug)
	if err != nil {
		return nil, err
	}
	if err := s.checkAccess(r, token, password); err != nil {
		return nil, err
	}
	// The atomic increment is the expiry check: a spent or expired
	// share fails here with Gone.
	r, err = s.db.ConsumeShareView(ctx, slug, time.Now())
	if err != nil {
		return nil, err
	}

	if r.Kind == types.ShareText {
		body := r.Target
		if offset > 0 || length >= 0 {
			body = sliceRange(body, offset, length)
		}
		return &Content{
			Reader:      io.NopCloser(strings.NewReader(body)),
			Name:        r.FileName,
			ContentType: "text/plain; charset=utf-8",
			Size:        int64(len(r.Target)),
		}, nil
	}

	drv, _, err := s.reg.Driver(ctx, r.StorageConfigID)
	if err != nil {
		return nil, err
	}
	obj, err := drv.Open(ctx, r.Target, offset, length)
	if err != nil {
		return nil, err
	}
	ct := obj.ContentType
	if ct == "" {
		ct = r.ContentType
	}
	return &Content{
		Reader:       obj.Reader,
		Name:         r.FileName,
		ContentType:  ct,
		Size:         obj.Size,
		ContentRange: obj.ContentRange,
		ETag:         obj.ETag,
	}, nil
}

func sliceRange(s string, offset, length int64) string {
	if offset >= int64(len(s)) {
		return ""
	}
	s = s[offset:]
	if length >= 0 && length < int64(len(s)) {
		s = s[:length]
	}
	return s
}

// Delete removes a share record. The stored object stays; shares only
// reference content owned elsewhere.
func (s *Service) Delete(ctx context.Context, slug string) error {
	return s.db.DeleteShare(ctx, slug)
}

// List returns shares newest first, optionally scoped to a creator.
func (s *Service) List(ctx context.Context, createdBy string, limit, offset int) ([]*types.ShareRecord, error) {
	return s.db.ListShares(ctx, createdBy, limit, offset)
}
