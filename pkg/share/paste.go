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

package share

import (
	"context"
	"time"

	"cloudpaste.org/pkg/auth"
	"cloudpaste.org/pkg/types"
)

// PasteReq describes a new or updated text paste.
type PasteReq struct {
	Slug      string     `json:"slug,omitempty"`
	Content   string     `json:"content"`
	Remark    string     `json:"remark,omitempty"`
	Password  string     `json:"password,omitempty"`
	MaxViews  int        `json:"max_views,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedBy string     `json:"-"`
}

// CreatePaste persists a paste, generating a slug when none is given.
func (s *Service) CreatePaste(ctx context.Context, req PasteReq) (*types.Paste, error) {
	if req.Content == "" {
		return nil, types.NewInvalidInput("paste content is required").WithField("content")
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
	p := &types.Paste{
		Slug:         req.Slug,
		Content:      req.Content,
		Remark:       req.Remark,
		PasswordHash: hash,
		MaxViews:     req.MaxViews,
		ExpiresAt:    req.ExpiresAt,
		CreatedBy:    req.CreatedBy,
	}
	if p.Slug != "" {
		return p, s.db.CreatePaste(ctx, p)
	}
	for i := 0; i < slugRetries; i++ {
		p.Slug = randomSlug()
		err := s.db.CreatePaste(ctx, p)
		if err == nil {
			return p, nil
		}
		if !types.IsKind(err, types.KindConflict) {
			return nil, err
		}
	}
	return nil, types.NewInternal(nil, "could not find a free slug after %d tries", slugRetries)
}

// PasteView is the public JSON of a paste. Content is withheld until a
// protected paste is verified.
type PasteView struct {
	Slug             string     `json:"slug"`
	Content          string     `json:"content,omitempty"`
	Remark           string     `json:"remark,omitempty"`
	Views            int        `json:"views"`
	MaxViews         int        `json:"max_views,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	RequiresPassword bool       `json:"requiresPassword"`
	Verified         bool       `json:"verified"`
	Token            string     `json:"token,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

func (s *Service) pasteView(p *types.Paste, verified bool) *PasteView {
	v := &PasteView{
		Slug:             p.Slug,
		Remark:           p.Remark,
		Views:            p.Views,
		MaxViews:         p.MaxViews,
		ExpiresAt:        p.ExpiresAt,
		RequiresPassword: p.Protected(),
		CreatedAt:        p.CreatedAt,
	}
	if p.Protected() && !verified {
		return v
	}
	v.Verified = true
	v.Content = p.Content
	if p.Protected() {
		v.Token = s.signer.MintPathToken("/paste/"+p.Slug, verifyTokenTTL, time.Now())
	}
	return v
}

// GetPaste returns the paste's public view without consuming a view.
func (s *Service) GetPaste(ctx context.Context, slug string) (*PasteView, error) {
	p, err := s.db.Paste(ctx, slug)
	if err != nil {
		return nil, err
	}
	if p.Expired(time.Now()) {
		return nil, types.NewGone("paste %q has expired", slug)
	}
	return s.pasteView(p, false), nil
}

// VerifyPaste checks the password and unlocks the content.
func (s *Service) VerifyPaste(ctx context.Context, slug, password string) (*PasteView, error) {
	p, err := s.db.Paste(ctx, slug)
	if err != nil {
		return nil, err
	}
	if p.Expired(time.Now()) {
		return nil, types.NewGone("paste %q has expired", slug)
	}
	if p.Protected() {
		if err := auth.CheckPassword(p.PasswordHash, password); err != nil {
			return nil, types.NewPermissionDenied("wrong password")
		}
	}
	return s.pasteView(p, true), nil
}

// RawPaste consumes one view and returns the raw content, for the
// /api/raw/:slug endpoint.
func (s *Service) RawPaste(ctx context.Context, slug, token, password string) (string, error) {
	p, err := s.db.Paste(ctx, slug)
	if err != nil {
		return "", err
	}
	if p.Protected() {
		ok := false
		if token != "" {
			if _, err := s.signer.CheckPathToken(token, "/paste/"+slug, time.Now()); err == nil {
				ok = true
			}
		}
		if !ok && password != "" && auth.CheckPassword(p.PasswordHash, password) == nil {
			ok = true
		}
		if !ok {
			return "", types.NewPermissionDenied("paste %q requires a password", slug)
		}
	}
	p, err = s.db.ConsumePasteView(ctx, slug, time.Now())
	if err != nil {
		return "", err
	}
	return p.Content, nil
}

// UpdatePaste rewrites a paste's content and settings. An empty
// password keeps the old one; "-" clears it.
func (s *Service) UpdatePaste(ctx context.Context, req PasteReq) (*types.Paste, error) {
	p, err := s.db.Paste(ctx, req.Slug)
	if err != nil {
		return nil, err
	}
	if req.Content != "" {
		p.Content = req.Content
	}
	p.Remark = req.Remark
	p.MaxViews = req.MaxViews
	p.ExpiresAt = req.ExpiresAt
	switch req.Password {
	case "":
	case "-":
		p.PasswordHash = ""
	default:
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			return nil, err
		}
		p.PasswordHash = hash
	}
	return p, s.db.UpdatePaste(ctx, p)
}

// DeletePaste removes one paste.
func (s *Service) DeletePaste(ctx context.Context, slug string) error {
	return s.db.DeletePaste(ctx, slug)
}

// ListPastes pages through pastes newest first.
func (s *Service) ListPastes(ctx context.Context, limit, offset int) ([]*types.Paste, error) {
	return s.db.ListPastes(ctx, limit, offset)
}

// ClearExpired deletes expired pastes and shares, returning how many
// of each went.
func (s *Service) ClearExpired(ctx context.Context) (pastes, shares int, err error) {
	ps, ss, err := s.db.PurgeExpired(ctx, time.Now())
	if err != nil {
		return 0, 0, err
	}
	return len(ps), len(ss), nil
}
