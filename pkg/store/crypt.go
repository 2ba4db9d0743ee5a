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

package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
)

// Storage configs carry backend credentials (S3 secret keys, OAuth
// refresh tokens, SFTP passwords). They are sealed with age using a
// scrypt recipient derived from the install secret, armored so the
// column stays text. Plain JSON is still accepted on read: rows
// written before a secret was configured, and test stores without one.

func (s *Store) encryptParams(params map[string]any) (string, error) {
	js, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	if s.CredSecret == "" {
		return string(js), nil
	}
	recipient, err := age.NewScryptRecipient(s.CredSecret)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	aw := armor.NewWriter(&buf)
	w, err := age.Encrypt(aw, recipient)
	if err != nil {
		return "", err
	}
	if _, err := w.Write(js); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	if err := aw.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (s *Store) decryptParams(stored string) (map[string]any, error) {
	var raw []byte
	if strings.HasPrefix(stored, armor.Header) {
		if s.CredSecret == "" {
			return nil, fmt.Errorf("store: storage config is encrypted but no credential secret is configured")
		}
		identity, err := age.NewScryptIdentity(s.CredSecret)
		if err != nil {
			return nil, err
		}
		r, err := age.Decrypt(armor.NewReader(strings.NewReader(stored)), identity)
		if err != nil {
			return nil, fmt.Errorf("store: decrypting storage config: %w", err)
		}
		raw, err = io.ReadAll(r)
		if err != nil {
			return nil, err
		}
	} else {
		raw = []byte(stored)
	}
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("store: parsing storage config params: %w", err)
	}
	return params, nil
}
