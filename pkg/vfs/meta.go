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

package vfs

import (
	"regexp"

	"github.com/russross/blackfriday"

	"cloudpaste.org/pkg/types"
)

// effectiveMeta is the directory metadata in force at one path after
// walking the inheritance chain root-down.
type effectiveMeta struct {
	HeaderMarkdown string
	FooterMarkdown string
	HidePatterns   []string
	PasswordHash   string
	// PasswordPath is the path whose meta contributed the password;
	// path tokens are bound to it so one unlock covers the subtree.
	PasswordPath string
}

// resolveMeta folds a root-to-leaf chain of directory meta into the
// effective values at the leaf. A non-inheriting field stops applying
// one level down; a deeper directory's own value always wins.
func resolveMeta(chain []*types.DirectoryMeta, path string) *effectiveMeta {
	eff := &effectiveMeta{}
	for _, m := range chain {
		atLeaf := samePath(m.Path, path)
		if m.HeaderMarkdown != "" && (atLeaf || m.HeaderInherit) {
			eff.HeaderMarkdown = m.HeaderMarkdown
		}
		if m.FooterMarkdown != "" && (atLeaf || m.FooterInherit) {
			eff.FooterMarkdown = m.FooterMarkdown
		}
		if len(m.HidePatterns) > 0 && (atLeaf || m.HideInherit) {
			eff.HidePatterns = m.HidePatterns
		}
		if m.PasswordHash != "" && (atLeaf || m.PasswordInherit) {
			eff.PasswordHash = m.PasswordHash
			eff.PasswordPath = m.Path
		}
	}
	return eff
}

func samePath(a, b string) bool {
	return types.NormalizePath(a) == types.NormalizePath(b)
}

// renderMarkdown turns directory header/footer markdown into HTML.
func renderMarkdown(md string) string {
	if md == "" {
		return ""
	}
	return string(blackfriday.Run([]byte(md), blackfriday.WithExtensions(blackfriday.CommonExtensions)))
}

// hideFilter compiles hide patterns into a name predicate. Patterns
// that do not compile are skipped rather than failing the listing.
func hideFilter(patterns []string) func(name string) bool {
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			res = append(res, re)
		}
	}
	if len(res) == 0 {
		return func(string) bool { return false }
	}
	return func(name string) bool {
		for _, re := range res {
			if re.MatchString(name) {
				return true
			}
		}
		return false
	}
}
