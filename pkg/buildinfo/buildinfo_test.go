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

package buildinfo

import "testing"

func TestVersion(t *testing.T) {
	defer func(old string) { GitInfo = old }(GitInfo)

	GitInfo = ""
	if got := Version(); got != "unknown" {
		t.Errorf("Version() = %q; want unknown", got)
	}
	GitInfo = "20260825-abcdef"
	if got := Version(); got != "20260825-abcdef" {
		t.Errorf("Version() = %q; want stamped revision", got)
	}
}
