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

package gcs

import (
	"context"
	"testing"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/types"
)

func TestMapErr(t *testing.T) {
	if !types.IsKind(mapErr(storage.ErrObjectNotExist, "k"), types.KindNotFound) {
		t.Error("ErrObjectNotExist should map to not found")
	}
	if !types.IsKind(mapErr(&googleapi.Error{Code: 403}, "k"), types.KindPermissionDenied) {
		t.Error("403 should map to permission denied")
	}
	if !types.IsKind(mapErr(&googleapi.Error{Code: 503}, "k"), types.KindUpstreamTransient) {
		t.Error("503 should map to transient")
	}
	if !types.IsKind(mapErr(context.Canceled, "k"), types.KindCancelled) {
		t.Error("context.Canceled should map to cancelled")
	}
	if mapErr(nil, "k") != nil {
		t.Error("nil should stay nil")
	}
}

func TestTypeRegistered(t *testing.T) {
	caps, ok := driver.TypeCapabilities("gcs")
	if !ok {
		t.Fatal("gcs driver not registered")
	}
	if !caps.FS.PresignedSingle {
		t.Error("gcs should support presigned single PUTs")
	}
	if caps.FS.Multipart {
		t.Error("gcs has no client multipart protocol")
	}
}

func TestEscapePath(t *testing.T) {
	if got := escapePath("a/b c/d"); got != "a/b%20c/d" {
		t.Errorf("escapePath = %q", got)
	}
}
