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

/*
Package googledrive registers the "googledrive" storage driver, serving
a folder of a Google Drive. Drive addresses files by ID, not path, so
the driver resolves each key segment by segment and caches the IDs.

Large uploads use Drive's resumable upload sessions: one session URL
per file, ranges uploaded in order, progress journaled by the gateway
(Drive cannot enumerate a session's received parts).

Example params:

	{
	    "client_id": "xxx.apps.googleusercontent.com",
	    "client_secret": "yyy",
	    "refresh_token": "zzz",
	    "root_folder_id": "0B98..."
	}
*/
package googledrive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go4.org/jsonconfig"
	"go4.org/oauthutil"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/types"
)

const folderMime = "application/vnd.google-apps.folder"

// fileFields is what every metadata call asks for.
const fileFields = "id,name,mimeType,size,md5Checksum,modifiedTime"

type driveDriver struct {
	cfg    *types.StorageConfig
	client *http.Client // OAuth2-authorized; used for the raw resumable session protocol
	srv    *drive.Service
	rootID string

	mu  sync.Mutex
	ids map[string]string // resolved key path -> Drive file ID
}

var (
	_ driver.Driver        = (*driveDriver)(nil)
	_ driver.Multiparter   = (*driveDriver)(nil)
	_ driver.SessionWriter = (*driveDriver)(nil)
	_ driver.Quotaer       = (*driveDriver)(nil)
)

func init() {
	driver.Register("googledrive", typeCaps(), newFromConfig)
}

func typeCaps() driver.Capabilities {
	return driver.Capabilities{
		FS: driver.FSCaps{
			BackendStream: true,
			BackendForm:   true,
			Multipart:     true,
			List:          true,
			Stat:          true,
			Read:          true,
			Range:         true,
			Write:         true,
			Delete:        true,
			Rename:        true,
			Copy:          true,
			Mkdir:         true,
			Quota:         true,
		},
		Share: driver.ShareCaps{
			BackendStream: true,
			BackendForm:   true,
		},
		Multipart: &driver.MultipartCaps{
			Strategy:          driver.SingleSession,
			PartsLedgerPolicy: driver.LedgerServerRecords,
			MinPartSize:       sessionChunkQuantum,
			MaxPartSize:       1 << 30,
			Retry:             driver.DefaultRetry(),
		},
	}
}

func newFromConfig(cfg *types.StorageConfig, params jsonconfig.Obj) (driver.Driver, error) {
	var (
		clientID     = params.RequiredString("client_id")
		clientSecret = params.RequiredString("client_secret")
		refreshToken = params.RequiredString("refresh_token")
		rootID       = params.OptionalString("root_folder_id", "root")
	)
	if err := params.Validate(); err != nil {
		return nil, err
	}
	oAuthClient := oauth2.NewClient(context.Background(), oauthutil.NewRefreshTokenSource(&oauth2.Config{
		Scopes:       []string{drive.DriveScope},
		Endpoint:     google.Endpoint,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  oauthutil.TitleBarRedirectURL,
	}, refreshToken))
	srv, err := drive.NewService(context.Background(), option.WithHTTPClient(oAuthClient))
	if err != nil {
		return nil, fmt.Errorf("creating drive service: %v", err)
	}
	return &driveDriver{
		cfg:    cfg,
		client: oAuthClient,
		srv:    srv,
		rootID: rootID,
		ids:    make(map[string]string),
	}, nil
}

func (d *driveDriver) Type() string { return "googledrive" }

func (d *driveDriver) Capabilities() driver.Capabilities { return typeCaps() }

// segments yields the Drive path for key, default folder included.
func (d *driveDriver) segments(key string) ([]string, error) {
	var segs []string
	if f := strings.Trim(d.cfg.DefaultFolder, "/"); f != "" {
		segs = strings.Split(f, "/")
	}
	if key == "" {
		return segs, nil
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return nil, types.NewInvalidInput("invalid storage key %q", key)
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

// escapeQ escapes a file name for use inside a Drive query literal.
func escapeQ(name string) string {
	name = strings.ReplaceAll(name, `\`, `\\`)
	return strings.ReplaceAll(name, `'`, `\'`)
}

func (d *driveDriver) cachedID(path string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.ids[path]
	return id, ok
}

func (d *driveDriver) cacheID(path, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids[path] = id
}

// dropCached forgets the ID of path and everything below it.
func (d *driveDriver) dropCached(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for p := range d.ids {
		if p == path || strings.HasPrefix(p, path+"/") {
			delete(d.ids, p)
		}
	}
}

// findChild looks name up under parentID. A missing child reports
// NotFound.
func (d *driveDriver) findChild(ctx context.Context, parentID, name string) (*drive.File, error) {
	q := fmt.Sprintf("name = '%s' and '%s' in parents and trashed = false", escapeQ(name), parentID)
	lst, err := d.srv.Files.List().Q(q).PageSize(1).
		Fields(googleapi.Field("files(" + fileFields + ")")).Context(ctx).Do()
	if err != nil {
		return nil, mapErr(err, name)
	}
	if len(lst.Files) == 0 {
		return nil, types.NewNotFound("%q not found", name)
	}
	return lst.Files[0], nil
}

// resolve walks key down from the root folder, returning the Drive ID
// of the final segment. With create set, missing segments are created
// as folders.
func (d *driveDriver) resolve(ctx context.Context, key string, create bool) (string, error) {
	segs, err := d.segments(key)
	if err != nil {
		return "", err
	}
	id := d.rootID
	walked := ""
	for _, seg := range segs {
		if walked == "" {
			walked = seg
		} else {
			walked = walked + "/" + seg
		}
		if cached, ok := d.cachedID(walked); ok {
			id = cached
			continue
		}
		f, err := d.findChild(ctx, id, seg)
		if types.IsKind(err, types.KindNotFound) && create {
			f, err = d.mkFolder(ctx, id, seg)
		}
		if err != nil {
			return "", err
		}
		id = f.Id
		d.cacheID(walked, id)
	}
	return id, nil
}

// resolveParent splits key into its parent's Drive ID and the leaf
// name.
func (d *driveDriver) resolveParent(ctx context.Context, key string, create bool) (parentID, name string, err error) {
	segs, err := d.segments(key)
	if err != nil {
		return "", "", err
	}
	if len(segs) == 0 {
		return "", "", types.NewInvalidInput("key %q has no parent", key)
	}
	name = segs[len(segs)-1]
	parentKey := ""
	if i := strings.LastIndexByte(key, '/'); i >= 0 {
		parentKey = key[:i]
	}
	parentID, err = d.resolve(ctx, parentKey, create)
	return parentID, name, err
}

func (d *driveDriver) mkFolder(ctx context.Context, parentID, name string) (*drive.File, error) {
	f, err := d.srv.Files.Create(&drive.File{
		Name:     name,
		MimeType: folderMime,
		Parents:  []string{parentID},
	}).Fields(fileFields).Context(ctx).Do()
	if err != nil {
		return nil, mapErr(err, name)
	}
	return f, nil
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func (d *driveDriver) entry(key string, f *drive.File) types.Entry {
	e := types.Entry{
		Name:     f.Name,
		Key:      key,
		Modified: parseTime(f.ModifiedTime),
	}
	if f.MimeType == folderMime {
		e.IsDirectory = true
		e.Type = types.TypeFolder
		return e
	}
	e.Size = f.Size
	e.ContentType = f.MimeType
	e.ETag = f.Md5Checksum
	return e
}

func mapErr(err error, key string) error {
	if err == nil {
		return nil
	}
	if types.IsKind(err, types.KindNotFound) || types.IsKind(err, types.KindInvalidInput) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return types.NewCancelled("drive operation on %q cancelled", key)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == 404:
			return types.NewNotFound("%q not found", key)
		case gerr.Code == 401 || gerr.Code == 403:
			return types.NewPermissionDenied("access to %q denied", key)
		case gerr.Code == 429 || gerr.Code >= 500:
			return types.NewUpstreamTransient(err, "drive: %d on %q", gerr.Code, key)
		}
	}
	return types.NewUpstreamFatal(err, "drive: %q", key)
}
