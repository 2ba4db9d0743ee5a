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

// Package s3 registers the "s3" storage driver for Amazon S3 and
// compatible object stores (MinIO, Cloudflare R2, Backblaze B2).
//
// Directories are the usual flat-namespace fiction: a zero-byte marker
// object with a trailing-slash key, plus whatever common prefixes the
// bucket listing reports. Multipart uploads use the backend's native
// protocol with per-part pre-signed URLs, so clients PUT parts straight
// to the bucket and the gateway only brokers URLs and the completion
// call.
//
// Example connection params:
//
//	{
//	    "bucket": "media",
//	    "region": "eu-central-1",
//	    "access_key_id": "...",
//	    "secret_access_key": "...",
//	    "endpoint": "https://minio.example.com",
//	    "path_style": true
//	}
package s3 // import "cloudpaste.org/pkg/driver/s3"

import (
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"go4.org/jsonconfig"

	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/types"
)

type s3Driver struct {
	cfg    *types.StorageConfig
	client *s3.S3
	bucket string
	// dirPrefix is the configured root inside the bucket, either empty
	// or slash-terminated with no leading slash.
	dirPrefix  string
	customHost string
	urlTTLSec  int
	maxSignReq int
}

var (
	_ driver.Driver      = (*s3Driver)(nil)
	_ driver.Presigner   = (*s3Driver)(nil)
	_ driver.Committer   = (*s3Driver)(nil)
	_ driver.URLSource   = (*s3Driver)(nil)
	_ driver.Multiparter = (*s3Driver)(nil)
	_ driver.PartSigner  = (*s3Driver)(nil)
	_ driver.PartLister  = (*s3Driver)(nil)
	_ driver.PartWriter  = (*s3Driver)(nil)
)

func init() {
	driver.Register("s3", typeCaps(), newFromConfig)
}

const (
	minPartSize = 5 << 20
	maxPartSize = 5 << 30
)

func typeCaps() driver.Capabilities {
	return driver.Capabilities{
		FS: driver.FSCaps{
			BackendStream:   true,
			BackendForm:     true,
			PresignedSingle: true,
			Multipart:       true,
			List:            true,
			Stat:            true,
			Read:            true,
			Range:           true,
			Write:           true,
			Delete:          true,
			Rename:          true,
			Copy:            true,
			Mkdir:           true,
		},
		Share: driver.ShareCaps{
			BackendStream: true,
			BackendForm:   true,
			Presigned:     true,
		},
		Multipart: &driver.MultipartCaps{
			Strategy:           driver.PerPartURL,
			PartsLedgerPolicy:  driver.LedgerServerCanList,
			SigningMode:        driver.SignBatched,
			ServerCanList:      true,
			MaxPartsPerRequest: 50,
			URLTTLSec:          3600,
			Retry:              driver.DefaultRetry(),
			MinPartSize:        minPartSize,
			MaxPartSize:        maxPartSize,
		},
	}
}

func newFromConfig(cfg *types.StorageConfig, params jsonconfig.Obj) (driver.Driver, error) {
	var (
		bucket       = params.RequiredString("bucket")
		region       = params.OptionalString("region", "us-east-1")
		endpoint     = params.OptionalString("endpoint", "")
		accessKey    = params.RequiredString("access_key_id")
		secretKey    = params.RequiredString("secret_access_key")
		sessionToken = params.OptionalString("session_token", "")
		pathStyle    = params.OptionalBool("path_style", false)
		customHost   = params.OptionalString("custom_host", "")
		urlTTL       = params.OptionalInt("url_ttl_sec", 3600)
		maxSignReq   = params.OptionalInt("max_parts_per_request", 50)
	)
	if err := params.Validate(); err != nil {
		return nil, err
	}

	awsCfg := &aws.Config{
		Region:      aws.String(region),
		Credentials: credentials.NewStaticCredentials(accessKey, secretKey, sessionToken),
	}
	if endpoint != "" {
		awsCfg.Endpoint = aws.String(endpoint)
	}
	if pathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, err
	}

	d := &s3Driver{
		cfg:        cfg,
		client:     s3.New(sess),
		bucket:     bucket,
		dirPrefix:  normPrefix(cfg.DefaultFolder),
		customHost: strings.TrimSuffix(customHost, "/"),
		urlTTLSec:  urlTTL,
		maxSignReq: maxSignReq,
	}
	return d, nil
}

// normPrefix turns a configured default folder into the internal
// prefix form: "" or "a/b/".
func normPrefix(folder string) string {
	folder = strings.Trim(folder, "/")
	if folder == "" {
		return ""
	}
	return folder + "/"
}

func (d *s3Driver) Type() string { return "s3" }

func (d *s3Driver) Capabilities() driver.Capabilities {
	c := typeCaps()
	if d.cfg.IsPublic && d.customHost != "" {
		c.Share.URL = true
	}
	if d.urlTTLSec > 0 {
		c.Multipart.URLTTLSec = d.urlTTLSec
	}
	if d.maxSignReq > 0 {
		c.Multipart.MaxPartsPerRequest = d.maxSignReq
	}
	return c
}

// fullKey maps a root-relative storage key to the bucket key.
func (d *s3Driver) fullKey(key string) string { return d.dirPrefix + key }

// relKey strips the configured prefix off a bucket key.
func (d *s3Driver) relKey(bucketKey string) string {
	return strings.TrimPrefix(bucketKey, d.dirPrefix)
}

func (d *s3Driver) uploader() *s3manager.Uploader {
	return s3manager.NewUploaderWithClient(d.client)
}

// mapErr translates AWS SDK failures into gateway error kinds. Anything
// unrecognized stays an upstream fatal so callers never retry blindly.
func mapErr(err error, key string) error {
	if err == nil {
		return nil
	}
	aerr, ok := err.(awserr.Error)
	if !ok {
		return types.NewUpstreamFatal(err, "s3: %q", key)
	}
	switch aerr.Code() {
	case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, "NotFound":
		return types.NewNotFound("%q not found", key)
	case s3.ErrCodeNoSuchUpload:
		return types.NewSessionExpired("upload for %q not found", key)
	case "InvalidPart", "InvalidPartOrder", "EntityTooSmall":
		return types.NewInvalidInput("s3 rejected parts for %q: %s", key, aerr.Message())
	case "AccessDenied":
		return types.NewPermissionDenied("access to %q denied", key)
	case "SignatureDoesNotMatch", "ExpiredToken", "TokenRefreshRequired":
		return types.NewSignatureExpired("s3 credentials rejected: %s", aerr.Code())
	case request.CanceledErrorCode:
		return types.NewCancelled("s3 operation on %q cancelled", key)
	case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable", request.ErrCodeRequestError, request.ErrCodeResponseTimeout:
		return types.NewUpstreamTransient(err, "s3: transient failure on %q", key)
	}
	if reqErr, ok := err.(awserr.RequestFailure); ok {
		switch {
		case reqErr.StatusCode() == 404:
			return types.NewNotFound("%q not found", key)
		case reqErr.StatusCode() == 403:
			return types.NewPermissionDenied("access to %q denied", key)
		case reqErr.StatusCode() >= 500:
			return types.NewUpstreamTransient(err, "s3: %d on %q", reqErr.StatusCode(), key)
		}
	}
	return types.NewUpstreamFatal(err, "s3: %s on %q", aerr.Code(), key)
}
