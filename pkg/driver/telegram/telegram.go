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
Package telegram registers the "telegram" storage driver, storing
objects as document messages sent by a bot into a chat. The Bot API
caps a document at 50 MB, so objects are split into chunks, one message
per chunk; a manifest document pinned in the chat maps keys to their
chunk file_ids.

Telegram cannot be reached by browsers directly, so everything relays
through the gateway: uploads use the single_session strategy with the
gateway journaling received ranges, and reads stream chunk by chunk.
The Bot API throttles aggressively; all message sends go through a rate
limiter and uploads are capped at two in flight.

Example params:

	{
	    "bot_token": "123456:ABC...",
	    "chat_id": "-1001234567890",
	    "chunk_size_mb": 48
	}
*/
package telegram // import "cloudpaste.org/pkg/driver/telegram"

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go4.org/jsonconfig"
	"go4.org/syncutil"
	"golang.org/x/time/rate"

	"cloudpaste.org/pkg/driver"
	"cloudpaste.org/pkg/types"
)

// maxChunk is the Bot API document ceiling, less a safety margin for
// the multipart envelope.
const maxChunk = 48 << 20

type tgDriver struct {
	cfg      *types.StorageConfig
	token    string
	chatID   string
	chunkLen int64
	client   *http.Client

	// limiter paces message sends; the Bot API allows roughly one
	// message per second per chat.
	limiter *rate.Limiter
	// gate bounds concurrent chunk uploads.
	gate *syncutil.Gate

	mu       sync.Mutex
	manifest *manifest
	uploads  map[string]*pendingUpload
	nextID   int
}

type pendingUpload struct {
	key         string
	partSize    int64
	size        int64
	contentType string
	nextOffset  int64
	chunks      []chunkRef
}

var (
	_ driver.Driver        = (*tgDriver)(nil)
	_ driver.Multiparter   = (*tgDriver)(nil)
	_ driver.SessionWriter = (*tgDriver)(nil)
)

func init() {
	driver.Register("telegram", typeCaps(), newFromConfig)
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
		},
		Share: driver.ShareCaps{
			BackendStream: true,
			BackendForm:   true,
		},
		Multipart: &driver.MultipartCaps{
			Strategy:          driver.SingleSession,
			PartsLedgerPolicy: driver.LedgerServerRecords,
			MinPartSize:       1 << 20,
			MaxPartSize:       maxChunk,
			Retry:             driver.DefaultRetry(),
		},
	}
}

func newFromConfig(cfg *types.StorageConfig, params jsonconfig.Obj) (driver.Driver, error) {
	var (
		token   = params.RequiredString("bot_token")
		chatID  = params.RequiredString("chat_id")
		chunkMB = params.OptionalInt("chunk_size_mb", 48)
	)
	if err := params.Validate(); err != nil {
		return nil, err
	}
	chunkLen := int64(chunkMB) << 20
	if chunkLen <= 0 || chunkLen > maxChunk {
		chunkLen = maxChunk
	}
	return &tgDriver{
		cfg:      cfg,
		token:    token,
		chatID:   chatID,
		chunkLen: chunkLen,
		client:   http.DefaultClient,
		limiter:  rate.NewLimiter(rate.Every(1100*time.Millisecond), 1), // ~1/s with headroom
		gate:     syncutil.NewGate(2),
		uploads:  make(map[string]*pendingUpload),
	}, nil
}

func (d *tgDriver) Type() string { return "telegram" }

func (d *tgDriver) Capabilities() driver.Capabilities {
	c := typeCaps()
	c.Multipart.MaxPartSize = d.chunkLen
	return c
}

func (d *tgDriver) apiURL(method string) string {
	return "https://api.telegram.org/bot" + d.token + "/" + method
}

func (d *tgDriver) fileURL(filePath string) string {
	return "https://api.telegram.org/file/bot" + d.token + "/" + filePath
}

// apiResp is the Bot API's uniform envelope.
type apiResp struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
}

// call POSTs a JSON Bot API method and decodes result into dest.
func (d *tgDriver) call(ctx context.Context, method string, args map[string]any, dest any) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return types.NewCancelled("telegram call cancelled")
	}
	body, err := json.Marshal(args)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", d.apiURL(method), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return types.NewCancelled("telegram call cancelled")
		}
		return types.NewUpstreamTransient(err, "telegram: %s", method)
	}
	defer resp.Body.Close()
	return decodeAPI(resp, method, dest)
}

func decodeAPI(resp *http.Response, method string, dest any) error {
	var env apiResp
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&env); err != nil {
		return types.NewUpstreamFatal(err, "telegram: decoding %s response", method)
	}
	if !env.OK {
		switch {
		case env.ErrorCode == 401 || env.ErrorCode == 403:
			return types.NewPermissionDenied("telegram: %s: %s", method, env.Description)
		case env.ErrorCode == 429 || env.ErrorCode >= 500:
			return types.NewUpstreamTransient(nil, "telegram: %s: %s", method, env.Description)
		}
		return types.NewUpstreamFatal(nil, "telegram: %s: %s", method, env.Description)
	}
	if dest == nil {
		return nil
	}
	return json.Unmarshal(env.Result, dest)
}

// message is the subset of a Bot API Message the driver reads.
type message struct {
	MessageID int64 `json:"message_id"`
	Document  *struct {
		FileID   string `json:"file_id"`
		FileSize int64  `json:"file_size"`
	} `json:"document"`
}

// sendDocument uploads one document via multipart form. The rate
// limiter and the upload gate both apply.
func (d *tgDriver) sendDocument(ctx context.Context, name string, r io.Reader) (*message, error) {
	d.gate.Start()
	defer d.gate.Done()
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, types.NewCancelled("telegram upload cancelled")
	}

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		var err error
		defer func() { pw.CloseWithError(err) }()
		if err = form.WriteField("chat_id", d.chatID); err != nil {
			return
		}
		if err = form.WriteField("disable_notification", "true"); err != nil {
			return
		}
		var fw io.Writer
		if fw, err = form.CreateFormFile("document", name); err != nil {
			return
		}
		if _, err = io.Copy(fw, r); err != nil {
			return
		}
		err = form.Close()
	}()

	req, err := http.NewRequestWithContext(ctx, "POST", d.apiURL("sendDocument"), pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, types.NewCancelled("telegram upload cancelled")
		}
		return nil, types.NewUpstreamTransient(err, "telegram: sendDocument")
	}
	defer resp.Body.Close()
	var msg message
	if err := decodeAPI(resp, "sendDocument", &msg); err != nil {
		return nil, err
	}
	if msg.Document == nil {
		return nil, types.NewUpstreamFatal(nil, "telegram: sendDocument returned no document")
	}
	return &msg, nil
}

// deleteMessage removes a chat message. Best-effort: deleted or
// too-old messages are not an error.
func (d *tgDriver) deleteMessage(ctx context.Context, id int64) {
	_ = d.call(ctx, "deleteMessage", map[string]any{
		"chat_id":    d.chatID,
		"message_id": id,
	}, nil)
}

// openFile resolves a file_id to a streaming reader.
func (d *tgDriver) openFile(ctx context.Context, fileID string) (io.ReadCloser, error) {
	var f struct {
		FilePath string `json:"file_path"`
	}
	if err := d.call(ctx, "getFile", map[string]any{"file_id": fileID}, &f); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "GET", d.fileURL(f.FilePath), nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, types.NewUpstreamTransient(err, "telegram: fetching file")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, types.NewUpstreamFatal(fmt.Errorf("status %d", resp.StatusCode), "telegram: fetching file")
	}
	return resp.Body, nil
}

func (d *tgDriver) newUploadID() string {
	d.nextID++
	return "tg-upload-" + strconv.Itoa(d.nextID)
}
