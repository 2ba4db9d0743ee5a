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

package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"time"

	"cloudpaste.org/pkg/types"
)

// manifest is the chat's filesystem catalog: every key with its chunk
// file_ids, plus explicitly created directories. It travels as a JSON
// document pinned in the chat, so a fresh driver instance can recover
// it with getChat alone.
type manifest struct {
	Version int                   `json:"v"`
	Files   map[string]*fileEntry `json:"files"`
	Dirs    map[string]int64      `json:"dirs"` // key -> mtime unix

	// messageID is the chat message currently holding this manifest,
	// 0 when never saved. Not serialized: it identifies the message
	// the bytes came from.
	messageID int64
}

type fileEntry struct {
	Size        int64      `json:"size"`
	ContentType string     `json:"ct,omitempty"`
	ModifiedUx  int64      `json:"mtime"`
	Chunks      []chunkRef `json:"chunks"`
}

type chunkRef struct {
	FileID    string `json:"file_id"`
	Size      int64  `json:"size"`
	MessageID int64  `json:"msg_id,omitempty"`
}

const manifestName = ".cloudpaste-manifest.json"

// loadManifest returns the cached manifest, fetching the pinned
// document on first use. A chat with no pinned manifest starts empty.
func (d *tgDriver) loadManifest(ctx context.Context) (*manifest, error) {
	d.mu.Lock()
	if d.manifest != nil {
		m := d.manifest
		d.mu.Unlock()
		return m, nil
	}
	d.mu.Unlock()

	var chat struct {
		PinnedMessage *message `json:"pinned_message"`
	}
	if err := d.call(ctx, "getChat", map[string]any{"chat_id": d.chatID}, &chat); err != nil {
		return nil, err
	}
	m := &manifest{
		Version: 1,
		Files:   make(map[string]*fileEntry),
		Dirs:    make(map[string]int64),
	}
	if chat.PinnedMessage != nil && chat.PinnedMessage.Document != nil {
		rc, err := d.openFile(ctx, chat.PinnedMessage.Document.FileID)
		if err != nil {
			return nil, err
		}
		err = json.NewDecoder(io.LimitReader(rc, 32<<20)).Decode(m)
		rc.Close()
		if err != nil {
			return nil, types.NewUpstreamFatal(err, "telegram: pinned manifest is corrupt")
		}
		if m.Files == nil {
			m.Files = make(map[string]*fileEntry)
		}
		if m.Dirs == nil {
			m.Dirs = make(map[string]int64)
		}
		m.messageID = chat.PinnedMessage.MessageID
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.manifest == nil {
		d.manifest = m
	}
	return d.manifest, nil
}

// saveManifest uploads the manifest as a new document, pins it, and
// deletes the previous manifest message. mutate runs under the driver
// lock and applies the caller's change before serialization.
func (d *tgDriver) saveManifest(ctx context.Context, mutate func(m *manifest)) error {
	m, err := d.loadManifest(ctx)
	if err != nil {
		return err
	}

	d.mu.Lock()
	mutate(m)
	body, err := json.Marshal(m)
	oldMsg := m.messageID
	d.mu.Unlock()
	if err != nil {
		return err
	}

	msg, err := d.sendDocument(ctx, manifestName, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if err := d.call(ctx, "pinChatMessage", map[string]any{
		"chat_id":              d.chatID,
		"message_id":           msg.MessageID,
		"disable_notification": true,
	}, nil); err != nil {
		return err
	}
	d.mu.Lock()
	m.messageID = msg.MessageID
	d.mu.Unlock()
	if oldMsg != 0 {
		d.deleteMessage(ctx, oldMsg)
	}
	return nil
}

func (f *fileEntry) entry(key string) types.Entry {
	return types.Entry{
		Name:        types.BaseName("/" + key),
		Key:         key,
		Size:        f.Size,
		ContentType: f.ContentType,
		Modified:    time.Unix(f.ModifiedUx, 0).UTC(),
	}
}
