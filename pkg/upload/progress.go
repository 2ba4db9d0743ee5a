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

package upload

import (
	"io"
	"sync"
	"time"
)

// progressInterval throttles transfer events: at most one per file per
// interval, except terminal events which always go out.
const progressInterval = 100 * time.Millisecond

// Event is one upload progress snapshot, pushed over the progress
// websocket.
type Event struct {
	FileID     string `json:"file_id"`
	Path       string `json:"path,omitempty"`
	Stage      string `json:"stage"` // uploading, completing, done, failed, aborted
	PartNumber int    `json:"partNumber,omitempty"`
	BytesDone  int64  `json:"bytesDone"`
	BytesTotal int64  `json:"bytesTotal,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (ev Event) terminal() bool {
	switch ev.Stage {
	case "done", "failed", "aborted":
		return true
	}
	return false
}

// Broker fans upload events out to websocket subscribers. Slow
// subscribers lose intermediate events, never terminal ones blocking
// the publisher: sends are non-blocking drops.
type Broker struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
	last map[string]time.Time
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{
		subs: make(map[chan Event]struct{}),
		last: make(map[string]time.Time),
	}
}

// Subscribe registers a listener. The returned cancel must be called
// when the listener goes away.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish pushes ev to every subscriber, throttled per file.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	if !ev.terminal() {
		if t, ok := b.last[ev.FileID]; ok && now.Sub(t) < progressInterval {
			return
		}
		b.last[ev.FileID] = now
	} else {
		delete(b.last, ev.FileID)
	}
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// countingReader reports bytes as they stream through, so relayed
// writes can publish progress without buffering.
type countingReader struct {
	r      io.Reader
	n      int64
	report func(n int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n += int64(n)
		if c.report != nil {
			c.report(c.n)
		}
	}
	return n, err
}
