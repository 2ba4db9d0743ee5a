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

package server

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"cloudpaste.org/pkg/httputil"
	"cloudpaste.org/pkg/types"
	"cloudpaste.org/pkg/upload"
)

const (
	// Time allowed to write a message to the peer.
	wsWriteWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	wsPongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than wsPongWait.
	wsPingPeriod = (wsPongWait * 9) / 10
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// serveUploadProgress pushes upload progress events to the client
// until it disconnects. Non-admin callers only see their own sessions.
func (s *Server) serveUploadProgress(rw http.ResponseWriter, req *http.Request) {
	id, err := s.auth.Identify(req)
	if err != nil {
		httputil.ServeError(rw, req, err)
		return
	}
	if !id.Can(types.PermMountUpload) && !id.Can(types.PermFileShare) {
		httputil.ServeError(rw, req, types.NewUnauthenticated("authentication required"))
		return
	}
	if !httputil.IsWebsocketUpgrade(req) {
		httputil.ServeError(rw, req, types.NewInvalidInput("websocket handshake required"))
		return
	}
	ws, err := wsUpgrader.Upgrade(rw, req, nil)
	if err != nil {
		log.Printf("server: websocket upgrade: %v", err)
		return
	}

	events, cancel := s.engine.Broker().Subscribe()
	defer cancel()

	// Sessions are matched by creator, not connection, so a client can
	// reconnect and keep watching its transfers.
	mine := func(ev upload.Event) bool {
		if id.Admin {
			return true
		}
		sess, ok := s.engine.Sessions().Get(ev.FileID)
		return ok && sess.CreatedBy == id.Name()
	}

	// Read pump: discard client frames, notice the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		ws.SetReadLimit(1024)
		ws.SetReadDeadline(time.Now().Add(wsPongWait))
		ws.SetPongHandler(func(string) error {
			ws.SetReadDeadline(time.Now().Add(wsPongWait))
			return nil
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer ws.Close()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !mine(ev) {
				continue
			}
			msg, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
