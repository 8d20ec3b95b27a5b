// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/KodiakOps/KodiakStack/services/autonomic"
)

const (
	// wsWriteWait bounds one websocket write; a client that cannot keep
	// up within it is dropped.
	wsWriteWait = 5 * time.Second

	// wsPingPeriod is how often idle connections are pinged.
	wsPingPeriod = 30 * time.Second

	// wsPongWait is how long we wait for a pong before dropping.
	wsPongWait = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// EventStream upgrades to a websocket and streams incident lifecycle
// events.
//
// # Description
//
// Each client gets its own bus subscription with a bounded buffer: the
// bus drops a slow client's oldest events rather than blocking the
// healing loop, and a write that misses the deadline drops the client
// entirely. A reader goroutine consumes control frames and detects
// disconnects.
func EventStream(bus *autonomic.EventBus) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("websocket upgrade failed", "error", err)
			return
		}
		defer ws.Close()

		events, cancel := bus.Subscribe()
		defer cancel()

		slog.Info("event stream client connected", "remote", ws.RemoteAddr().String())

		// Reader: consume control frames, surface disconnects.
		done := make(chan struct{})
		go func() {
			defer close(done)
			ws.SetReadDeadline(time.Now().Add(wsPongWait))
			ws.SetPongHandler(func(string) error {
				return ws.SetReadDeadline(time.Now().Add(wsPongWait))
			})
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				slog.Info("event stream client disconnected", "remote", ws.RemoteAddr().String())
				return
			case <-c.Request.Context().Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := ws.WriteJSON(event); err != nil {
					slog.Warn("event stream write failed, dropping client",
						"remote", ws.RemoteAddr().String(), "error", err)
					return
				}
			case <-ticker.C:
				ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}
