// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/ModelGallery/cmd/gallery/internal/gallery"
)

const (
	eventWriteTimeout = 10 * time.Second
	eventPingInterval = 30 * time.Second
)

// Event is one message on the /v1/events stream.
type Event struct {
	Type string `json:"type"`
	gallery.Snapshot
}

// handleEvents streams a snapshot on connect and after every change.
func (s *Server) handleEvents(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// The read loop only detects the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	changes := s.svc.Subscribe(ctx)
	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()

	if err := s.sendSnapshot(ws); err != nil {
		return
	}
	s.logger.Debug("Event stream client connected")

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			if err := s.sendSnapshot(ws); err != nil {
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(eventWriteTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (s *Server) sendSnapshot(ws *websocket.Conn) error {
	_ = ws.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
	err := ws.WriteJSON(Event{Type: "snapshot", Snapshot: s.svc.Snapshot()})
	if err != nil {
		s.logger.Debug("Event stream write failed", "error", err)
	}
	return err
}
