// Package realtime subscribes to the backend's websocket event channel.
// One connection per admin session, joined to the admin room. Delivery is
// at-least-once, possibly duplicated and unordered across event types; the
// reconciler is responsible for making that safe.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"lingodesk/pkg/logger"
)

// Handler receives one named event's raw JSON payload.
type Handler func(event string, data []byte)

// frame is the wire envelope used by the backend channel.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// joinFrame is sent once after connect to enter the admin room.
type joinFrame struct {
	Action string `json:"action"`
	Room   string `json:"room"`
}

// Subscriber owns the websocket connection and a typed handler registry
// with an explicit subscribe/teardown lifecycle. After Close, late frames
// and handler dispatches are discarded — never applied to a disposed view.
type Subscriber struct {
	conn *websocket.Conn

	mu       sync.Mutex
	handlers map[string][]Handler

	started atomic.Bool
	closed  atomic.Bool
	done    chan struct{}
}

// Dial connects, authenticates with the bearer token and joins room.
func Dial(ctx context.Context, wsURL, token, room string) (*Subscriber, error) {
	hdr := http.Header{}
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}
	conn, res, err := websocket.DefaultDialer.DialContext(ctx, wsURL, hdr)
	if err != nil {
		if res != nil {
			return nil, fmt.Errorf("realtime dial: %w (status %d)", err, res.StatusCode)
		}
		return nil, fmt.Errorf("realtime dial: %w", err)
	}
	if room == "" {
		room = "admin"
	}
	if err := conn.WriteJSON(joinFrame{Action: "join", Room: room}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("realtime join: %w", err)
	}
	return &Subscriber{
		conn:     conn,
		handlers: map[string][]Handler{},
		done:     make(chan struct{}),
	}, nil
}

// On registers a handler for one event name. Register before Run; events
// with no handler are dropped with a debug line.
func (s *Subscriber) On(event string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], h)
}

// Run reads frames until the connection drops or Close is called. It is
// intended to run on its own goroutine. Transport errors end the loop
// quietly: state stays whatever it was, and reconnect policy belongs to
// the transport collaborator.
func (s *Subscriber) Run() {
	s.started.Store(true)
	defer close(s.done)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() {
				logger.Warn("realtime_read_closed", "err", err)
			}
			return
		}
		if s.closed.Load() {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			logger.Warn("realtime_bad_frame", "err", err)
			continue
		}
		s.mu.Lock()
		hs := s.handlers[f.Event]
		s.mu.Unlock()
		if len(hs) == 0 {
			logger.Debug("realtime_unhandled_event", "event", f.Event)
			continue
		}
		for _, h := range hs {
			h(f.Event, f.Data)
		}
	}
}

// Close tears the subscription down and waits for the read loop to exit.
// Safe to call more than once.
func (s *Subscriber) Close() {
	if s.closed.Swap(true) {
		return
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), closeDeadline())
	_ = s.conn.Close()
	if s.started.Load() {
		<-s.done
	}
}
