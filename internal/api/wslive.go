package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"murmur/internal/live"
)

// handleWSLive runs the Live Mode protocol: start/stop/history/ping
// control frames plus binary audio, with the session's message channel
// drained into the socket by a dedicated goroutine.
func (s *Server) handleWSLive(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsConn{conn: conn}
	defer conn.Close()

	if !s.wsHandshake(c, r) {
		return
	}

	var (
		mu      sync.Mutex
		session *live.Session
		drainWG sync.WaitGroup
	)
	current := func() *live.Session {
		mu.Lock()
		defer mu.Unlock()
		return session
	}
	defer func() {
		if sess := current(); sess != nil {
			sess.Stop()
		}
		drainWG.Wait()
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.TextMessage:
			var frame clientFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				c.sendError("invalid JSON frame")
				continue
			}
			switch frame.Type {
			case "auth":
				c.send("auth_ok", nil)
			case "start":
				if !s.opts.Config.LiveEnabled() {
					c.sendError("Live Mode is disabled")
					continue
				}
				var body struct {
					Config live.SessionConfig `json:"config"`
				}
				if len(frame.Data) > 0 {
					if err := json.Unmarshal(frame.Data, &body); err != nil {
						c.sendError("invalid start config")
						continue
					}
				}
				sess, err := s.opts.Live.Start(body.Config)
				if err != nil {
					var busy *live.ErrSlotBusy
					switch {
					case errors.Is(err, live.ErrSessionActive):
						c.sendError("A live session is already active")
					case errors.As(err, &busy):
						c.sendError("A transcription is already in progress for " + busy.ActiveUser)
					default:
						c.sendError(err.Error())
					}
					continue
				}
				mu.Lock()
				session = sess
				mu.Unlock()

				drainWG.Add(1)
				go func() {
					defer drainWG.Done()
					for msg := range sess.Messages() {
						c.mu.Lock()
						err := c.conn.WriteJSON(msg)
						c.mu.Unlock()
						if err != nil {
							// Client gone; the deferred Stop tears down.
							return
						}
					}
				}()
			case "stop":
				if sess := current(); sess != nil {
					sess.Stop()
					mu.Lock()
					session = nil
					mu.Unlock()
				} else {
					c.sendError("no active live session")
				}
			case "get_history":
				if sess := current(); sess != nil {
					sess.History()
				} else {
					c.sendError("no active live session")
				}
			case "clear_history":
				if sess := current(); sess != nil {
					sess.ClearHistory()
				} else {
					c.sendError("no active live session")
				}
			case "ping":
				if sess := current(); sess != nil {
					sess.Ping()
				} else {
					c.send("pong", nil)
				}
			default:
				c.sendError("unknown message type: " + frame.Type)
			}
		case websocket.BinaryMessage:
			sess := current()
			if sess == nil {
				continue
			}
			rate, samples, err := parseAudioFrame(data)
			if err != nil {
				c.sendError(err.Error())
				continue
			}
			sess.Feed(samples, rate)
		}
	}
}
