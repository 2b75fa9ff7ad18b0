package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bark-labs/bark-notify-hub/internal/logx"
	"github.com/bark-labs/bark-notify-hub/internal/session"
	"github.com/gofiber/fiber/v2"
)

// handleEvents streams session events as server-sent events. The session
// stays registered for as long as the stream is open, which is what makes
// local-only devices of this user reachable.
func (s *Server) handleEvents(c *fiber.Ctx) error {
	if s.sessions == nil {
		return s.fail(c, fiber.StatusServiceUnavailable, "503000", "event stream disabled")
	}
	userID := callerID(c)
	admin := isAdmin(c) && c.QueryBool("all", false)
	events, unsubscribe := s.sessions.Subscribe(userID, admin)

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	log := s.log.With(logx.String("user", userID))
	done := s.done
	keepAlive := s.keepAlive

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer unsubscribe()
		log.Debug("event stream opened")

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		if err := writeEvent(w, session.Event{Type: "hello", UserID: userID, Time: time.Now()}); err != nil {
			return
		}
		for {
			select {
			case <-done:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := writeEvent(w, ev); err != nil {
					log.Debug("event stream closed", logx.Err(err))
					return
				}
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					log.Debug("event stream closed", logx.Err(err))
					return
				}
			}
		}
	})
	return nil
}

func writeEvent(w *bufio.Writer, ev session.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload); err != nil {
		return err
	}
	return w.Flush()
}
