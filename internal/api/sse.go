package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"localchat/internal/relay"
)

// eventStream writes relay events as server-sent events. Headers are only sent with
// the first event so errors found before streaming can still be answered with JSON.
type eventStream struct {
	c       *gin.Context
	flusher http.Flusher
	opened  bool
}

func newEventStream(c *gin.Context) (*eventStream, error) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}
	return &eventStream{c: c, flusher: flusher}, nil
}

func (s *eventStream) send(ev relay.Event) error {
	if err := s.c.Request.Context().Err(); err != nil {
		return err
	}
	if !s.opened {
		header := s.c.Writer.Header()
		header.Set("Content-Type", "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		header.Set("X-Accel-Buffering", "no")
		s.c.Status(http.StatusOK)
		s.opened = true
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.c.Writer, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
