package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const doneMarker = "[DONE]"

type streamBody struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float32   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

// StreamComplete opens a streaming chat completion. The caller must Close the stream.
func (c *Client) StreamComplete(ctx context.Context, req CompletionRequest) (*Stream, error) {
	payload, err := json.Marshal(streamBody{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(ErrUpstreamError, err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportErr(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, errors.Wrapf(ErrUpstreamError, "status %d: %s", resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}
	return newStream(ctx, resp.Body), nil
}

func transportErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrap(ErrUpstreamTimeout, err.Error())
	}
	return errors.Wrap(ErrUpstreamError, err.Error())
}

// Stream is a pull iterator over content deltas of one streaming completion.
// It is not restartable.
type Stream struct {
	ctx     context.Context
	body    io.ReadCloser
	reader  *bufio.Reader
	delta   string
	err     error
	done    bool
	skipped int
}

func newStream(ctx context.Context, body io.ReadCloser) *Stream {
	return &Stream{ctx: ctx, body: body, reader: bufio.NewReader(body)}
}

// Next advances to the next non-empty delta. It returns false at the end of the
// stream or on error; check Err afterwards.
func (s *Stream) Next() bool {
	if s.done {
		return false
	}
	for {
		line, err := s.reader.ReadString('\n')
		if line != "" {
			delta, finished := s.parseLine(strings.TrimRight(line, "\r\n"))
			if finished {
				s.finish(nil)
				return false
			}
			if delta != "" {
				s.delta = delta
				return true
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.finish(nil)
			} else {
				s.finish(transportErr(s.ctx, err))
			}
			return false
		}
	}
}

// parseLine extracts the content delta of one SSE line. Lines that are not data
// frames yield nothing.
func (s *Stream) parseLine(line string) (string, bool) {
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == doneMarker {
		return "", true
	}
	if payload == "" || !gjson.Valid(payload) {
		s.skip(payload)
		return "", false
	}
	frame := gjson.Parse(payload)
	if upstreamErr := frame.Get("error"); upstreamErr.Exists() {
		msg := upstreamErr.Get("message").String()
		if msg == "" {
			msg = upstreamErr.String()
		}
		s.err = errors.Wrap(ErrUpstreamError, msg)
		return "", true
	}
	choices := frame.Get("choices")
	if !choices.IsArray() {
		s.skip(payload)
		return "", false
	}
	return choices.Get("0.delta.content").String(), false
}

func (s *Stream) skip(payload string) {
	s.skipped++
	log.WithField("frame", truncate(payload, 120)).Debug("skipping malformed stream frame")
}

func (s *Stream) finish(err error) {
	if s.err == nil {
		s.err = err
	}
	s.delta = ""
	s.Close()
}

// Delta returns the text produced by the last successful Next.
func (s *Stream) Delta() string {
	return s.delta
}

// Err returns the error that ended the stream, nil on normal completion.
func (s *Stream) Err() error {
	return s.err
}

// Skipped reports how many frames could not be parsed.
func (s *Stream) Skipped() int {
	return s.skipped
}

// Close releases the response body. Safe to call more than once.
func (s *Stream) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	return s.body.Close()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
