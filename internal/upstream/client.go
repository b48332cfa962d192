// Package upstream maintains streaming subscriptions against the execution
// service that produces agent events, normalizing its SSE stream and
// reconnecting on failure without losing events.
package upstream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// Frame is one parsed SSE event from the upstream stream.
type Frame struct {
	ID    string
	Event string
	Data  []byte
}

// EventID returns the frame's id as an integer, or ok=false when the
// upstream did not supply a parseable id.
func (f Frame) EventID() (int64, bool) {
	if f.ID == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(f.ID, 10, 64)
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}

// Client opens long-lived SSE streams against the upstream execution
// service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the given base URL. The HTTP client carries
// no timeout: streams are arbitrarily long-lived and cancellation flows
// through the request context.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// OpenStream starts one SSE subscription for the session. A positive
// lastEventID is sent as the Last-Event-ID header so the upstream can resume
// from that point. The caller owns the returned body.
func (c *Client) OpenStream(ctx context.Context, clientID, requestID string, lastEventID int64) (io.ReadCloser, error) {
	url := fmt.Sprintf("%s/sessions/%s/%s/events", c.baseURL, clientID, requestID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if lastEventID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastEventID, 10))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		return nil, fmt.Errorf("upstream error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp.Body, nil
}

// readFrames parses the SSE wire format (id:/event:/data: lines terminated
// by a blank line, ":" comments ignored) and calls emit for each complete
// frame carrying data. emit returning false stops the read.
func readFrames(body io.Reader, emit func(Frame) bool) error {
	scanner := bufio.NewScanner(body)
	// Tool results can arrive as single large data lines.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	var frame Frame
	var data []string

	flush := func() bool {
		if len(data) == 0 {
			frame = Frame{}
			return true
		}
		frame.Data = []byte(strings.Join(data, "\n"))
		ok := emit(frame)
		frame = Frame{}
		data = nil
		return ok
	}

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if !flush() {
				return nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue // comment / keepalive
		}

		field, value := line, ""
		if i := strings.IndexByte(line, ':'); i >= 0 {
			field = line[:i]
			value = strings.TrimPrefix(line[i+1:], " ")
		}
		switch field {
		case "id":
			frame.ID = value
		case "event":
			frame.Event = value
		case "data":
			data = append(data, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read error: %w", err)
	}
	// Stream ended cleanly; deliver any trailing unterminated frame.
	flush()
	return io.EOF
}
