package client

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/temlab/beamshower/pkg/events"
)

// Events subscribes to the daemon event stream. The channel is closed when
// ctx is done or the daemon ends the stream.
func (c *Client) Events(ctx context.Context) (<-chan events.Event, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/events", "")
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, statusError(resp.StatusCode, "")
	}

	ch := make(chan events.Event, 16)
	go func() {
		defer close(ch)
		defer func() {
			if err := resp.Body.Close(); err != nil {
				logrus.Debugf("failed to close event stream: %v", err)
			}
		}()

		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		var name string
		var data []string
		for sc.Scan() {
			line := sc.Text()
			switch {
			case line == "":
				// Blank line dispatches the event.
				if name != "" || len(data) > 0 {
					ev := events.Event{Name: name, Data: []byte(strings.Join(data, "\n"))}
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
				name, data = "", nil
			case strings.HasPrefix(line, ":"):
				// comment
			case strings.HasPrefix(line, "event:"):
				name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			}
		}
		if err := sc.Err(); err != nil && ctx.Err() == nil {
			logrus.WithError(err).Warn("event stream ended")
		}
	}()

	return ch, nil
}
