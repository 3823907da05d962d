package linkedin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// cdpSession is a minimal Chrome DevTools Protocol client: one tab, one
// websocket, synchronous command/response. Enough to navigate and
// evaluate JavaScript; events other than command replies are discarded.
type cdpSession struct {
	conn     *websocket.Conn
	targetID string
	devtools string
	nextID   int64
}

type cdpMessage struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *cdpError       `json:"error,omitempty"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type cdpTarget struct {
	ID                   string `json:"id"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// newCDPSession opens a fresh browser tab through the DevTools HTTP
// endpoint and attaches to it.
func newCDPSession(ctx context.Context, devtoolsURL string) (*cdpSession, error) {
	endpoint := strings.TrimRight(devtoolsURL, "/") + "/json/new?about:blank"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("devtools new tab: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var target cdpTarget
	if err := json.Unmarshal(body, &target); err != nil {
		return nil, fmt.Errorf("devtools new tab response: %w", err)
	}
	if target.WebSocketDebuggerURL == "" {
		return nil, fmt.Errorf("devtools returned no debugger url")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target.WebSocketDebuggerURL, nil)
	if err != nil {
		return nil, fmt.Errorf("devtools dial: %w", err)
	}

	return &cdpSession{conn: conn, targetID: target.ID, devtools: devtoolsURL}, nil
}

// call sends one CDP command and waits for its reply, skipping
// interleaved protocol events.
func (s *cdpSession) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := atomic.AddInt64(&s.nextID, 1)

	var rawParams json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		rawParams = b
	}

	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetWriteDeadline(deadline)
		s.conn.SetReadDeadline(deadline)
	} else {
		s.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
		s.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	}

	if err := s.conn.WriteJSON(cdpMessage{ID: id, Method: method, Params: rawParams}); err != nil {
		return nil, fmt.Errorf("cdp write %s: %w", method, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var msg cdpMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			return nil, fmt.Errorf("cdp read %s: %w", method, err)
		}
		if msg.ID != id {
			continue
		}
		if msg.Error != nil {
			return nil, fmt.Errorf("cdp %s: %s", method, msg.Error.Message)
		}
		return msg.Result, nil
	}
}

// navigate loads pageURL and gives the page settleDelay to render.
func (s *cdpSession) navigate(ctx context.Context, pageURL string, settleDelay time.Duration) error {
	if _, err := s.call(ctx, "Page.navigate", map[string]string{"url": pageURL}); err != nil {
		return err
	}
	timer := time.NewTimer(settleDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// evaluate runs expression in the page and unmarshals its JSON value
// into out.
func (s *cdpSession) evaluate(ctx context.Context, expression string, out any) error {
	result, err := s.call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    expression,
		"returnByValue": true,
	})
	if err != nil {
		return err
	}

	var wrapper struct {
		Result struct {
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(result, &wrapper); err != nil {
		return err
	}
	if wrapper.ExceptionDetails != nil {
		return fmt.Errorf("page script failed: %s", wrapper.ExceptionDetails.Text)
	}
	if out == nil || wrapper.Result.Value == nil {
		return nil
	}
	return json.Unmarshal(wrapper.Result.Value, out)
}

// close tears down the tab and the websocket.
func (s *cdpSession) close() {
	if s.conn != nil {
		s.conn.Close()
	}
	if s.targetID != "" {
		endpoint := strings.TrimRight(s.devtools, "/") + "/json/close/" + url.PathEscape(s.targetID)
		req, err := http.NewRequest(http.MethodGet, endpoint, nil)
		if err == nil {
			if resp, err := http.DefaultClient.Do(req); err == nil {
				resp.Body.Close()
			}
		}
	}
}
