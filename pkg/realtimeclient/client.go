// Package realtimeclient consumes the realtime SSE stream and keeps it
// connected, backing off exponentially between attempts.
package realtimeclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/d60-Lab/qa-realtime/pkg/logger"
)

// State is what a UI shows next to the live indicator.
type State string

const (
	StateConnecting   State = "connecting"
	StateOnline       State = "online"
	StateReconnecting State = "reconnecting"
	// StateOffline is final: the client gave up or was stopped and the user
	// has to refresh manually.
	StateOffline State = "offline"
)

var (
	// ErrGaveUp is returned by Run once MaxAttempts consecutive attempts failed.
	ErrGaveUp       = errors.New("realtimeclient: gave up reconnecting")
	ErrUnauthorized = errors.New("realtimeclient: unauthorized")
	ErrUnavailable  = errors.New("realtimeclient: realtime unavailable")
)

const maxFrameSize = 1 << 20

// Frame mirrors one JSON frame of the stream.
type Frame struct {
	Type         string          `json:"type"`
	Data         json.RawMessage `json:"data,omitempty"`
	Message      string          `json:"message,omitempty"`
	Timestamp    int64           `json:"timestamp"`
	ConnectionID string          `json:"connectionId,omitempty"`
}

type Config struct {
	// URL of the stream endpoint, e.g. http://host/api/v1/realtime/stream.
	URL   string
	Token string

	HTTPClient *http.Client
	// MaxAttempts bounds consecutive failed attempts per outage. Default 5.
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// OnState is called on every state change, from the Run goroutine.
	OnState func(State)
}

type Client struct {
	cfg Config

	mu    sync.Mutex
	state State
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		// no timeout: the response body stays open for the whole stream
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 30 * time.Second
	}
	return &Client{cfg: cfg}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialInterval
	b.MaxInterval = c.cfg.MaxInterval
	return b
}

// Run streams frames into handle until ctx ends or reconnecting fails
// MaxAttempts times in a row. Every established connection restores the full
// attempt budget for the next outage.
func (c *Client) Run(ctx context.Context, handle func(Frame)) error {
	c.setState(StateConnecting)
	defer c.setState(StateOffline)

	for {
		resp, err := backoff.Retry(ctx, func() (*http.Response, error) {
			return c.dial(ctx)
		},
			backoff.WithBackOff(c.newBackOff()),
			backoff.WithMaxTries(c.cfg.MaxAttempts),
			backoff.WithNotify(func(err error, next time.Duration) {
				c.setState(StateReconnecting)
				logger.Debug("realtime stream attempt failed", zap.Error(err), zap.Duration("retry_in", next))
			}),
		)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrUnauthorized) {
				return err
			}
			return fmt.Errorf("%w: %w", ErrGaveUp, err)
		}

		c.setState(StateOnline)
		err = consume(resp.Body, handle)
		_ = resp.Body.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Info("realtime stream dropped, reconnecting", zap.Error(err))
		c.setState(StateReconnecting)
	}
}

func (c *Client) dial(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, backoff.Permanent(ErrUnauthorized)
	case http.StatusServiceUnavailable:
		return nil, ErrUnavailable
	default:
		return nil, fmt.Errorf("realtimeclient: unexpected status %d", resp.StatusCode)
	}
}

// consume decodes SSE messages until the body ends. Only data lines are
// used; malformed frames are skipped.
func consume(body io.Reader, handle func(Frame)) error {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 4096), maxFrameSize)

	var data bytes.Buffer
	for sc.Scan() {
		line := sc.Bytes()
		switch {
		case len(line) == 0:
			if data.Len() > 0 {
				dispatch(data.Bytes(), handle)
				data.Reset()
			}
		case bytes.HasPrefix(line, []byte("data:")):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.Write(bytes.TrimPrefix(bytes.TrimPrefix(line, []byte("data:")), []byte(" ")))
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.EOF
}

func dispatch(raw []byte, handle func(Frame)) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		logger.Warn("skip malformed realtime frame", zap.Error(err))
		return
	}
	handle(f)
}
