// Package client follows a session's event stream from the command line.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/r3labs/sse/v2"
	"gopkg.in/cenkalti/backoff.v1"

	"github.com/btouchard/querycast/internal/event"
)

// ErrStop ends Watch without error when returned by the event handler.
var ErrStop = errors.New("stop watching")

// StatusError is a refused stream connection.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("event stream refused: %d %s", e.Code, http.StatusText(e.Code))
}

// Fatal reports whether reconnecting cannot help.
func (e *StatusError) Fatal() bool {
	return e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden || e.Code == http.StatusNotFound
}

// Options configures a Watcher.
type Options struct {
	BaseURL    string
	Token      string
	SessionID  string
	HTTPClient *http.Client

	MaxRetries     int // reconnects before giving up, 0 = forever
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Watcher subscribes to one session and reconnects when the stream drops.
type Watcher struct {
	opts Options
	url  string
}

// NewWatcher validates opts.
func NewWatcher(opts Options) (*Watcher, error) {
	if opts.SessionID == "" {
		return nil, errors.New("session id is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", opts.BaseURL)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}

	return &Watcher{
		opts: opts,
		url:  base.String() + "/api/sessions/" + url.PathEscape(opts.SessionID) + "/events",
	}, nil
}

// Watch delivers events to fn until ctx is done, fn returns an error, or
// the server refuses the connection. Each reconnect starts with a fresh
// connected event and status replay.
func (w *Watcher) Watch(ctx context.Context, fn func(event.Event) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.opts.InitialBackoff
	b.MaxInterval = w.opts.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	retries := 0
	for {
		received, err := w.subscribe(ctx, fn)
		switch {
		case errors.Is(err, ErrStop):
			return nil
		case ctx.Err() != nil:
			return nil
		}

		var se *StatusError
		if errors.As(err, &se) && se.Fatal() {
			return err
		}
		if received > 0 {
			b.Reset()
			retries = 0
		}
		retries++
		if w.opts.MaxRetries > 0 && retries > w.opts.MaxRetries {
			return fmt.Errorf("giving up after %d reconnects: %w", w.opts.MaxRetries, err)
		}

		wait := b.NextBackOff()
		slog.Warn("event stream disconnected, reconnecting",
			"session_id", w.opts.SessionID, "retry_in", wait, "error", err)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

// subscribe runs one connection. It returns the number of events handled.
func (w *Watcher) subscribe(ctx context.Context, fn func(event.Event) error) (int, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := sse.NewClient(w.url)
	c.Connection = w.opts.HTTPClient
	c.ReconnectStrategy = &backoff.StopBackOff{}
	c.ResponseValidator = func(_ *sse.Client, resp *http.Response) error {
		if resp.StatusCode != http.StatusOK {
			return &StatusError{Code: resp.StatusCode}
		}
		return nil
	}
	if w.opts.Token != "" {
		c.Headers["Authorization"] = "Bearer " + w.opts.Token
	}

	var (
		received   int
		handlerErr error
	)
	err := c.SubscribeRawWithContext(subCtx, func(msg *sse.Event) {
		if handlerErr != nil || len(msg.Data) == 0 {
			return
		}
		e, err := event.Decode(msg.Data)
		if err != nil {
			slog.Debug("skipping undecodable event", "error", err)
			return
		}
		received++
		if err := fn(e); err != nil {
			handlerErr = err
			cancel()
		}
	})

	if handlerErr != nil {
		return received, handlerErr
	}
	if err == nil && ctx.Err() == nil {
		err = errors.New("event stream closed by server")
	}
	return received, err
}
