// Package tunnel exposes the local querycast server on a public HTTPS URL
// so hosted BI chat front-ends can reach the event streams.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	ngroklib "golang.ngrok.com/ngrok"
	ngrokconfig "golang.ngrok.com/ngrok/config"
)

// ErrNoAuthToken is returned by Start when no ngrok token is configured.
var ErrNoAuthToken = errors.New("ngrok auth token is required (set tunnel.authtoken in config or QUERYCAST_NGROK_AUTHTOKEN)")

// Ngrok serves HTTP through an ngrok endpoint.
type Ngrok struct {
	authToken string
	domain    string

	mu       sync.Mutex
	listener net.Listener
	url      string
}

// NewNgrok creates a tunnel. An empty domain asks ngrok for a random one.
func NewNgrok(authToken, domain string) *Ngrok {
	return &Ngrok{authToken: authToken, domain: domain}
}

// Start opens the ngrok endpoint and returns its public URL.
func (n *Ngrok) Start(ctx context.Context) (string, error) {
	if n.authToken == "" {
		return "", ErrNoAuthToken
	}

	var opts []ngrokconfig.HTTPEndpointOption
	if n.domain != "" {
		opts = append(opts, ngrokconfig.WithDomain(n.domain))
	}

	slog.Info("starting ngrok tunnel", "domain", n.domain)

	l, err := ngroklib.Listen(ctx, ngrokconfig.HTTPEndpoint(opts...), ngroklib.WithAuthtoken(n.authToken))
	if err != nil {
		return "", fmt.Errorf("creating ngrok tunnel: %w", err)
	}

	n.mu.Lock()
	n.listener = l
	n.url = publicURL(l.Addr().String())
	url := n.url
	n.mu.Unlock()

	slog.Info("ngrok tunnel established", "public_url", url)
	return url, nil
}

// Serve runs handler on the tunnel until ctx is done. Start must have
// succeeded first.
func (n *Ngrok) Serve(ctx context.Context, handler http.Handler) error {
	n.mu.Lock()
	l := n.listener
	n.mu.Unlock()
	if l == nil {
		return errors.New("ngrok tunnel not started")
	}

	srv := &http.Server{Handler: handler} //nolint:gosec // timeouts are enforced by the main server config
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		return fmt.Errorf("serving over ngrok: %w", err)
	}
	return nil
}

// Close shuts the endpoint down. Closing an unstarted tunnel is a no-op.
func (n *Ngrok) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.listener == nil {
		return nil
	}

	slog.Info("closing ngrok tunnel", "public_url", n.url)
	err := n.listener.Close()
	n.listener = nil
	n.url = ""
	if err != nil {
		return fmt.Errorf("closing ngrok tunnel: %w", err)
	}
	return nil
}

// PublicURL returns the URL reported by Start, or "" before it.
func (n *Ngrok) PublicURL() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.url
}

func publicURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "https://" + addr
}
