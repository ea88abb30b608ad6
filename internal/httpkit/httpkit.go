// Package httpkit builds the outbound HTTP clients used by the model
// providers. Model endpoints are usually LAN hosts (an Ollama box, a
// local OpenAI-compatible gateway), so the shared transport carries
// explicit dial and handshake timeouts and a small idle pool instead
// of the net/http zero values. Endpoint availability is supervised by
// connwatch; httpkit does not retry.
package httpkit

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/nugget/engram/internal/buildinfo"
)

const (
	dialTimeout      = 10 * time.Second
	keepAlive        = 30 * time.Second
	handshakeTimeout = 10 * time.Second
	idleConnTimeout  = 90 * time.Second
	maxIdleConns     = 10
	maxIdlePerHost   = 4
)

// NewTransport returns a transport tuned for talking to a small fixed
// set of model endpoints. No ResponseHeaderTimeout: slow local models
// can sit for a long while before the first byte, and per-request
// deadlines belong to the caller's context.
func NewTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: keepAlive,
		}).DialContext,
		TLSHandshakeTimeout: handshakeTimeout,
		IdleConnTimeout:     idleConnTimeout,
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxIdlePerHost,
		ForceAttemptHTTP2:   true,
	}
}

// Option configures a client built by NewClient.
type Option func(*settings)

type settings struct {
	timeout   time.Duration
	userAgent string
	transport *http.Transport
	insecure  bool
}

// WithTimeout sets the whole-request timeout. Zero disables it, which
// streaming callers need: a completion stream stays open for as long
// as the model keeps producing tokens.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithTransport substitutes the transport. Callers that hold a
// reference (to tweak TLS, for instance) pass the same one in.
func WithTransport(t *http.Transport) Option {
	return func(s *settings) { s.transport = t }
}

// WithUserAgent overrides the default engram User-Agent.
func WithUserAgent(ua string) Option {
	return func(s *settings) { s.userAgent = ua }
}

// WithInsecureTLS skips certificate verification, for gateways with
// self-signed certs on the local network.
func WithInsecureTLS() Option {
	return func(s *settings) { s.insecure = true }
}

// NewClient builds an *http.Client on the shared transport defaults.
// Every request leaves with a User-Agent identifying this build.
func NewClient(opts ...Option) *http.Client {
	s := &settings{
		timeout:   30 * time.Second,
		userAgent: buildinfo.UserAgent(),
	}
	for _, o := range opts {
		o(s)
	}

	t := s.transport
	if t == nil {
		t = NewTransport()
	}
	if s.insecure {
		if t.TLSClientConfig == nil {
			t.TLSClientConfig = &tls.Config{}
		}
		t.TLSClientConfig.InsecureSkipVerify = true //nolint:gosec // explicit opt-in
	}

	return &http.Client{
		Timeout:   s.timeout,
		Transport: &identifyTransport{base: t, ua: s.userAgent},
	}
}

// identifyTransport sets the User-Agent when the request has none.
type identifyTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *identifyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		// RoundTrippers must not mutate the caller's request.
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}
	return t.base.RoundTrip(req)
}

// DrainAndClose consumes up to limit bytes of rc and closes it, so the
// underlying connection goes back to the pool instead of being torn
// down.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody captures up to limit bytes of an error response for
// diagnostics and drains the rest. Returns "" for a nil body.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
