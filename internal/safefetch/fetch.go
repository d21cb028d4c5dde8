package safefetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

const (
	// MaxBodyBytes caps both request and response bodies.
	MaxBodyBytes = 10 << 20

	// maxRedirects bounds manual redirect following.
	maxRedirects = 5
)

// sensitiveHeaders are stripped from every relayed request.
var sensitiveHeaders = []string{
	"Authorization",
	"Cookie",
	"Set-Cookie",
	"X-Api-Key",
	"X-Hub-Token",
	"Proxy-Authorization",
}

var (
	ErrRelativeURL  = errors.New("safefetch: relative URLs are not allowed")
	ErrBodyTooLarge = errors.New("safefetch: body exceeds size cap")
	ErrTooManyHops  = errors.New("safefetch: too many redirects")
)

// Config controls the fetcher.
type Config struct {
	// BlockedPatterns are substring patterns matched against the full URL.
	BlockedPatterns []string

	// Timeout bounds a single fetch including all redirect hops.
	Timeout time.Duration
}

// Fetcher performs policy-checked outbound HTTP requests.
type Fetcher struct {
	client       *http.Client
	patterns     []string
	timeout      time.Duration
	logger       *slog.Logger
	resolve      func(ctx context.Context, host string) ([]netip.Addr, error)
	allowPrivate bool
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLogger overrides the fetcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithResolver overrides DNS resolution for tests.
func WithResolver(resolve func(ctx context.Context, host string) ([]netip.Addr, error)) Option {
	return func(f *Fetcher) {
		if resolve != nil {
			f.resolve = resolve
		}
	}
}

// WithInsecureAllowPrivate disables the private-destination check. Only for
// tests; never wired to configuration.
func WithInsecureAllowPrivate() Option {
	return func(f *Fetcher) {
		f.allowPrivate = true
	}
}

// New creates a Fetcher.
func New(cfg Config, opts ...Option) *Fetcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	f := &Fetcher{
		client: &http.Client{
			// Redirects are revalidated manually hop by hop.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		patterns: cfg.BlockedPatterns,
		timeout:  timeout,
		logger:   slog.Default().With("component", "safefetch"),
		resolve:  defaultResolve,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func defaultResolve(ctx context.Context, host string) ([]netip.Addr, error) {
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	return ips, nil
}

// Request describes one relayed fetch.
type Request struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    []byte
}

// Response is the relayed result.
type Response struct {
	Status   int
	Headers  map[string]string
	Body     []byte
	FinalURL string
}

// ValidateURL checks a URL against the fetch policy without issuing a
// request: absolute http(s) scheme, no blocked hostname, no private
// destination (including every address the hostname resolves to), and no
// denylist match.
func (f *Fetcher) ValidateURL(ctx context.Context, raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("safefetch: parse url: %w", err)
	}
	if !u.IsAbs() || u.Hostname() == "" {
		return nil, ErrRelativeURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, blocked("unsupported scheme: " + u.Scheme)
	}

	for _, pattern := range f.patterns {
		if pattern != "" && strings.Contains(raw, pattern) {
			return nil, blocked("url matches blocked pattern")
		}
	}

	host := u.Hostname()
	if IsBlockedHostname(host) {
		return nil, blocked("blocked hostname: " + host)
	}
	if f.allowPrivate {
		return u, nil
	}
	if IsPrivateIPAddress(host) {
		return nil, blocked("blocked: private/internal IP address")
	}

	// Hostnames must not resolve to private space either.
	if _, err := netip.ParseAddr(normalizeHostname(host)); err != nil {
		addrs, err := f.resolve(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("safefetch: resolve %s: %w", host, err)
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("safefetch: resolve %s: no addresses", host)
		}
		for _, addr := range addrs {
			if IsPrivateAddr(addr) {
				return nil, blocked("blocked: resolves to private/internal IP address")
			}
		}
	}
	return u, nil
}

// Do performs the fetch, following redirects manually and re-validating
// every hop.
func (f *Fetcher) Do(ctx context.Context, req Request) (*Response, error) {
	if len(req.Body) > MaxBodyBytes {
		return nil, ErrBodyTooLarge
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	target := req.URL
	body := req.Body

	for hop := 0; hop <= maxRedirects; hop++ {
		u, err := f.ValidateURL(ctx, target)
		if err != nil {
			return nil, err
		}

		httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), strings.NewReader(string(body)))
		if err != nil {
			return nil, err
		}
		for name, value := range req.Headers {
			httpReq.Header.Set(name, value)
		}
		for _, name := range sensitiveHeaders {
			httpReq.Header.Del(name)
		}

		resp, err := f.client.Do(httpReq)
		if err != nil {
			return nil, err
		}

		if isRedirect(resp.StatusCode) {
			location := resp.Header.Get("Location")
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
			if location == "" {
				return nil, blocked("redirect without location")
			}
			next, err := u.Parse(location)
			if err != nil {
				return nil, fmt.Errorf("safefetch: bad redirect location: %w", err)
			}
			target = next.String()
			// Redirected GETs drop the body, as browsers do.
			if resp.StatusCode == http.StatusSeeOther {
				method = http.MethodGet
				body = nil
			}
			continue
		}

		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes+1))
		if err != nil {
			return nil, err
		}
		if len(data) > MaxBodyBytes {
			return nil, ErrBodyTooLarge
		}

		headers := make(map[string]string, len(resp.Header))
		for name := range resp.Header {
			headers[name] = resp.Header.Get(name)
		}
		return &Response{
			Status:   resp.StatusCode,
			Headers:  headers,
			Body:     data,
			FinalURL: u.String(),
		}, nil
	}
	return nil, ErrTooManyHops
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}
