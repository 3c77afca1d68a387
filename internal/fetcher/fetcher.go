// Package fetcher performs bounded, same-zone JSON requests against remote instances.
package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"fedlist/internal/hostname"
	"fedlist/internal/model"
)

const (
	// DefaultUserAgent identifies the collector to remote servers.
	DefaultUserAgent = "fedlist-stats-fetcher/1.0"
	// DefaultTimeout bounds every single request.
	DefaultTimeout = 5 * time.Second
	// MaxBodyBytes caps JSON payloads.
	MaxBodyBytes = 2_000_000
	// MaxFeedBytes caps RSS/Atom payloads.
	MaxFeedBytes = 5 * 1024 * 1024
	// MaxRedirects caps redirect chains followed by NewHTTPClient.
	MaxRedirects = 5
)

var blockedSuffixes = []string{".bin", ".zip", ".tar", ".gz", ".xz", ".bz2", ".7z", ".rar", ".mp4", ".mp3", ".avi"}

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Error is a classified request failure.
type Error struct {
	Kind model.FailureKind
	URL  string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the failure kind carried by err, or FailUnreachable.
func KindOf(err error) model.FailureKind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return model.FailUnreachable
}

var errUnsafeRedirect = errors.New("redirect leaves host zone")

// NewHTTPClient returns an http.Client that follows at most MaxRedirects
// redirects and only within the zone of the original host.
func NewHTTPClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", MaxRedirects)
			}
			if !hostname.SameZone(req.URL.Hostname(), via[0].URL.Hostname()) {
				return fmt.Errorf("%w: %s", errUnsafeRedirect, req.URL)
			}
			if looksBinary(req.URL) {
				return fmt.Errorf("%w: suspicious path %s", errUnsafeRedirect, req.URL.Path)
			}
			return nil
		},
	}
}

// Fetcher downloads and decodes JSON documents.
type Fetcher struct {
	client    HTTPClient
	timeout   time.Duration
	userAgent string
}

// New creates a Fetcher with the given HTTP client and per-request timeout.
func New(client HTTPClient, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Fetcher{
		client:    client,
		timeout:   timeout,
		userAgent: DefaultUserAgent,
	}
}

// SetUserAgent overrides the default User-Agent header.
func (f *Fetcher) SetUserAgent(ua string) {
	if ua != "" {
		f.userAgent = ua
	}
}

// GetJSON fetches rawURL and decodes the body into out.
func (f *Fetcher) GetJSON(ctx context.Context, rawURL string, out any) error {
	return f.do(ctx, http.MethodGet, rawURL, nil, out)
}

// PostJSON sends body as JSON to rawURL and decodes the response into out.
func (f *Fetcher) PostJSON(ctx context.Context, rawURL string, body, out any) error {
	return f.do(ctx, http.MethodPost, rawURL, body, out)
}

func (f *Fetcher) do(ctx context.Context, method, rawURL string, body, out any) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return &Error{Kind: model.FailUnreachable, URL: rawURL, Err: fmt.Errorf("invalid url")}
	}
	if looksBinary(u) {
		return &Error{Kind: model.FailUnsafeURL, URL: rawURL, Err: fmt.Errorf("suspicious path")}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return &Error{Kind: model.FailUnreachable, URL: rawURL, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/json, */*+json; q=0.9")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return &Error{Kind: classify(ctx, err), URL: rawURL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{Kind: model.FailHTTPStatus, URL: rawURL, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	if ct := resp.Header.Get("Content-Type"); !isJSONContentType(ct) {
		return &Error{Kind: model.FailMalformedBody, URL: rawURL, Err: fmt.Errorf("unexpected content type %q", ct)}
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > MaxBodyBytes {
			return &Error{Kind: model.FailMalformedBody, URL: rawURL, Err: fmt.Errorf("payload too large: %d bytes", n)}
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes+1))
	if err != nil {
		return &Error{Kind: classify(ctx, err), URL: rawURL, Err: fmt.Errorf("read body: %w", err)}
	}
	if len(data) > MaxBodyBytes {
		return &Error{Kind: model.FailMalformedBody, URL: rawURL, Err: fmt.Errorf("payload exceeded %d bytes", MaxBodyBytes)}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return &Error{Kind: model.FailMalformedBody, URL: rawURL, Err: fmt.Errorf("decode json: %w", err)}
	}
	return nil
}

// FetchFeed downloads and parses an RSS or Atom feed.
func (f *Fetcher) FetchFeed(ctx context.Context, rawURL string) (*gofeed.Feed, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &Error{Kind: model.FailUnreachable, URL: rawURL, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &Error{Kind: classify(ctx, err), URL: rawURL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Kind: model.FailHTTPStatus, URL: rawURL, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxFeedBytes))
	if err != nil {
		return nil, &Error{Kind: classify(ctx, err), URL: rawURL, Err: fmt.Errorf("read body: %w", err)}
	}

	feed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return nil, &Error{Kind: model.FailMalformedBody, URL: rawURL, Err: fmt.Errorf("parse feed: %w", err)}
	}
	return feed, nil
}

func classify(ctx context.Context, err error) model.FailureKind {
	if errors.Is(err, errUnsafeRedirect) {
		return model.FailUnsafeURL
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return model.FailTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return model.FailTimeout
	}
	return model.FailUnreachable
}

func isJSONContentType(ct string) bool {
	if ct == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(strings.Split(ct, ";")[0]))
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

func looksBinary(u *url.URL) bool {
	p := strings.ToLower(u.Path)
	for _, suf := range blockedSuffixes {
		if strings.HasSuffix(p, suf) {
			return true
		}
	}
	return false
}
