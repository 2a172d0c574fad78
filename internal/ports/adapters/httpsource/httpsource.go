// Package httpsource downloads source videos from a remote media server.
package httpsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/forPelevin/clipper/internal/ports"
	"github.com/forPelevin/clipper/internal/types"
)

const maxRedirects = 5

type Fetcher struct {
	baseURL string
	allowed map[string]struct{}
	client  *http.Client
}

type Option func(*Fetcher)

// WithHTTPClient replaces the default client. Redirects are still checked against the allow-list.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		if c != nil {
			cc := *c
			f.client = &cc
		}
	}
}

func New(baseURL string, allowedHosts []string, timeout time.Duration, opts ...Option) (*Fetcher, error) {
	if err := ValidateBaseURL(baseURL, allowedHosts); err != nil {
		return nil, err
	}
	baseURL = normalizeBaseURL(baseURL)
	u, _ := url.Parse(baseURL)

	f := &Fetcher{
		baseURL: baseURL,
		allowed: normalizeAllowedHosts(allowedHosts, strings.ToLower(u.Hostname())),
		client:  &http.Client{Timeout: timeout},
	}
	for _, o := range opts {
		o(f)
	}
	f.client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return errors.New("too many redirects")
		}
		if !hostAllowed(req.URL.Hostname(), f.allowed) {
			return fmt.Errorf("redirect to %q is not allowed", req.URL.Hostname())
		}
		return nil
	}
	return f, nil
}

var _ ports.SourceFetcher = (*Fetcher)(nil)

// Fetch downloads <base>/<ref>/<quality> into req.Dest.
func (f *Fetcher) Fetch(ctx context.Context, req ports.FetchRequest) (string, error) {
	if req.Dest == "" {
		return "", errors.New("http fetch needs a destination path")
	}
	if strings.TrimSpace(req.Ref) == "" {
		return "", fmt.Errorf("%w: empty reference", types.ErrSourceUnavailable)
	}
	u := f.baseURL + "/" + url.PathEscape(req.Ref) + "/" + url.PathEscape(string(req.Quality))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %s: %v", types.ErrSourceUnavailable, req.Ref, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: %s %s: status %d: %s",
			types.ErrSourceUnavailable, req.Ref, req.Quality, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	out, err := os.Create(req.Dest)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", req.Dest, err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		_ = os.Remove(req.Dest)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: download %s: %v", types.ErrSourceUnavailable, req.Ref, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(req.Dest)
		return "", fmt.Errorf("close %s: %w", req.Dest, err)
	}
	return req.Dest, nil
}
