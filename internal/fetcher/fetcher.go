package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mfittko/rag-stack/internal/errs"
)

const (
	// maxRedirects is the redirect hop limit per URL.
	maxRedirects = 5

	// maxBodyBytes caps the response body at 10 MiB, enforced both by
	// Content-Length inspection and by streamed accumulation.
	maxBodyBytes = 10 << 20

	// fetchTimeout is the total wall-clock budget per URL.
	fetchTimeout = 30 * time.Second

	// maxParallel is the number of URLs fetched concurrently per batch.
	maxParallel = 5

	// sniffBytes is how much of the body MIME sniffing examines.
	sniffBytes = 512
)

// Result is one successfully fetched URL.
type Result struct {
	// URL is the original input URL (before redirects).
	URL string
	// FinalURL is the URL that served the response after redirects.
	FinalURL string
	// Body is the response body, at most maxBodyBytes.
	Body []byte
	// ContentType is the Content-Type header, or a sniffed fallback.
	ContentType string
}

// FetchError is one failed URL with its typed reason.
type FetchError struct {
	// URL is the input URL that failed.
	URL string `json:"url"`
	// Reason is one of the errs.Reason* constants.
	Reason string `json:"reason"`
	// Detail is an operator-facing description.
	Detail string `json:"detail,omitempty"`
}

// Fetcher retrieves URL content under the SSRF policy. Safe for concurrent use.
type Fetcher struct {
	// client performs requests. Redirects are disabled — hops are followed
	// manually so each target can be re-validated.
	client *http.Client
	// resolver resolves hostnames for validation; swapped in tests.
	resolver resolver
	// userAgent is sent with every request.
	userAgent string
	// allowLoopback disables the loopback check so tests can target
	// httptest servers. Never set outside tests.
	allowLoopback bool
}

// New constructs a Fetcher with the default policy.
func New() *Fetcher {
	return &Fetcher{
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		resolver:  net.DefaultResolver,
		userAgent: "raged/1.0 (+ingest)",
	}
}

// FetchAll de-duplicates urls and fetches them with at most maxParallel in
// flight. Partial success is the normal mode: successes land in the result
// map keyed by input URL, failures in the error list.
func (f *Fetcher) FetchAll(ctx context.Context, urls []string) (map[string]*Result, []FetchError) {
	seen := make(map[string]bool, len(urls))
	var unique []string
	for _, u := range urls {
		if !seen[u] {
			seen[u] = true
			unique = append(unique, u)
		}
	}

	var mu sync.Mutex
	results := make(map[string]*Result, len(unique))
	var ferrs []FetchError

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)

	for _, u := range unique {
		u := u
		g.Go(func() error {
			res, err := f.Fetch(gctx, u)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				ferrs = append(ferrs, classify(u, err))
				return nil // per-URL failures never abort the batch
			}
			results[u] = res
			return nil
		})
	}
	_ = g.Wait()

	return results, ferrs
}

// Fetch retrieves a single URL, following up to maxRedirects hops manually
// and re-validating every target against the SSRF policy.
func (f *Fetcher) Fetch(ctx context.Context, raw string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	current, err := f.ValidateURL(ctx, raw)
	if err != nil {
		return nil, err
	}

	for hop := 0; ; hop++ {
		resp, err := f.do(ctx, current)
		if err != nil {
			return nil, err
		}

		if isRedirect(resp.StatusCode) {
			loc := resp.Header.Get("Location")
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()

			if hop+1 > maxRedirects {
				return nil, errRedirectLimit
			}
			next, err := f.redirectTarget(ctx, current, loc)
			if err != nil {
				return nil, err
			}
			current = next
			continue
		}

		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("fetcher: %s returned HTTP %d", current, resp.StatusCode)
		}
		if resp.ContentLength > maxBodyBytes {
			return nil, errTooLarge
		}

		body, err := readCapped(resp.Body)
		if err != nil {
			return nil, err
		}

		contentType := resp.Header.Get("Content-Type")
		if contentType == "" {
			n := len(body)
			if n > sniffBytes {
				n = sniffBytes
			}
			contentType = http.DetectContentType(body[:n])
		}

		return &Result{
			URL:         raw,
			FinalURL:    current.String(),
			Body:        body,
			ContentType: contentType,
		}, nil
	}
}

// do issues a single GET without following redirects.
func (f *Fetcher) do(ctx context.Context, u *url.URL) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("fetcher: create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html, text/plain, application/json, */*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetcher: get %s: %w", u, err)
	}
	return resp, nil
}

// redirectTarget resolves loc against current and validates the hop:
// non-http(s) schemes and https→http downgrades are rejected, and the new
// target goes through the full SSRF validation again.
func (f *Fetcher) redirectTarget(ctx context.Context, current *url.URL, loc string) (*url.URL, error) {
	if loc == "" {
		return nil, fmt.Errorf("fetcher: redirect without Location header")
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return nil, fmt.Errorf("fetcher: bad redirect target %q: %w", loc, err)
	}
	next := current.ResolveReference(ref)

	scheme := strings.ToLower(next.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("fetcher: redirect to scheme %q not allowed", next.Scheme)
	}
	if strings.EqualFold(current.Scheme, "https") && scheme == "http" {
		return nil, fmt.Errorf("fetcher: redirect downgrade from https to http not allowed")
	}
	if err := f.validateParsed(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// readCapped reads at most maxBodyBytes and fails once the cap is exceeded,
// cancelling the remaining stream.
func readCapped(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("fetcher: read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, errTooLarge
	}
	return body, nil
}

// isRedirect reports whether code is a redirect status with a Location target.
func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// Sentinel errors for typed classification.
var (
	errTooLarge      = errors.New("fetcher: body exceeds size cap")
	errRedirectLimit = errors.New("fetcher: too many redirects")
)

// classify maps a fetch error to its per-URL typed reason.
func classify(u string, err error) FetchError {
	fe := FetchError{URL: u, Detail: err.Error()}
	switch {
	case errors.Is(err, errTooLarge):
		fe.Reason = errs.ReasonTooLarge
	case errors.Is(err, errRedirectLimit):
		fe.Reason = errs.ReasonRedirectLimit
	case errors.Is(err, context.DeadlineExceeded):
		fe.Reason = errs.ReasonTimeout
	case isBlocked(err):
		fe.Reason = errs.ReasonSSRFBlocked
	default:
		fe.Reason = errs.ReasonFetchFailed
	}
	return fe
}

// isBlocked reports whether err came from the SSRF guard rather than the
// network. Guard errors mention the policy; network errors never do.
func isBlocked(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "denied") ||
		strings.Contains(msg, "not allowed") ||
		strings.Contains(msg, "no host")
}
