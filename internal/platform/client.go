package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"catalog-sync-service/internal/logger"
)

const maxResponseSize = 10 * 1024 * 1024

// restClient is the JSON-over-HTTP plumbing shared by the adapters.
type restClient struct {
	kind      Kind
	baseURL   *url.URL
	http      *http.Client
	limiter   *rate.Limiter
	authorize func(req *http.Request)
}

func newRestClient(kind Kind, s Settings, authorize func(*http.Request)) (*restClient, error) {
	base, err := url.Parse(strings.TrimRight(s.StoreURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%s: invalid store url %q", kind, s.StoreURL)
	}
	return &restClient{
		kind:      kind,
		baseURL:   base,
		http:      s.HTTPClient,
		limiter:   rate.NewLimiter(s.RateLimit, s.Burst),
		authorize: authorize,
	}, nil
}

func (c *restClient) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

// getJSON performs a rate-limited GET and decodes the body into out. It
// classifies failures into AuthError, TransientError and ErrListingNotFound.
func (c *restClient) getJSON(ctx context.Context, rawURL string, out any) (http.Header, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &TransientError{Platform: c.kind, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Platform: c.kind, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &TransientError{Platform: c.kind, Err: fmt.Errorf("read body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{Platform: c.kind, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrListingNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &TransientError{
			Platform:   c.kind,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        errors.New("rate limited"),
		}
	case resp.StatusCode >= 500:
		return nil, &TransientError{Platform: c.kind, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: status %d: %s", ErrRequestFailed, resp.StatusCode, truncate(string(body), 200))
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return nil, fmt.Errorf("%w: decode response: %v", ErrRequestFailed, err)
		}
	}

	logger.Log.Debug("Platform request",
		zap.String("platform", string(c.kind)),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
	)
	return resp.Header, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

var htmlTag = regexp.MustCompile(`<[^>]*>`)

func stripHTML(s string) string {
	return strings.Join(strings.Fields(htmlTag.ReplaceAllString(s, " ")), " ")
}
