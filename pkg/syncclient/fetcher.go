package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-resty/resty/v2"
)

// Resource names one server projection the synchronizer keeps current.
type Resource string

const (
	ResourceQueue    Resource = "queue"
	ResourceCheckups Resource = "checkups"
	ResourceSummary  Resource = "summary"
)

// DefaultResources are fetched on every cycle unless Options overrides them.
var DefaultResources = []Resource{ResourceQueue, ResourceCheckups}

var resourcePaths = map[Resource]string{
	ResourceQueue:    "/api/v1/queue",
	ResourceCheckups: "/api/v1/checkups/today",
	ResourceSummary:  "/api/v1/checkups/summary",
}

// Fetcher loads the raw JSON of one projection.
type Fetcher interface {
	Fetch(ctx context.Context, r Resource) (json.RawMessage, error)
}

// StatusError is a non-2xx reply from the clinic API.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("clinic api: status %d", e.Code)
	}
	return fmt.Sprintf("clinic api: status %d: %s", e.Code, e.Message)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Stale bool   `json:"stale"`
}

// HTTPFetcher talks to the clinic API with a bearer token. Retries are left
// to the Synchronizer so that backoff stays in one place.
type HTTPFetcher struct {
	http *resty.Client
}

func NewHTTPFetcher(baseURL, token, tenant string) *HTTPFetcher {
	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	if tenant != "" {
		client.SetHeader("X-Tenant-ID", tenant)
	}
	return &HTTPFetcher{http: client}
}

// SetTimeout bounds every request independently of the caller's context.
func (f *HTTPFetcher) SetTimeout(d time.Duration) *HTTPFetcher {
	f.http.SetTimeout(d)
	return f
}

func (f *HTTPFetcher) Fetch(ctx context.Context, r Resource) (json.RawMessage, error) {
	path, ok := resourcePaths[r]
	if !ok {
		return nil, fmt.Errorf("unknown resource %q", r)
	}
	resp, err := f.http.R().SetContext(ctx).Get(path)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", r, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch %s: %w", r, statusError(resp))
	}
	return json.RawMessage(resp.Body()), nil
}

// Post sends a mutation. Client errors other than 408 and 429 are wrapped
// with backoff.Permanent so the operation queue does not retry them.
func (f *HTTPFetcher) Post(ctx context.Context, path string, body any) error {
	req := f.http.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Post(path)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	if !resp.IsError() {
		return nil
	}
	serr := statusError(resp)
	if serr.Code < http.StatusInternalServerError && serr.Code != http.StatusRequestTimeout && serr.Code != http.StatusTooManyRequests {
		return backoff.Permanent(fmt.Errorf("post %s: %w", path, serr))
	}
	return fmt.Errorf("post %s: %w", path, serr)
}

func statusError(resp *resty.Response) *StatusError {
	var body errorBody
	_ = json.Unmarshal(resp.Body(), &body)
	return &StatusError{Code: resp.StatusCode(), Message: body.Error}
}

// IsPermanent reports whether err was marked with backoff.Permanent.
func IsPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p)
}
