// Package inventory decrements medication stock when a visit completes.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrUnknownItem       = errors.New("unknown inventory item")
	ErrUnavailable       = errors.New("inventory service unavailable")
)

// Client decrements stock for one dispensed item. reference identifies the
// dispensing event and is forwarded as an idempotency key.
type Client interface {
	Decrement(ctx context.Context, itemID string, quantity int, reference string) error
}

// Noop accepts every decrement. Used when no inventory service is configured.
type Noop struct{}

func (Noop) Decrement(context.Context, string, int, string) error { return nil }

type decrementRequest struct {
	Quantity  int    `json:"quantity"`
	Reference string `json:"reference"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type HTTPClient struct {
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker[struct{}]
	log     zerolog.Logger
}

func NewHTTPClient(baseURL string, timeout time.Duration, log zerolog.Logger) *HTTPClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	log = log.With().Str("component", "inventory").Logger()
	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "inventory",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Business rejections mean the service is healthy.
			return err == nil || errors.Is(err, ErrInsufficientStock) || errors.Is(err, ErrUnknownItem)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})

	return &HTTPClient{http: client, breaker: breaker, log: log}
}

func (c *HTTPClient) Decrement(ctx context.Context, itemID string, quantity int, reference string) error {
	_, err := c.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, c.decrement(ctx, itemID, quantity, reference)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (c *HTTPClient) decrement(ctx context.Context, itemID string, quantity int, reference string) error {
	var apiErr errorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", reference).
		SetBody(decrementRequest{Quantity: quantity, Reference: reference}).
		SetError(&apiErr).
		Post("/v1/items/" + url.PathEscape(itemID) + "/decrement")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch {
	case resp.IsSuccess():
		return nil
	case resp.StatusCode() == http.StatusConflict:
		return fmt.Errorf("%w: item %s: %s", ErrInsufficientStock, itemID, apiErr.Error)
	case resp.StatusCode() == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrUnknownItem, itemID)
	default:
		c.log.Error().Int("status", resp.StatusCode()).Str("item_id", itemID).Msg("inventory decrement failed")
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode())
	}
}
