// Package sheet talks to the external system-of-record that tracks every
// offer's final disposition. The record is append-mostly and shared with
// humans, so writes are rate limited and retried conservatively.
package sheet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Status is a disposition recorded against an order.
type Status string

const (
	StatusAccepted Status = "Accepted"
	StatusDeclined Status = "Declined"
	StatusOnHold   Status = "On Hold"
	StatusMissed   Status = "Missed"
	StatusFailed   Status = "Failed"
)

// Config for a Client. BaseURL is the record service root, without a
// trailing slash.
type Config struct {
	BaseURL string
	APIKey  string

	// RequestsPerSecond throttles all outbound calls. Zero means the
	// default of 2 rps with a burst of 1.
	RequestsPerSecond float64

	Timeout time.Duration
}

// Client is safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient returns a Client for cfg.
func NewClient(cfg Config) *Client {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
	}
}

type updateRequest struct {
	OrderID      string `json:"orderId"`
	Status       Status `json:"status"`
	Category     string `json:"category,omitempty"`
	ReceivedDate string `json:"receivedDate,omitempty"`
}

// UpdateStatus records a disposition for one order. Server errors and
// transport failures are retried; client errors are not.
func (c *Client) UpdateStatus(ctx context.Context, orderID string, status Status, category, receivedDate string) error {
	body, err := json.Marshal(updateRequest{
		OrderID:      orderID,
		Status:       status,
		Category:     category,
		ReceivedDate: receivedDate,
	})
	if err != nil {
		return err
	}
	err = c.do(ctx, http.MethodPost, "/status", body, nil)
	if err != nil {
		return fmt.Errorf("update status %s for %s: %w", status, orderID, err)
	}
	log.WithFields(log.Fields{"orderId": orderID, "status": status}).Debug("sheet status updated")
	return nil
}

type statusMapResponse struct {
	Statuses map[string]string `json:"statuses"`
}

// ReadStatusMap returns the record's current status per order id. Orders
// unknown to the record are absent from the map.
func (c *Client) ReadStatusMap(ctx context.Context, orderIDs []string) (map[string]string, error) {
	if len(orderIDs) == 0 {
		return map[string]string{}, nil
	}
	body, err := json.Marshal(map[string][]string{"orderIds": orderIDs})
	if err != nil {
		return nil, err
	}
	var resp statusMapResponse
	if err := c.do(ctx, http.MethodPost, "/status/query", body, &resp); err != nil {
		return nil, fmt.Errorf("read status map: %w", err)
	}
	if resp.Statuses == nil {
		resp.Statuses = map[string]string{}
	}
	return resp.Statuses, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	return retry.Do(
		func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}
			req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Content-Type", "application/json")
			if c.cfg.APIKey != "" {
				req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
			}

			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode >= 500 {
				return fmt.Errorf("server returned %d", resp.StatusCode)
			}
			if resp.StatusCode >= 400 {
				data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				return retry.Unrecoverable(fmt.Errorf("request rejected with %d: %s", resp.StatusCode, data))
			}
			if out != nil {
				if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
					return retry.Unrecoverable(fmt.Errorf("decode response: %w", err))
				}
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}
